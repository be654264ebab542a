package agent

import (
	"context"
	"fmt"
	"log"
	"sync"

	"apollo-core/pkg/db"
)

// Registry is the exclusive-owner arena of active agents, indexed by agent
// id. The scheduler owns it and threads it explicitly through the feed
// multiplexer and pipeline; there are no ambient globals.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*State
	historyCap int
	store      *db.Database
}

// NewRegistry creates an empty registry backed by the persistence store.
func NewRegistry(store *db.Database, historyCap int) *Registry {
	return &Registry{
		agents:     make(map[string]*State),
		historyCap: historyCap,
		store:      store,
	}
}

// Resync loads all active agents from the store, replacing in-memory state.
// Persisted money-management fields fully reconstruct each agent without
// replaying tick history.
func (r *Registry) Resync(ctx context.Context) error {
	records, err := r.store.LoadActiveAgents(ctx)
	if err != nil {
		return fmt.Errorf("resync agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*State, len(records))
	for _, rec := range records {
		r.agents[rec.ID] = NewState(rec, r.historyCap)
	}
	log.Printf("registry: resynced %d active agents", len(records))
	return nil
}

// Activate registers an agent, resetting its session accumulators. Activating
// an already-active agent resets it idempotently.
func (r *Registry) Activate(ctx context.Context, rec db.AgentRecord) (*State, error) {
	rec.IsActive = true
	rec.DailyProfit = 0
	rec.DailyLoss = 0
	rec.ProfitPeak = 0
	rec.TradeCount = 0
	rec.WinCount = 0
	rec.LossCount = 0
	rec.OpsSincePause = 0
	rec.NextEligibleAt = nil

	if err := r.store.UpsertAgent(ctx, rec); err != nil {
		return nil, err
	}

	st := NewState(rec, r.historyCap)
	r.mu.Lock()
	r.agents[rec.ID] = st
	r.mu.Unlock()
	return st, nil
}

// Deactivate removes an agent's state and history. Deactivating an inactive
// agent is a no-op. An in-flight pipeline step is not aborted; its result is
// discarded when it finds the state gone.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	_, existed := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if err := r.store.SetAgentActive(ctx, id, false); err != nil {
		return err
	}
	if existed {
		log.Printf("registry: deactivated agent %s", id)
	}
	return nil
}

// Get returns the agent state, or nil when not active.
func (r *Registry) Get(id string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// All returns a snapshot of every active agent state.
func (r *Registry) All() []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*State, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, st)
	}
	return out
}

// BySymbol returns every agent watching the given instrument.
func (r *Registry) BySymbol(symbol string) []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*State
	for _, st := range r.agents {
		if st.Record().Symbol == symbol {
			out = append(out, st)
		}
	}
	return out
}

// Symbols returns the distinct instruments watched by active agents.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, st := range r.agents {
		sym := st.Record().Symbol
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

// Count returns the number of active agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
