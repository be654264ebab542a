// Package scheduler drives the decision loop: each cycle it gathers eligible
// agents, refreshes their persisted configuration, and evaluates them in small
// concurrent groups, handing confirmed signals to the trade pipeline.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/events"
	"apollo-core/internal/monitor"
	"apollo-core/internal/pipeline"
	"apollo-core/internal/risk"
	"apollo-core/pkg/cache"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

// Options tunes a scheduler.
type Options struct {
	Interval   time.Duration
	MaxAgents  int
	GroupSize  int
	GroupPause time.Duration
	RateLimit  float64 // trade launches per second across all agents
	Metrics    *monitor.Metrics
}

// Scheduler owns the periodic evaluation cycle.
type Scheduler struct {
	registry *agent.Registry
	store    *db.Database
	engine   *analysis.Engine
	pipe     *pipeline.Pipeline
	logs     *db.LogWriter
	bus      *events.Bus
	presets  *config.Presets
	configs  *cache.ShardedTTLCache
	limiter  *rate.Limiter
	opts     Options
}

// New builds a scheduler. configCache holds recently fetched agent rows so a
// burst of cycles does not re-read unchanged configuration.
func New(registry *agent.Registry, store *db.Database, engine *analysis.Engine, pipe *pipeline.Pipeline, logs *db.LogWriter, bus *events.Bus, presets *config.Presets, configCache *cache.ShardedTTLCache, opts Options) *Scheduler {
	if opts.GroupSize <= 0 {
		opts.GroupSize = 5
	}
	burst := int(opts.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Scheduler{
		registry: registry,
		store:    store,
		engine:   engine,
		pipe:     pipe,
		logs:     logs,
		bus:      bus,
		presets:  presets,
		configs:  configCache,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), burst),
		opts:     opts,
	}
}

// Run executes cycles at the configured interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle evaluates every eligible agent once. Agents run in fixed-size groups
// with a pause between groups so a large roster does not stampede the venue.
func (s *Scheduler) Cycle(ctx context.Context) {
	all := s.registry.All()
	if len(all) == 0 {
		return
	}
	s.refreshConfigs(ctx, all)

	now := time.Now()
	candidates := make([]*agent.State, 0, len(all))
	for _, st := range all {
		if st.InFlight() || !st.Eligible(now) {
			continue
		}
		candidates = append(candidates, st)
		if s.opts.MaxAgents > 0 && len(candidates) == s.opts.MaxAgents {
			break
		}
	}
	if len(candidates) == 0 {
		return
	}

	for start := 0; start < len(candidates); start += s.opts.GroupSize {
		end := start + s.opts.GroupSize
		if end > len(candidates) {
			end = len(candidates)
		}

		var g errgroup.Group
		for _, st := range candidates[start:end] {
			st := st
			g.Go(func() error {
				s.evaluate(ctx, st)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(candidates) && s.opts.GroupPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.GroupPause):
			}
		}
	}
}

// refreshConfigs batch-loads persisted rows for agents whose cached copy has
// expired and applies external configuration edits to in-memory state. Agents
// with a trade in flight are left untouched.
func (s *Scheduler) refreshConfigs(ctx context.Context, states []*agent.State) {
	var missing []string
	for _, st := range states {
		if _, ok := s.configs.Get("agent:" + st.ID); !ok {
			missing = append(missing, st.ID)
		}
	}
	if len(missing) == 0 {
		return
	}

	rows, err := s.store.GetAgents(ctx, missing)
	if err != nil {
		log.Printf("scheduler: refresh configs: %v", err)
		return
	}
	for _, st := range states {
		rec, ok := rows[st.ID]
		if !ok {
			continue
		}
		s.configs.Set("agent:"+st.ID, rec)
		if st.InFlight() {
			continue
		}
		st.UpdateRecord(func(r *db.AgentRecord) {
			r.BaseStake = rec.BaseStake
			r.DailyProfitTarget = rec.DailyProfitTarget
			r.DailyLossLimit = rec.DailyLossLimit
			r.StopLossMode = rec.StopLossMode
			r.Cadence = rec.Cadence
			r.Profile = rec.Profile
			r.DurationTicks = rec.DurationTicks
		})
	}
}

// evaluate runs the gate sequence for one agent and, when every gate passes,
// acquires the in-flight flag and launches the pipeline.
func (s *Scheduler) evaluate(ctx context.Context, st *agent.State) {
	rec := st.Record()

	if decision := risk.CheckStops(&rec); decision.Halt {
		s.halt(ctx, st, rec, decision.Reason)
		return
	}
	st.ClearHalt()

	cadence := s.presets.Cadence(rec.Cadence)
	prices, lastEpoch, digits := st.HistorySnapshot()

	if len(prices) < cadence.MinHistory {
		s.gate(st, "history", fmt.Sprintf("%d/%d ticks", len(prices), cadence.MinHistory))
		s.deferShort(st, cadence)
		return
	}

	timer := monitor.StartTimer(s.opts.Metrics.ObserveDecision)
	res := s.engine.Compute(st.ID, prices, lastEpoch)
	timer.Stop()
	if res.Verdict == analysis.DirectionNone {
		s.gate(st, "verdict", fmt.Sprintf("up=%.0f down=%.0f", res.UpScore, res.DownScore))
		s.deferFull(st, cadence)
		return
	}
	if res.Confidence < cadence.MinConfidence {
		s.gate(st, "confidence", fmt.Sprintf("%.0f < %.0f", res.Confidence, cadence.MinConfidence))
		s.deferFull(st, cadence)
		return
	}
	if !analysis.ConfirmDigits(digits, res.Verdict) {
		s.gate(st, "digits", fmt.Sprintf("window rejects %s", res.Verdict))
		s.deferFull(st, cadence)
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if !st.TryAcquire() {
		return
	}
	s.logs.Append(st.ID, "info", "signal", fmt.Sprintf("%s confirmed, confidence %.0f", res.Verdict, res.Confidence), "")
	s.opts.Metrics.AddSignal()
	go s.pipe.Execute(ctx, st, res.Verdict, res.Confidence)
}

// halt sidelines an agent whose stop condition fired. The agent stays in the
// roster so the session reset brings it back; subsequent cycles skip it
// without re-auditing.
func (s *Scheduler) halt(ctx context.Context, st *agent.State, rec db.AgentRecord, reason string) {
	if !st.MarkHalted() {
		return
	}
	log.Printf("scheduler: halting agent %s for the session: %s", st.ID, reason)
	s.logs.Append(st.ID, "warn", "stop", reason, "")

	if err := s.store.AppendRiskEvent(ctx, db.RiskEvent{
		AgentID:       st.ID,
		Event:         "session_halt",
		RecoveryLevel: rec.RecoveryLevel,
		CompoundLevel: rec.CompoundLevel,
		Detail:        reason,
	}); err != nil {
		log.Printf("scheduler: audit halt for %s: %v", st.ID, err)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventAgentStopped, map[string]string{"agent_id": st.ID, "reason": reason})
	}
}

// gate records a diagnostic for a rejected evaluation.
func (s *Scheduler) gate(st *agent.State, name, detail string) {
	s.logs.Append(st.ID, "debug", "gate", name+": "+detail, "")
}

// deferShort reschedules soon; used while the window is still filling.
func (s *Scheduler) deferShort(st *agent.State, cadence config.CadencePreset) {
	secs := cadence.RetryShortSec
	if secs <= 0 {
		secs = 5
	}
	next := time.Now().Add(time.Duration(secs) * time.Second)
	st.UpdateRecord(func(r *db.AgentRecord) { r.NextEligibleAt = &next })
}

// deferFull reschedules a full, jittered interval after a rejected signal.
func (s *Scheduler) deferFull(st *agent.State, cadence config.CadencePreset) {
	secs := cadence.RetryFullSec
	if secs <= 0 {
		secs = 60
	}
	jittered := time.Duration(float64(secs)*(0.5+rand.Float64())) * time.Second
	next := time.Now().Add(jittered)
	st.UpdateRecord(func(r *db.AgentRecord) { r.NextEligibleAt = &next })
}
