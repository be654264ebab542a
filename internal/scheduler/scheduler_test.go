package scheduler

import (
	"context"
	"testing"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/events"
	"apollo-core/internal/pipeline"
	"apollo-core/internal/risk"
	"apollo-core/pkg/cache"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *agent.Registry, *db.Database) {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logs := db.NewLogWriter(database.DB, 10, 50*time.Millisecond)
	t.Cleanup(func() { logs.Close() })

	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 100
	}

	registry := agent.NewRegistry(database, 200)
	engine := analysis.NewEngine(analysis.DefaultParams(), time.Minute)
	s := New(registry, database, engine, &pipeline.Pipeline{}, logs, events.NewBus(),
		config.DefaultPresets(), cache.NewShardedTTLCache(time.Minute), opts)
	return s, registry, database
}

func activateTestAgent(t *testing.T, registry *agent.Registry, database *db.Database, id string) *agent.State {
	t.Helper()
	ctx := context.Background()
	rec := db.AgentRecord{
		ID: id, Token: "tok", Symbol: "R_100", Currency: "USD",
		BaseStake: 1, DailyProfitTarget: 20, DailyLossLimit: 10,
		InitialBalance: 1000, StopLossMode: risk.StopLossFixed,
		Cadence: "standard", Profile: "balanced", DurationTicks: 5,
	}
	if err := database.UpsertAgent(ctx, rec); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	st, err := registry.Activate(ctx, rec)
	if err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	return st
}

func flatHistory(n int) []agent.PriceTick {
	ticks := make([]agent.PriceTick, n)
	for i := range ticks {
		ticks[i] = agent.NewPriceTick(1000.0, int64(i+1), 2)
	}
	return ticks
}

// A tripped stop sidelines the agent for the session only: it stays in the
// roster, the halt is audited once, and a session reset brings it back.
func TestCycleHaltIsSessionScoped(t *testing.T) {
	s, registry, database := newTestScheduler(t, Options{})
	ctx := context.Background()

	st := activateTestAgent(t, registry, database, "a1")
	st.UpdateRecord(func(r *db.AgentRecord) { r.DailyProfit = r.DailyProfitTarget })

	s.Cycle(ctx)
	if registry.Get("a1") == nil {
		t.Fatal("stop-win removed the agent from the roster")
	}
	if !st.Halted() {
		t.Fatal("stop-win did not mark the agent halted")
	}
	rec, err := database.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !rec.IsActive {
		t.Fatal("stop-win deactivated the persisted row")
	}

	// Repeated cycles skip the halted agent without re-auditing.
	s.Cycle(ctx)
	var audits int
	row := database.DB.QueryRow(`SELECT COUNT(*) FROM risk_events WHERE agent_id = 'a1' AND event = 'session_halt'`)
	if err := row.Scan(&audits); err != nil {
		t.Fatalf("count risk events: %v", err)
	}
	if audits != 1 {
		t.Fatalf("session_halt audits = %d, want 1", audits)
	}

	// The session reset clears the accumulators; the next cycle resumes the
	// agent and evaluates it normally.
	st.UpdateRecord(func(r *db.AgentRecord) { risk.ResetSession(r) })
	s.Cycle(ctx)
	if st.Halted() {
		t.Fatal("agent still halted after the session reset")
	}
	if st.Record().NextEligibleAt == nil {
		t.Fatal("resumed agent was not evaluated")
	}
}

func TestCycleGateDefersEvaluation(t *testing.T) {
	s, registry, database := newTestScheduler(t, Options{})
	now := time.Now()

	short := activateTestAgent(t, registry, database, "a1")

	flat := activateTestAgent(t, registry, database, "a2")
	flat.ReplaceHistory(flatHistory(60))

	s.Cycle(context.Background())

	// Window still filling: short retry.
	next := short.Record().NextEligibleAt
	if next == nil {
		t.Fatal("short-history agent not deferred")
	}
	if next.Before(now.Add(5*time.Second)) || next.After(now.Add(16*time.Second)) {
		t.Fatalf("short defer = %s from now, want about 10s", next.Sub(now))
	}

	// Flat window yields no verdict: full jittered retry.
	next = flat.Record().NextEligibleAt
	if next == nil {
		t.Fatal("no-verdict agent not deferred")
	}
	if next.Before(now.Add(29 * time.Second)) {
		t.Fatalf("full defer = %s from now, want at least 30s", next.Sub(now))
	}
}

func TestCycleSkipsInFlightAgents(t *testing.T) {
	s, registry, database := newTestScheduler(t, Options{})

	st := activateTestAgent(t, registry, database, "a1")
	st.TryAcquire()
	defer st.Release()

	s.Cycle(context.Background())
	if st.Record().NextEligibleAt != nil {
		t.Fatal("in-flight agent was evaluated")
	}
}

func TestCycleHonorsPerCycleCap(t *testing.T) {
	s, registry, database := newTestScheduler(t, Options{MaxAgents: 1})

	a := activateTestAgent(t, registry, database, "a1")
	b := activateTestAgent(t, registry, database, "a2")

	s.Cycle(context.Background())

	evaluated := 0
	for _, st := range []*agent.State{a, b} {
		if st.Record().NextEligibleAt != nil {
			evaluated++
		}
	}
	if evaluated != 1 {
		t.Fatalf("evaluated %d agents, want exactly the cap of 1", evaluated)
	}
}
