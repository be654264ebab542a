package results

import (
	"context"
	"testing"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/events"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

type workerFixture struct {
	worker   *Worker
	queue    *Queue
	registry *agent.Registry
	store    *db.Database
	cancel   context.CancelFunc
}

func newWorkerFixture(t *testing.T) *workerFixture {
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

	queue := NewQueue(10)
	registry := agent.NewRegistry(database, 50)
	w := &Worker{
		Queue:    queue,
		Registry: registry,
		Store:    database,
		Logs:     logs,
		Bus:      events.NewBus(),
		Presets:  config.DefaultPresets(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return &workerFixture{worker: w, queue: queue, registry: registry, store: database, cancel: cancel}
}

func (f *workerFixture) activate(t *testing.T, rec db.AgentRecord) *agent.State {
	t.Helper()
	st, err := f.registry.Activate(context.Background(), rec)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return st
}

// waitFor polls until cond passes or the deadline lapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerAppliesWinningSettlement(t *testing.T) {
	f := newWorkerFixture(t)
	st := f.activate(t, db.AgentRecord{
		ID: "a1", Token: "tok", Symbol: "R_100", Currency: "USD",
		BaseStake: 1, StopLossMode: "fixed", Cadence: "standard", Profile: "balanced",
	})

	f.queue.Enqueue(Settlement{
		AgentID: "a1", TradeID: "t1", Stake: 1, Profit: 0.75, Confidence: 60, Status: "WON",
	})

	waitFor(t, func() bool { return st.Record().TradeCount == 1 })
	rec := st.Record()
	if rec.WinCount != 1 || rec.DailyProfit != 0.75 {
		t.Fatalf("record after win = %+v", rec)
	}
	if rec.CompoundLevel == 0 {
		t.Fatal("win should start a compounding cycle")
	}
	if rec.NextEligibleAt == nil {
		t.Fatal("settlement should schedule the next eligibility")
	}

	// The transition is persisted and audited.
	saved, err := f.store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if saved.TradeCount != 1 || saved.WinCount != 1 {
		t.Fatalf("persisted record = %+v", saved)
	}

	var count int
	row := f.store.DB.QueryRow(`SELECT COUNT(*) FROM risk_events WHERE agent_id = 'a1'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count risk events: %v", err)
	}
	if count != 1 {
		t.Fatalf("risk events = %d, want 1", count)
	}
}

func TestWorkerFailedSettlementOnlyReschedules(t *testing.T) {
	f := newWorkerFixture(t)
	st := f.activate(t, db.AgentRecord{
		ID: "a1", Token: "tok", Symbol: "R_100", Currency: "USD",
		BaseStake: 1, StopLossMode: "fixed", Cadence: "standard", Profile: "balanced",
	})

	f.queue.Enqueue(Settlement{AgentID: "a1", TradeID: "t1", Stake: 1, Status: "FAILED"})

	waitFor(t, func() bool { return st.Record().NextEligibleAt != nil })
	rec := st.Record()
	if rec.TradeCount != 0 || rec.DailyLoss != 0 {
		t.Fatalf("failed settlement must not touch accumulators: %+v", rec)
	}
}

func TestWorkerDiscardsUnknownAgent(t *testing.T) {
	f := newWorkerFixture(t)
	f.queue.Enqueue(Settlement{AgentID: "ghost", TradeID: "t1", Stake: 1, Profit: 1, Status: "WON"})

	// Enqueue a second settlement for a real agent and confirm the worker is
	// still draining after the discard.
	st := f.activate(t, db.AgentRecord{
		ID: "a2", Token: "tok", Symbol: "R_100", Currency: "USD",
		BaseStake: 1, StopLossMode: "fixed", Cadence: "standard", Profile: "balanced",
	})
	f.queue.Enqueue(Settlement{AgentID: "a2", TradeID: "t2", Stake: 1, Profit: 0.5, Status: "WON"})

	waitFor(t, func() bool { return st.Record().TradeCount == 1 })
}

func TestScheduleNextUsesJitteredFullInterval(t *testing.T) {
	f := newWorkerFixture(t)
	now := time.Now()
	rec := &db.AgentRecord{ID: "a1", Cadence: "standard"}

	for i := 0; i < 20; i++ {
		rec.NextEligibleAt = nil
		f.worker.scheduleNext(rec, now)
		if rec.NextEligibleAt == nil {
			t.Fatal("next eligibility not set")
		}
		gap := rec.NextEligibleAt.Sub(now)
		// standard cadence: 60s full interval, jittered to 50%..150%.
		if gap < 30*time.Second || gap > 90*time.Second {
			t.Fatalf("jittered interval %s outside [30s, 90s]", gap)
		}
	}
}
