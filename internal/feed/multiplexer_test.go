package feed

import (
	"context"
	"testing"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/events"
	"apollo-core/pkg/db"
	"apollo-core/pkg/venue"
)

func newTestRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return agent.NewRegistry(database, 100)
}

func activateAgent(t *testing.T, registry *agent.Registry, id, symbol string) *agent.State {
	t.Helper()
	st, err := registry.Activate(context.Background(), db.AgentRecord{
		ID: id, Token: "tok", Symbol: symbol, Currency: "USD", BaseStake: 1,
	})
	if err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	return st
}

func historyReply(prices []float64) venue.HistoryReply {
	var hist venue.HistoryReply
	hist.History.Prices = prices
	hist.History.Times = make([]int64, len(prices))
	for i := range prices {
		hist.History.Times[i] = int64(i + 1)
	}
	return hist
}

func TestBackfillFansOutToWatchers(t *testing.T) {
	registry := newTestRegistry(t)
	a := activateAgent(t, registry, "a1", "R_100")
	b := activateAgent(t, registry, "a2", "R_100")
	other := activateAgent(t, registry, "a3", "R_50")

	engine := analysis.NewEngine(analysis.DefaultParams(), time.Minute)
	m := NewMultiplexer(nil, registry, engine, nil, "tok", 100)

	ring := m.backfill("R_100", historyReply([]float64{100.1, 100.2, 100.3}), 1)
	if len(ring) != 3 {
		t.Fatalf("ring = %d ticks, want 3", len(ring))
	}
	if a.HistoryLen() != 3 || b.HistoryLen() != 3 {
		t.Fatalf("watcher histories = (%d, %d), want both 3", a.HistoryLen(), b.HistoryLen())
	}
	if other.HistoryLen() != 0 {
		t.Fatalf("other symbol got %d ticks, want 0", other.HistoryLen())
	}
}

func TestDispatchSeedsMidStreamActivation(t *testing.T) {
	registry := newTestRegistry(t)
	a := activateAgent(t, registry, "a1", "R_100")

	engine := analysis.NewEngine(analysis.DefaultParams(), time.Minute)
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventTick, 4)
	defer unsub()
	m := NewMultiplexer(nil, registry, engine, bus, "tok", 100)

	ring := m.backfill("R_100", historyReply([]float64{100.1, 100.2, 100.3}), 1)

	// Activated after the backfill: empty history until the next live tick.
	late := activateAgent(t, registry, "a2", "R_100")
	ring = m.dispatch("R_100", ring, agent.NewPriceTick(100.4, 4, 1))

	if len(ring) != 4 {
		t.Fatalf("ring = %d ticks, want 4", len(ring))
	}
	if a.HistoryLen() != 4 {
		t.Fatalf("established watcher history = %d, want 4", a.HistoryLen())
	}
	if late.HistoryLen() != 4 {
		t.Fatalf("late watcher history = %d, want seeded to 4", late.HistoryLen())
	}

	select {
	case v := <-ch:
		tick := v.(Tick)
		if tick.Symbol != "R_100" || tick.Quote != 100.4 {
			t.Fatalf("published tick = %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("tick not published on the bus")
	}
}

func TestReconnectDelayGrowsAndResets(t *testing.T) {
	tests := []struct {
		name       string
		cur        time.Duration
		backfilled bool
		want       time.Duration
	}{
		{"first failure", 0, false, time.Second},
		{"doubles", time.Second, false, 2 * time.Second},
		{"keeps doubling", 4 * time.Second, false, 8 * time.Second},
		{"caps", 16 * time.Second, false, 30 * time.Second},
		{"stays capped", 30 * time.Second, false, 30 * time.Second},
		{"healthy session starts over", 16 * time.Second, true, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextBackoff(tt.cur, tt.backfilled); got != tt.want {
				t.Fatalf("nextBackoff(%s, %v) = %s, want %s", tt.cur, tt.backfilled, got, tt.want)
			}
		})
	}
}

func TestInferDecimals(t *testing.T) {
	tests := []struct {
		prices []float64
		want   int
	}{
		{[]float64{100, 101}, 2},
		{[]float64{100.1, 100.123}, 3},
		{[]float64{0.12345}, 5},
		{nil, 2},
	}
	for _, tt := range tests {
		if got := inferDecimals(tt.prices); got != tt.want {
			t.Fatalf("inferDecimals(%v) = %d, want %d", tt.prices, got, tt.want)
		}
	}
}
