package agent

import (
	"context"
	"testing"

	"apollo-core/pkg/db"
)

func testDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func sampleRecord(id, symbol string) db.AgentRecord {
	return db.AgentRecord{
		ID:           id,
		Token:        "tok-" + id,
		Symbol:       symbol,
		Currency:     "USD",
		BaseStake:    1,
		StopLossMode: "fixed",
		Cadence:      "standard",
		Profile:      "balanced",
	}
}

func TestActivateResetsSession(t *testing.T) {
	reg := NewRegistry(testDB(t), 50)
	rec := sampleRecord("a1", "R_100")
	rec.DailyProfit = 9
	rec.DailyLoss = 4
	rec.TradeCount = 7

	st, err := reg.Activate(context.Background(), rec)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	got := st.Record()
	if !got.IsActive {
		t.Fatal("record should be active")
	}
	if got.DailyProfit != 0 || got.DailyLoss != 0 || got.TradeCount != 0 {
		t.Fatalf("session accumulators not reset: %+v", got)
	}
	if reg.Get("a1") == nil {
		t.Fatal("agent missing from registry")
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	reg := NewRegistry(testDB(t), 50)
	ctx := context.Background()

	if _, err := reg.Activate(ctx, sampleRecord("a1", "R_100")); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	if _, err := reg.Activate(ctx, sampleRecord("a1", "R_100")); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}
}

func TestDeactivateRemovesAndPersists(t *testing.T) {
	database := testDB(t)
	reg := NewRegistry(database, 50)
	ctx := context.Background()

	if _, err := reg.Activate(ctx, sampleRecord("a1", "R_100")); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := reg.Deactivate(ctx, "a1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if reg.Get("a1") != nil {
		t.Fatal("agent still present after deactivate")
	}
	rec, err := database.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if rec.IsActive {
		t.Fatal("persisted row still active")
	}

	// Deactivating again is a no-op.
	if err := reg.Deactivate(ctx, "a1"); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
}

func TestResyncLoadsActiveAgents(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	active := sampleRecord("a1", "R_100")
	active.IsActive = true
	inactive := sampleRecord("a2", "R_50")
	if err := database.UpsertAgent(ctx, active); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := database.UpsertAgent(ctx, inactive); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reg := NewRegistry(database, 50)
	if err := reg.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if reg.Count() != 1 || reg.Get("a1") == nil {
		t.Fatalf("resync loaded %d agents, want only the active one", reg.Count())
	}
}

func TestSymbolsAndBySymbol(t *testing.T) {
	reg := NewRegistry(testDB(t), 50)
	ctx := context.Background()
	for _, rec := range []db.AgentRecord{
		sampleRecord("a1", "R_100"),
		sampleRecord("a2", "R_100"),
		sampleRecord("a3", "R_50"),
	} {
		if _, err := reg.Activate(ctx, rec); err != nil {
			t.Fatalf("activate %s: %v", rec.ID, err)
		}
	}

	symbols := reg.Symbols()
	if len(symbols) != 2 {
		t.Fatalf("symbols = %v, want two distinct", symbols)
	}
	if got := len(reg.BySymbol("R_100")); got != 2 {
		t.Fatalf("watchers of R_100 = %d, want 2", got)
	}
	if got := len(reg.BySymbol("R_25")); got != 0 {
		t.Fatalf("watchers of R_25 = %d, want 0", got)
	}
}
