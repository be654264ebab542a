package reconciliation

import (
	"context"
	"testing"
	"time"

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

func TestSweepSettlesOrphans(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, openedAt time.Time) {
		t.Helper()
		err := database.InsertTrade(ctx, db.TradeRecord{
			ID: id, AgentID: "a1", Symbol: "R_100", ContractType: "CALL",
			Direction: "up", Stake: 1, Status: "OPEN", OpenedAt: openedAt,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("orphan", now.Add(-time.Hour))
	insert("live", now)

	svc := &Service{Store: database, MaxAge: 15 * time.Minute}
	svc.sweep(ctx)

	trades, err := database.ListTrades(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := map[string]db.TradeRecord{}
	for _, tr := range trades {
		byID[tr.ID] = tr
	}
	if byID["orphan"].Status != "FAILED" {
		t.Fatalf("orphan status = %s, want FAILED", byID["orphan"].Status)
	}
	if byID["orphan"].Profit != 0 {
		t.Fatalf("orphan profit = %v, outcome is unknown so it must stay 0", byID["orphan"].Profit)
	}
	if byID["live"].Status != "OPEN" {
		t.Fatalf("live status = %s, want OPEN", byID["live"].Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	err := database.InsertTrade(ctx, db.TradeRecord{
		ID: "orphan", AgentID: "a1", Symbol: "R_100", ContractType: "CALL",
		Direction: "up", Stake: 1, Status: "OPEN",
		OpenedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc := &Service{Store: database}
	svc.sweep(ctx)
	svc.sweep(ctx)

	trades, err := database.ListTrades(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != "FAILED" {
		t.Fatalf("trades = %+v", trades)
	}
}
