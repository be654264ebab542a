// Package reconciliation sweeps trades left OPEN by a crash or a lost
// contract stream and settles them as FAILED so their agents are not stuck
// with a phantom position.
package reconciliation

import (
	"context"
	"log"
	"time"

	"apollo-core/pkg/db"
)

const (
	defaultInterval = 10 * time.Minute
	defaultMaxAge   = 15 * time.Minute
)

// Service periodically reconciles the trades table against reality. A trade
// that has been OPEN for longer than MaxAge can no longer settle through the
// pipeline monitor, whose own timeout is far shorter.
type Service struct {
	Store    *db.Database
	Logs     *db.LogWriter
	Interval time.Duration
	MaxAge   time.Duration
}

// Run sweeps once at startup, then on every interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	s.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	stale, err := s.Store.StaleOpenTrades(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		log.Printf("[RECONCILE] sweep failed: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	for _, t := range stale {
		// FAILED keeps the money-management ladder untouched: the outcome is
		// unknown, so neither a win nor a loss transition is safe to apply.
		if err := s.Store.SettleTrade(ctx, t.ID, 0, 0, "FAILED"); err != nil {
			log.Printf("[RECONCILE] settle orphan %s: %v", t.ID, err)
			continue
		}
		if s.Logs != nil {
			s.Logs.Append(t.AgentID, "warn", "reconcile",
				"orphaned trade "+t.ID+" marked FAILED", "")
		}
	}
	log.Printf("[RECONCILE] settled %d orphaned trades", len(stale))
}
