package results

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/events"
	"apollo-core/internal/monitor"
	"apollo-core/internal/risk"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

// Worker is the single in-process consumer of the settlement queue. It applies
// the money-management transition, schedules the agent's next eligibility,
// persists the new risk state, and audits the transition.
type Worker struct {
	Queue    *Queue
	Registry *agent.Registry
	Store    *db.Database
	Logs     *db.LogWriter
	Bus      *events.Bus
	Presets  *config.Presets
	Metrics  *monitor.Metrics
}

// Run drains the queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.Queue.Drain(ctx, func(s Settlement) {
		w.apply(ctx, s)
	})
}

func (w *Worker) apply(ctx context.Context, s Settlement) {
	st := w.Registry.Get(s.AgentID)
	if st == nil {
		// Agent deactivated while the trade was in flight; discard.
		log.Printf("results: agent %s gone, settlement for trade %s discarded", s.AgentID, s.TradeID)
		return
	}

	if s.Status == "FAILED" || s.Status == "TIMEOUT" {
		// The attempt never settled at the venue; no money moved, only pacing
		// changes.
		rec := st.UpdateRecord(func(r *db.AgentRecord) {
			w.scheduleNext(r, time.Now())
		})
		if err := w.Store.SaveRiskState(ctx, rec); err != nil {
			log.Printf("results: save state after %s: %v", s.Status, err)
		}
		return
	}

	now := time.Now()
	var outcome risk.Outcome
	rec := st.UpdateRecord(func(r *db.AgentRecord) {
		profile := w.Presets.Profile(r.Profile)
		outcome = risk.ApplySettlement(r, s.Stake, s.Profit, s.Confidence, profile, now)
		if r.NextEligibleAt == nil {
			w.scheduleNext(r, now)
		}
	})

	if err := w.Store.SaveRiskState(ctx, rec); err != nil {
		log.Printf("results: save risk state for %s: %v", s.AgentID, err)
	}
	if err := w.Store.AppendRiskEvent(ctx, db.RiskEvent{
		AgentID:       s.AgentID,
		Event:         outcome.Event,
		RecoveryLevel: rec.RecoveryLevel,
		CompoundLevel: rec.CompoundLevel,
		Detail:        outcome.Detail,
	}); err != nil {
		log.Printf("results: append risk event for %s: %v", s.AgentID, err)
	}

	w.Metrics.AddSettlement()
	msg := fmt.Sprintf("settled %s: profit=%.2f event=%s recovery=M%d compound=%d daily=%.2f/-%.2f",
		s.TradeID, s.Profit, outcome.Event, rec.RecoveryLevel, rec.CompoundLevel, rec.DailyProfit, rec.DailyLoss)
	w.Logs.Append(s.AgentID, "info", "settlement", msg, "")
	if w.Bus != nil {
		w.Bus.Publish(events.EventRiskTransition, outcome)
		w.Bus.PublishLog(s.AgentID, "info", "settlement", msg)
	}
}

// scheduleNext assigns the full randomized retry interval from the agent's
// cadence preset.
func (w *Worker) scheduleNext(r *db.AgentRecord, now time.Time) {
	cadence := w.Presets.Cadence(r.Cadence)
	full := cadence.RetryFullSec
	if full <= 0 {
		full = 60
	}
	// Jitter between 50% and 150% of the preset to decorrelate agents.
	jittered := time.Duration(float64(full)*(0.5+rand.Float64())) * time.Second
	next := now.Add(jittered)
	r.NextEligibleAt = &next
}
