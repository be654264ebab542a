// Package pipeline runs one agent's trade from quote to settlement:
// quote -> place -> monitor -> settle, every step timeout-bounded. The
// agent's in-flight flag is held for the whole run and released on every
// exit path, so at most one trade per agent is ever in flight.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/events"
	"apollo-core/internal/monitor"
	"apollo-core/internal/results"
	"apollo-core/internal/risk"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
	"apollo-core/pkg/venue"
)

// Pipeline executes trades against the venue through the shared pool.
type Pipeline struct {
	Pool    *venue.Pool
	Store   *db.Database
	Logs    *db.LogWriter
	Bus     *events.Bus
	Results *results.Queue
	Presets *config.Presets
	Metrics *monitor.Metrics

	// Timeout bounds the whole monitoring phase, independent of the
	// contract duration.
	Timeout time.Duration
}

// Execute runs the full pipeline for an agent whose in-flight flag the caller
// has already acquired. The flag is released here on every exit.
func (p *Pipeline) Execute(ctx context.Context, st *agent.State, dir analysis.Direction, confidence float64) {
	defer st.Release()

	rec := st.Record()
	contract := risk.ContractFor(rec.RecoveryLevel, dir)

	stake, ok := p.resolveStake(ctx, &rec, contract)
	if !ok {
		return
	}

	tradeID := uuid.NewString()

	// Quote.
	prop, err := p.quote(ctx, rec, contract, stake)
	if err != nil {
		p.abort(ctx, tradeID, rec, contract, dir, stake, "quote", err)
		return
	}

	// Place at the quoted price.
	raw, err := p.Pool.Request(ctx, rec.Token, venue.BuyRequest(prop.Proposal.ID, prop.Proposal.AskPrice), 0)
	if err != nil {
		p.abort(ctx, tradeID, rec, contract, dir, stake, "buy", err)
		return
	}
	var buy venue.BuyReply
	if err := json.Unmarshal(raw, &buy); err != nil {
		p.abort(ctx, tradeID, rec, contract, dir, stake, "buy decode", err)
		return
	}

	trade := db.TradeRecord{
		ID:           tradeID,
		AgentID:      rec.ID,
		Symbol:       rec.Symbol,
		ContractType: contract.Type,
		Direction:    string(dir),
		Stake:        stake,
		Payout:       buy.Buy.Payout,
		ContractID:   buy.Buy.ContractID,
		Status:       "OPEN",
		OpenedAt:     time.Now(),
	}
	if err := p.Store.InsertTrade(ctx, trade); err != nil {
		log.Printf("pipeline: store trade %s: %v", tradeID, err)
	}
	p.Logs.Append(rec.ID, "info", "trade", fmt.Sprintf("opened %s %s stake=%.2f contract=%d", contract.Type, dir, stake, buy.Buy.ContractID), "")
	p.Metrics.AddTrade()
	if p.Bus != nil {
		p.Bus.Publish(events.EventTradeOpened, trade)
	}

	p.monitor(ctx, st, trade, confidence)
}

// resolveStake picks the stake for this attempt. Recovery stakes are derived
// from a live payout quote; all stakes respect the fixed-mode loss cap.
func (p *Pipeline) resolveStake(ctx context.Context, rec *db.AgentRecord, contract risk.Contract) (float64, bool) {
	stake := risk.BaseStake(rec)

	if rec.RecoveryLevel != risk.RecoveryNone && rec.LastLoss > 0 {
		prop, err := p.quote(ctx, *rec, contract, stake)
		if err != nil {
			p.Logs.Append(rec.ID, "warn", "trade", fmt.Sprintf("payout probe failed: %v", err), "")
			return 0, false
		}
		payoutPct := risk.PayoutPercent(prop.Proposal.Payout, prop.Proposal.AskPrice)
		derived, err := risk.RecoveryStake(rec.LastLoss, p.Presets.Profile(rec.Profile), payoutPct)
		if err != nil {
			p.Logs.Append(rec.ID, "warn", "trade", err.Error(), "")
			return 0, false
		}
		stake = derived
	}

	capped, ok := risk.CapStake(rec, stake)
	if !ok {
		p.Logs.Append(rec.ID, "debug", "trade", fmt.Sprintf("stake %.2f rejected by loss cap", stake), "")
		return 0, false
	}
	return capped, true
}

func (p *Pipeline) quote(ctx context.Context, rec db.AgentRecord, contract risk.Contract, stake float64) (venue.ProposalReply, error) {
	payload := venue.ProposalRequest(contract.Type, contract.Barrier, stake, rec.Currency, rec.Symbol, rec.DurationTicks)
	timer := monitor.StartTimer(p.Metrics.ObserveVenue)
	raw, err := p.Pool.Request(ctx, rec.Token, payload, 0)
	timer.Stop()
	if err != nil {
		return venue.ProposalReply{}, err
	}
	var prop venue.ProposalReply
	if err := json.Unmarshal(raw, &prop); err != nil {
		return venue.ProposalReply{}, fmt.Errorf("decode proposal: %w", err)
	}
	return prop, nil
}

// monitor subscribes to order-status updates keyed by contract id and waits
// for settlement or the overall timeout.
func (p *Pipeline) monitor(ctx context.Context, st *agent.State, trade db.TradeRecord, confidence float64) {
	rec := st.Record()
	key := fmt.Sprintf("contract:%d", trade.ContractID)
	updates := make(chan venue.ContractUpdate, 8)

	handler := func(raw json.RawMessage) {
		var u venue.ContractUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return
		}
		select {
		case updates <- u:
		default:
			// monitoring loop is behind; newer updates supersede anyway
		}
	}

	first, err := p.Pool.Subscribe(ctx, rec.Token, venue.OpenContractRequest(trade.ContractID), key, handler, p.Timeout)
	if err != nil {
		p.resolve(ctx, trade, results.Settlement{
			AgentID: rec.ID, TradeID: trade.ID, Stake: trade.Stake, Status: "FAILED",
		}, fmt.Sprintf("monitor subscribe failed: %v", err))
		return
	}
	// The first correlated reply may already carry contract state.
	var u venue.ContractUpdate
	if err := json.Unmarshal(first, &u); err == nil {
		select {
		case updates <- u:
		default:
		}
	}

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()
	entryRecorded := trade.EntryPrice > 0

	for {
		select {
		case u := <-updates:
			c := u.Contract
			if !entryRecorded && c.EntrySpot > 0 {
				entryRecorded = true
				if err := p.Store.UpdateTradeEntry(ctx, trade.ID, c.EntrySpot); err != nil {
					log.Printf("pipeline: entry backfill %s: %v", trade.ID, err)
				}
			}
			if c.IsSold == 0 && c.Status == "open" {
				continue
			}
			status := "LOST"
			if c.Profit > 0 {
				status = "WON"
			}
			p.Pool.Unsubscribe(rec.Token, key)
			p.resolve(ctx, trade, results.Settlement{
				AgentID:    rec.ID,
				TradeID:    trade.ID,
				Stake:      trade.Stake,
				Profit:     c.Profit,
				Confidence: confidence,
				ExitPrice:  c.ExitSpot,
				Status:     status,
			}, "")
			return

		case <-timer.C:
			p.Pool.Unsubscribe(rec.Token, key)
			p.resolve(ctx, trade, results.Settlement{
				AgentID: rec.ID, TradeID: trade.ID, Stake: trade.Stake, Status: "TIMEOUT",
			}, fmt.Sprintf("no settlement within %s", p.Timeout))
			return

		case <-ctx.Done():
			p.Pool.Unsubscribe(rec.Token, key)
			p.resolve(ctx, trade, results.Settlement{
				AgentID: rec.ID, TradeID: trade.ID, Stake: trade.Stake, Status: "FAILED",
			}, "engine shutting down")
			return
		}
	}
}

// resolve persists the terminal trade status and hands the settlement to the
// result queue.
func (p *Pipeline) resolve(ctx context.Context, trade db.TradeRecord, s results.Settlement, note string) {
	if err := p.Store.SettleTrade(ctx, trade.ID, s.ExitPrice, s.Profit, s.Status); err != nil {
		log.Printf("pipeline: settle trade %s: %v", trade.ID, err)
	}
	if note != "" {
		p.Logs.Append(trade.AgentID, "warn", "trade", note, "")
	}
	if p.Bus != nil {
		p.Bus.Publish(events.EventTradeSettled, s)
	}
	p.Results.Enqueue(s)
}

// abort records a pre-placement failure: the attempt is fatal, the agent
// resumes normal scheduling next cycle.
func (p *Pipeline) abort(ctx context.Context, tradeID string, rec db.AgentRecord, contract risk.Contract, dir analysis.Direction, stake float64, step string, err error) {
	log.Printf("pipeline: agent %s %s failed: %v", rec.ID, step, err)
	p.Logs.Append(rec.ID, "warn", "trade", fmt.Sprintf("%s failed: %v", step, err), "")
	p.Metrics.AddError()

	trade := db.TradeRecord{
		ID:           tradeID,
		AgentID:      rec.ID,
		Symbol:       rec.Symbol,
		ContractType: contract.Type,
		Direction:    string(dir),
		Stake:        stake,
		Status:       "FAILED",
		OpenedAt:     time.Now(),
	}
	if dbErr := p.Store.InsertTrade(ctx, trade); dbErr != nil {
		log.Printf("pipeline: store failed trade %s: %v", tradeID, dbErr)
	}
	p.Results.Enqueue(results.Settlement{
		AgentID: rec.ID, TradeID: tradeID, Stake: stake, Status: "FAILED",
	})
}
