// Package risk implements the staged money-management state machine: a
// bounded martingale recovery ladder, a two-stage compounding cycle, and the
// session stop conditions.
package risk

import (
	"fmt"
	"log"
	"time"

	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

// Recovery levels. M1 and M2 map to distinct contract families.
const (
	RecoveryNone = 0
	RecoveryM1   = 1
	RecoveryM2   = 2
)

// Compounding levels. A full cycle is two consecutive winning stages.
const (
	CompoundOff    = 0
	CompoundStage1 = 1
	CompoundStage2 = 2
)

// EscalationConfidence is the analysis confidence required to climb the
// recovery ladder after a loss.
const EscalationConfidence = 80.0

// acceptLossCooldown pauses an agent briefly after the conservative profile
// abandons a recovery ladder.
const acceptLossCooldown = 5 * time.Minute

// Outcome describes the transition a settlement produced, for auditing and
// for the scheduler's pacing decisions.
type Outcome struct {
	Event    string
	Detail   string
	Cooldown time.Duration
}

// ApplySettlement mutates the agent record in place for one settled trade.
// stake is the amount risked, profit the realized result (negative or zero on
// a loss), confidence the analysis confidence at settlement time. The caller
// owns the record exclusively (result-queue worker).
func ApplySettlement(rec *db.AgentRecord, stake, profit, confidence float64, profile config.RiskProfile, now time.Time) Outcome {
	guardInvariant(rec)

	rec.TradeCount++
	rec.OpsSincePause++
	rec.LastTradeAt = &now

	if profit > 0 {
		return applyWin(rec, stake, profit)
	}
	return applyLoss(rec, stake, confidence, profile, now)
}

func applyWin(rec *db.AgentRecord, stake, profit float64) Outcome {
	rec.WinCount++
	rec.DailyProfit += profit
	if rec.DailyProfit > rec.ProfitPeak {
		rec.ProfitPeak = rec.DailyProfit
	}

	switch {
	case rec.CompoundLevel == CompoundStage1:
		// Reinvest stake plus profit into the second leg; bank the profit so
		// a stage-2 loss only risks the original stake.
		rec.CompoundLevel = CompoundStage2
		rec.CompoundStake = stake + profit
		rec.BankedProfit = profit
		return Outcome{Event: "compound_advance", Detail: fmt.Sprintf("stake=%.2f", rec.CompoundStake)}

	case rec.CompoundLevel == CompoundStage2:
		rec.CompoundLevel = CompoundOff
		rec.CompoundStake = 0
		rec.BankedProfit = 0
		return Outcome{Event: "compound_complete"}

	case rec.RecoveryLevel != RecoveryNone:
		// Recovered: reset the ladder, then start compounding immediately.
		rec.RecoveryLevel = RecoveryNone
		rec.RecoveryAttempts = 0
		rec.LastLoss = 0
		rec.CompoundLevel = CompoundStage1
		rec.CompoundStake = rec.BaseStake + profit
		return Outcome{Event: "recovery_complete", Detail: fmt.Sprintf("next_stake=%.2f", rec.CompoundStake)}

	default:
		rec.CompoundLevel = CompoundStage1
		rec.CompoundStake = rec.BaseStake + profit
		return Outcome{Event: "compound_start", Detail: fmt.Sprintf("stake=%.2f", rec.CompoundStake)}
	}
}

func applyLoss(rec *db.AgentRecord, stake, confidence float64, profile config.RiskProfile, now time.Time) Outcome {
	rec.LossCount++
	rec.DailyLoss += stake

	if rec.CompoundLevel != CompoundOff {
		// A compounding loss collapses the cycle. Only the net loss enters
		// recovery: the banked profit from the prior winning leg offsets it.
		net := stake - rec.BankedProfit
		if net < 0 {
			net = 0
		}
		rec.CompoundLevel = CompoundOff
		rec.CompoundStake = 0
		rec.BankedProfit = 0
		rec.RecoveryLevel = RecoveryM1
		rec.RecoveryAttempts = 1
		rec.LastLoss = net
		return Outcome{Event: "compound_collapse", Detail: fmt.Sprintf("net_loss=%.2f", net)}
	}

	rec.LastLoss += stake

	// The conservative profile abandons the ladder past its attempt ceiling:
	// the loss is accepted and state resets with a short cooldown.
	if profile.MaxAttempts > 0 && rec.RecoveryAttempts >= profile.MaxAttempts {
		accepted := rec.LastLoss
		rec.RecoveryLevel = RecoveryNone
		rec.RecoveryAttempts = 0
		rec.LastLoss = 0
		next := now.Add(acceptLossCooldown)
		rec.NextEligibleAt = &next
		return Outcome{
			Event:    "loss_accepted",
			Detail:   fmt.Sprintf("accepted=%.2f attempts=%d", accepted, profile.MaxAttempts),
			Cooldown: acceptLossCooldown,
		}
	}

	// Escalation demands high confidence; a weak signal resets instead.
	if confidence >= EscalationConfidence {
		if rec.RecoveryLevel < RecoveryM2 {
			rec.RecoveryLevel++
		}
		rec.RecoveryAttempts++
		return Outcome{Event: "recovery_escalate", Detail: fmt.Sprintf("level=M%d acc_loss=%.2f", rec.RecoveryLevel, rec.LastLoss)}
	}

	rec.RecoveryLevel = RecoveryNone
	rec.RecoveryAttempts = 0
	rec.LastLoss = 0
	return Outcome{Event: "recovery_reset", Detail: fmt.Sprintf("confidence=%.1f", confidence)}
}

// guardInvariant defensively resets state that should be unreachable:
// recovery and compounding are never simultaneously active.
func guardInvariant(rec *db.AgentRecord) {
	if rec.RecoveryLevel != RecoveryNone && rec.CompoundLevel != CompoundOff {
		log.Printf("risk: agent %s in invalid state recovery=%d compound=%d, resetting", rec.ID, rec.RecoveryLevel, rec.CompoundLevel)
		rec.RecoveryLevel = RecoveryNone
		rec.RecoveryAttempts = 0
		rec.LastLoss = 0
		rec.CompoundLevel = CompoundOff
		rec.CompoundStake = 0
		rec.BankedProfit = 0
	}
}

// ResetSession clears the daily accumulators (midnight rollover or
// re-activation).
func ResetSession(rec *db.AgentRecord) {
	rec.DailyProfit = 0
	rec.DailyLoss = 0
	rec.ProfitPeak = 0
	rec.TradeCount = 0
	rec.WinCount = 0
	rec.LossCount = 0
	rec.OpsSincePause = 0
	rec.NextEligibleAt = nil
}
