package risk

import (
	"fmt"

	"apollo-core/pkg/db"
)

// Stop-loss modes.
const (
	StopLossFixed   = "fixed"
	StopLossDynamic = "dynamic"
)

// Dynamic stop-loss tuning: it arms once the profit high-water mark reaches
// 25% of the daily target, then protects 50% of that peak.
const (
	dynamicArmFraction     = 0.25
	dynamicProtectFraction = 0.50
)

// StopDecision reports whether and why an agent must halt for the session.
type StopDecision struct {
	Halt   bool
	Reason string
}

// CheckStops evaluates stop-win and the configured stop-loss mode against the
// session accumulators. It runs before every candidate trade.
func CheckStops(rec *db.AgentRecord) StopDecision {
	if rec.DailyProfitTarget > 0 && rec.DailyProfit >= rec.DailyProfitTarget {
		return StopDecision{Halt: true, Reason: fmt.Sprintf("stop-win: daily profit %.2f >= target %.2f", rec.DailyProfit, rec.DailyProfitTarget)}
	}

	switch rec.StopLossMode {
	case StopLossDynamic:
		// Inert until the peak arms it; then halt once current balance gives
		// back half of the best profit seen.
		if rec.DailyProfitTarget <= 0 || rec.ProfitPeak < dynamicArmFraction*rec.DailyProfitTarget {
			return StopDecision{}
		}
		balance := rec.InitialBalance + rec.DailyProfit - rec.DailyLoss
		floor := rec.InitialBalance + dynamicProtectFraction*rec.ProfitPeak
		if balance <= floor {
			return StopDecision{Halt: true, Reason: fmt.Sprintf("dynamic stop-loss: balance %.2f <= protected floor %.2f (peak %.2f)", balance, floor, rec.ProfitPeak)}
		}
	default: // fixed
		if rec.DailyLossLimit > 0 && rec.DailyLoss >= rec.DailyLossLimit {
			return StopDecision{Halt: true, Reason: fmt.Sprintf("fixed stop-loss: daily loss %.2f >= limit %.2f", rec.DailyLoss, rec.DailyLossLimit)}
		}
	}
	return StopDecision{}
}

// CapStake bounds a candidate stake so a fixed-mode loss cannot overshoot the
// daily limit. It returns the (possibly reduced) stake and false when no
// viable stake remains.
func CapStake(rec *db.AgentRecord, stake float64) (float64, bool) {
	if rec.StopLossMode != StopLossFixed || rec.DailyLossLimit <= 0 {
		return stake, true
	}
	room := rec.DailyLossLimit - rec.DailyLoss
	if room <= 0 {
		return 0, false
	}
	if stake > room {
		stake = room
	}
	if stake < MinStake {
		return 0, false
	}
	return stake, true
}
