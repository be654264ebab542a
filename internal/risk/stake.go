package risk

import (
	"fmt"

	"apollo-core/internal/analysis"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

// MinStake is the venue's minimum contract stake.
const MinStake = 0.35

// PayoutMarkup is the fixed percentage-point markup deducted from the quoted
// payout before deriving a recovery stake.
const PayoutMarkup = 2.0

// Contract is a fully specified venue contract choice.
type Contract struct {
	Type    string
	Barrier string
}

// ContractFor maps the recovery level and predicted direction onto the venue
// contract family. Normal and compounding trades use the base rise/fall
// contracts; each recovery stage uses a progressively safer digit family.
func ContractFor(recoveryLevel int, dir analysis.Direction) Contract {
	up := dir == analysis.DirectionUp
	switch recoveryLevel {
	case RecoveryM1:
		if up {
			return Contract{Type: "DIGITOVER", Barrier: "3"}
		}
		return Contract{Type: "DIGITUNDER", Barrier: "6"}
	case RecoveryM2:
		if up {
			return Contract{Type: "DIGITOVER", Barrier: "1"}
		}
		return Contract{Type: "DIGITUNDER", Barrier: "8"}
	default:
		if up {
			return Contract{Type: "CALL"}
		}
		return Contract{Type: "PUT"}
	}
}

// BaseStake returns the stake to quote before any payout-derived adjustment:
// the compounding stake while a cycle runs, otherwise the configured base.
func BaseStake(rec *db.AgentRecord) float64 {
	if rec.CompoundLevel != CompoundOff && rec.CompoundStake > 0 {
		return clampStake(rec.CompoundStake)
	}
	return clampStake(rec.BaseStake)
}

// RecoveryStake derives the stake that recoups the accumulated loss at the
// quoted payout. payoutPct is the venue's payout as a percentage of stake;
// the fixed markup is deducted before the division.
func RecoveryStake(accumulatedLoss float64, profile config.RiskProfile, payoutPct float64) (float64, error) {
	adjusted := payoutPct - PayoutMarkup
	if adjusted <= 0 {
		return 0, fmt.Errorf("risk: payout %.2f%% too low after %.1f markup", payoutPct, PayoutMarkup)
	}
	stake := accumulatedLoss * profile.Multiplier * 100 / adjusted
	return clampStake(stake), nil
}

// PayoutPercent converts a quoted payout and ask price into the payout
// percentage of stake.
func PayoutPercent(payout, askPrice float64) float64 {
	if askPrice <= 0 {
		return 0
	}
	return (payout - askPrice) / askPrice * 100
}

func clampStake(stake float64) float64 {
	if stake < MinStake {
		return MinStake
	}
	return stake
}
