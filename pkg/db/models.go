package db

import (
	"time"
)

// AgentRecord is the persisted form of an agent: risk configuration,
// money-management state, and session accumulators. It carries everything
// needed to reconstruct in-memory state on cold start without replaying
// tick history.
type AgentRecord struct {
	ID       string
	Token    string
	Symbol   string
	Currency string
	IsActive bool

	// Risk configuration
	BaseStake         float64
	DailyProfitTarget float64
	DailyLossLimit    float64
	InitialBalance    float64
	StopLossMode      string // "fixed" or "dynamic"
	Cadence           string
	Profile           string
	DurationTicks     int

	// Money-management state
	RecoveryLevel    int
	RecoveryAttempts int
	LastLoss         float64
	CompoundLevel    int
	CompoundStake    float64
	BankedProfit     float64

	// Session accumulators
	DailyProfit   float64
	DailyLoss     float64
	ProfitPeak    float64
	TradeCount    int
	WinCount      int
	LossCount     int
	OpsSincePause int

	LastTradeAt    *time.Time
	NextEligibleAt *time.Time
	UpdatedAt      time.Time
}

// TradeRecord is a single contract bought at the venue.
type TradeRecord struct {
	ID           string
	AgentID      string
	Symbol       string
	ContractType string
	Direction    string
	Stake        float64
	Payout       float64
	ContractID   int64
	EntryPrice   float64
	ExitPrice    float64
	Profit       float64
	Status       string // OPEN, WON, LOST, FAILED, TIMEOUT
	OpenedAt     time.Time
	SettledAt    *time.Time
}

// RiskEvent is one audited money-management transition.
type RiskEvent struct {
	ID            int64
	AgentID       string
	Event         string
	RecoveryLevel int
	CompoundLevel int
	Detail        string
	CreatedAt     time.Time
}

// User is an operator account for the management API.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LogEntry is one append-only engine log row.
type LogEntry struct {
	ID        int64
	AgentID   string
	Level     string
	Category  string
	Message   string
	Metadata  string
	CreatedAt time.Time
}
