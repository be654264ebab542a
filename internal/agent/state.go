package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"apollo-core/internal/analysis"
	"apollo-core/pkg/db"
)

// PriceTick is one observed quote. Immutable once created.
type PriceTick struct {
	Value float64
	Epoch int64
	Digit int
	Even  bool
}

// NewPriceTick derives the last digit and parity at the given decimal
// precision.
func NewPriceTick(value float64, epoch int64, decimals int) PriceTick {
	d := analysis.LastDigit(value, decimals)
	return PriceTick{Value: value, Epoch: epoch, Digit: d, Even: d%2 == 0}
}

// State is one agent's in-memory trading state. It is exclusively owned by
// the engine: the scheduler or the pipeline step holding the in-flight flag
// is the only mutator of the money-management fields, while the feed
// multiplexer is the single writer of the tick history.
type State struct {
	ID string

	mu     sync.RWMutex
	record db.AgentRecord

	histMu  sync.RWMutex
	history []PriceTick
	histCap int
	digits  *analysis.DigitBuffer

	inFlight atomic.Bool
	halted   atomic.Bool
}

// NewState builds agent state from its persisted record.
func NewState(rec db.AgentRecord, historyCap int) *State {
	return &State{
		ID:      rec.ID,
		record:  rec,
		histCap: historyCap,
		digits:  analysis.NewDigitBuffer(historyCap),
	}
}

// Record returns a copy of the persisted-form state.
func (s *State) Record() db.AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// SetRecord replaces the persisted-form state (fresh config each cycle,
// settlement updates from the result worker).
func (s *State) SetRecord(rec db.AgentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = rec
}

// UpdateRecord applies fn to the persisted-form state under the lock and
// returns the result.
func (s *State) UpdateRecord(fn func(*db.AgentRecord)) db.AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.record)
	return s.record
}

// TryAcquire flips the in-flight flag; exactly one caller wins until Release.
func (s *State) TryAcquire() bool {
	return s.inFlight.CompareAndSwap(false, true)
}

// Release clears the in-flight flag. Every entry path that sets the flag must
// reach a Release on all exits.
func (s *State) Release() {
	s.inFlight.Store(false)
}

// InFlight reports whether a trade pipeline currently owns this agent.
func (s *State) InFlight() bool {
	return s.inFlight.Load()
}

// MarkHalted records that a stop condition sidelined the agent for the rest
// of the session. It reports true only for the caller that set it, so the
// halt is logged and audited once.
func (s *State) MarkHalted() bool {
	return s.halted.CompareAndSwap(false, true)
}

// ClearHalt re-arms the agent once its stops pass again, after the session
// accumulators reset.
func (s *State) ClearHalt() {
	s.halted.Store(false)
}

// Halted reports whether a stop condition has sidelined the agent this
// session.
func (s *State) Halted() bool {
	return s.halted.Load()
}

// ReplaceHistory swaps in a backfilled history, oldest first.
func (s *State) ReplaceHistory(ticks []PriceTick) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(ticks) > s.histCap {
		ticks = ticks[len(ticks)-s.histCap:]
	}
	s.history = append([]PriceTick(nil), ticks...)
	s.digits = analysis.NewDigitBuffer(s.histCap)
	for _, t := range s.history {
		s.digits.Push(t.Digit)
	}
}

// AppendTick appends one live tick, evicting the oldest at capacity.
func (s *State) AppendTick(t PriceTick) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, t)
	if len(s.history) > s.histCap {
		s.history = s.history[len(s.history)-s.histCap:]
	}
	s.digits.Push(t.Digit)
}

// HistorySnapshot returns copies of the price window and digit buffer: the
// prices oldest-first, the epoch of the newest tick, and the trailing digits.
func (s *State) HistorySnapshot() (prices []float64, lastEpoch int64, digits []int) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	prices = make([]float64, len(s.history))
	for i, t := range s.history {
		prices[i] = t.Value
	}
	if n := len(s.history); n > 0 {
		lastEpoch = s.history[n-1].Epoch
	}
	return prices, lastEpoch, s.digits.Snapshot()
}

// HistoryLen returns the current window length.
func (s *State) HistoryLen() int {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	return len(s.history)
}

// Eligible reports whether the agent's next-eligible time has elapsed (a nil
// time means eligible now).
func (s *State) Eligible(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.NextEligibleAt == nil || !now.Before(*s.record.NextEligibleAt)
}
