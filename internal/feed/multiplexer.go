// Package feed maintains one live tick stream per watched instrument and fans
// ticks out to every agent on that instrument. A single multiplexer owns all
// streams; agents never talk to the venue feed directly.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/events"
	"apollo-core/internal/monitor"
	"apollo-core/pkg/venue"
)

const (
	syncInterval = 5 * time.Second
	staleAfter   = 90 * time.Second
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
)

// SymbolKey is the shared analysis-cache key for an instrument's window.
func SymbolKey(symbol string) string {
	return "sym:" + symbol
}

// Tick is the payload published on the event bus for each live quote.
type Tick struct {
	Symbol string
	Quote  float64
	Epoch  int64
}

// Multiplexer subscribes to one venue tick stream per distinct symbol in the
// registry, backfills agent histories, and advances the analysis engine on
// every live tick. Streams are started and stopped as the watched symbol set
// changes, and restarted with bounded backoff after a connection loss.
type Multiplexer struct {
	pool      *venue.Pool
	registry  *agent.Registry
	engine    *analysis.Engine
	bus       *events.Bus
	token     string
	histCount int

	// Metrics is optional; nil disables instrumentation.
	Metrics *monitor.Metrics

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

// NewMultiplexer builds a multiplexer using the given credential for all feed
// subscriptions.
func NewMultiplexer(pool *venue.Pool, registry *agent.Registry, engine *analysis.Engine, bus *events.Bus, token string, histCount int) *Multiplexer {
	return &Multiplexer{
		pool:      pool,
		registry:  registry,
		engine:    engine,
		bus:       bus,
		token:     token,
		histCount: histCount,
		streams:   make(map[string]context.CancelFunc),
	}
}

// Run reconciles streams against the registry until the context is canceled.
func (m *Multiplexer) Run(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	m.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.sync(ctx)
		}
	}
}

// sync starts streams for newly watched symbols and cancels streams nobody
// watches anymore.
func (m *Multiplexer) sync(ctx context.Context) {
	watched := make(map[string]struct{})
	for _, sym := range m.registry.Symbols() {
		watched[sym] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sym := range watched {
		if _, ok := m.streams[sym]; !ok {
			streamCtx, cancel := context.WithCancel(ctx)
			m.streams[sym] = cancel
			go m.runStream(streamCtx, sym)
		}
	}
	for sym, cancel := range m.streams {
		if _, ok := watched[sym]; !ok {
			log.Printf("feed: %s no longer watched, stopping stream", sym)
			cancel()
			delete(m.streams, sym)
		}
	}
}

func (m *Multiplexer) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, cancel := range m.streams {
		cancel()
		delete(m.streams, sym)
	}
}

// runStream keeps one symbol's subscription alive, reconnecting with bounded
// exponential backoff after failures.
func (m *Multiplexer) runStream(ctx context.Context, symbol string) {
	var backoff time.Duration
	for {
		backfilled, err := m.serve(ctx, symbol)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, backfilled)
		log.Printf("feed: %s stream lost: %v; reconnecting in %s", symbol, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// nextBackoff doubles the reconnect delay up to maxBackoff. A session that
// got as far as a backfill was healthy, so its loss starts the ladder over.
func nextBackoff(cur time.Duration, backfilled bool) time.Duration {
	if backfilled || cur < minBackoff {
		return minBackoff
	}
	cur *= 2
	if cur > maxBackoff {
		cur = maxBackoff
	}
	return cur
}

// serve opens the backfill-then-live subscription for one symbol and consumes
// it until the stream fails or the context ends. It reports whether the
// backfill completed so the caller can reset its reconnect backoff.
func (m *Multiplexer) serve(ctx context.Context, symbol string) (bool, error) {
	key := "ticks:" + symbol
	raw := make(chan json.RawMessage, 64)

	handler := func(msg json.RawMessage) {
		select {
		case raw <- msg:
		default:
			// consumer is behind; ticks are superseded by newer ones anyway
		}
	}

	first, err := m.pool.Subscribe(ctx, m.token, venue.TicksHistoryRequest(symbol, m.histCount), key, handler, 0)
	if err != nil {
		return false, fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	defer m.pool.Unsubscribe(m.token, key)

	var hist venue.HistoryReply
	if err := json.Unmarshal(first, &hist); err != nil {
		return false, fmt.Errorf("decode %s backfill: %w", symbol, err)
	}
	decimals := inferDecimals(hist.History.Prices)
	ring := m.backfill(symbol, hist, decimals)
	log.Printf("feed: %s live, backfilled %d ticks (%d decimals)", symbol, len(ring), decimals)

	stale := time.NewTimer(staleAfter)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-stale.C:
			return true, fmt.Errorf("no tick for %s", staleAfter)
		case msg := <-raw:
			var ev venue.TickEvent
			if err := json.Unmarshal(msg, &ev); err != nil || ev.Tick.Epoch == 0 {
				continue
			}
			if !stale.Stop() {
				<-stale.C
			}
			stale.Reset(staleAfter)
			ring = m.dispatch(symbol, ring, agent.NewPriceTick(ev.Tick.Quote, ev.Tick.Epoch, decimals))
		}
	}
}

// backfill replaces history for every agent watching the symbol and rebuilds
// the shared and per-agent indicator state.
func (m *Multiplexer) backfill(symbol string, hist venue.HistoryReply, decimals int) []agent.PriceTick {
	prices := hist.History.Prices
	times := hist.History.Times

	ticks := make([]agent.PriceTick, 0, len(prices))
	for i, p := range prices {
		var epoch int64
		if i < len(times) {
			epoch = times[i]
		}
		ticks = append(ticks, agent.NewPriceTick(p, epoch, decimals))
	}
	if len(ticks) > m.histCount {
		ticks = ticks[len(ticks)-m.histCount:]
	}

	var lastEpoch int64
	values := make([]float64, len(ticks))
	for i, t := range ticks {
		values[i] = t.Value
	}
	if len(ticks) > 0 {
		lastEpoch = ticks[len(ticks)-1].Epoch
	}

	m.engine.Rebuild(SymbolKey(symbol), values, lastEpoch)
	for _, st := range m.registry.BySymbol(symbol) {
		st.ReplaceHistory(ticks)
		m.engine.Rebuild(st.ID, values, lastEpoch)
	}
	return ticks
}

// dispatch appends one live tick to the retained ring and to every watching
// agent, seeding agents activated after the backfill from the ring.
func (m *Multiplexer) dispatch(symbol string, ring []agent.PriceTick, tick agent.PriceTick) []agent.PriceTick {
	ring = append(ring, tick)
	if len(ring) > m.histCount {
		ring = ring[len(ring)-m.histCount:]
	}

	m.engine.OnTick(SymbolKey(symbol), tick.Value, tick.Epoch)
	m.Metrics.AddTick()

	for _, st := range m.registry.BySymbol(symbol) {
		if st.HistoryLen() == 0 && len(ring) > 1 {
			// Activated mid-stream: seed from the retained window.
			st.ReplaceHistory(ring)
			values := make([]float64, len(ring))
			for i, t := range ring {
				values[i] = t.Value
			}
			m.engine.Rebuild(st.ID, values, tick.Epoch)
			continue
		}
		st.AppendTick(tick)
		m.engine.OnTick(st.ID, tick.Value, tick.Epoch)
	}

	if m.bus != nil {
		m.bus.Publish(events.EventTick, Tick{Symbol: symbol, Quote: tick.Value, Epoch: tick.Epoch})
	}
	return ring
}

// inferDecimals derives the instrument's quote precision from the backfill,
// taking the widest fractional part seen.
func inferDecimals(prices []float64) int {
	decimals := 2
	for _, p := range prices {
		s := strconv.FormatFloat(p, 'f', -1, 64)
		if i := strings.IndexByte(s, '.'); i >= 0 {
			if d := len(s) - i - 1; d > decimals {
				decimals = d
			}
		}
	}
	return decimals
}
