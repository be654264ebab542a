package analysis

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// Params fixes the indicator windows.
type Params struct {
	FastPeriod    int
	MediumPeriod  int
	SlowPeriod    int
	OscPeriod     int
	MomentumSteps int
}

// DefaultParams returns the engine's standard windows.
func DefaultParams() Params {
	return Params{FastPeriod: 5, MediumPeriod: 10, SlowPeriod: 20, OscPeriod: 14, MomentumSteps: 10}
}

// Result is one computed analysis snapshot.
type Result struct {
	EMAFast    float64
	EMAMedium  float64
	EMASlow    float64
	Oscillator float64
	Momentum   float64
	UpScore    float64
	DownScore  float64
	Verdict    Direction
	Confidence float64
	Samples    int
	LastEpoch  int64
}

// indicatorState is the cached prior needed for O(1) incremental updates.
type indicatorState struct {
	emaFast, emaMedium, emaSlow float64
	avgGain, avgLoss            float64
	seedChanges                 []float64
	seeded                      bool
	prevPrice                   float64
	count                       int
	lastEpoch                   int64
}

type cachedResult struct {
	res         Result
	fingerprint uint64
	at          time.Time
}

// Engine computes moving averages, an oscillator, momentum, and a dual
// directional score over rolling price windows. Intermediate indicator state
// is cached per key so each new tick costs O(1); results are cached behind a
// window fingerprint with a short TTL and invalidated explicitly on ticks.
type Engine struct {
	params Params
	ttl    time.Duration

	mu      sync.Mutex
	states  map[string]*indicatorState
	results map[string]cachedResult
}

// NewEngine builds an analysis engine with the given windows and result TTL.
func NewEngine(params Params, resultTTL time.Duration) *Engine {
	return &Engine{
		params:  params,
		ttl:     resultTTL,
		states:  make(map[string]*indicatorState),
		results: make(map[string]cachedResult),
	}
}

// OnTick advances the incremental indicator state for key by one price and
// invalidates the cached result.
func (e *Engine) OnTick(key string, price float64, epoch int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[key]
	if !ok {
		st = &indicatorState{}
		e.states[key] = st
	}
	e.foldLocked(st, price)
	st.lastEpoch = epoch
	delete(e.results, key)
}

// Rebuild discards any incremental state for key and refolds the full window,
// used after a backfill replaces the history.
func (e *Engine) Rebuild(key string, prices []float64, lastEpoch int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebuildLocked(key, prices, lastEpoch)
}

// Invalidate drops both the cached result and the incremental state for key.
func (e *Engine) Invalidate(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.results, key)
	delete(e.states, key)
}

// Compute returns the analysis for the given window. The cached result is
// served while its fingerprint matches and the TTL has not lapsed. Otherwise
// the incremental state is used when it is in step with the window; a full
// recomputation is the fallback.
func (e *Engine) Compute(key string, prices []float64, lastEpoch int64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(prices) == 0 {
		return Result{Verdict: DirectionNone}
	}

	fp := fingerprint(prices, lastEpoch)
	if c, ok := e.results[key]; ok && c.fingerprint == fp && time.Since(c.at) < e.ttl {
		return c.res
	}

	st, ok := e.states[key]
	if !ok || st.lastEpoch != lastEpoch || st.count < len(prices) {
		// Cached prior missing or behind the window: full recomputation.
		// Once the window is at capacity it evicts while the fold keeps
		// counting, so a fold whose newest epoch matches stays in step even
		// with count past the window length.
		st = e.rebuildLocked(key, prices, lastEpoch)
	}

	res := e.assembleLocked(st, prices, lastEpoch)
	e.results[key] = cachedResult{res: res, fingerprint: fp, at: time.Now()}
	return res
}

// foldLocked advances one indicator state by a single price.
func (e *Engine) foldLocked(st *indicatorState, price float64) {
	st.count++
	if st.count == 1 {
		st.emaFast = price
		st.emaMedium = price
		st.emaSlow = price
		st.prevPrice = price
		return
	}

	st.emaFast = emaStep(st.emaFast, price, e.params.FastPeriod)
	st.emaMedium = emaStep(st.emaMedium, price, e.params.MediumPeriod)
	st.emaSlow = emaStep(st.emaSlow, price, e.params.SlowPeriod)

	change := price - st.prevPrice
	if !st.seeded {
		st.seedChanges = append(st.seedChanges, change)
		if len(st.seedChanges) == e.params.OscPeriod {
			for _, c := range st.seedChanges {
				if c > 0 {
					st.avgGain += c
				} else {
					st.avgLoss -= c
				}
			}
			st.avgGain /= float64(e.params.OscPeriod)
			st.avgLoss /= float64(e.params.OscPeriod)
			st.seeded = true
			st.seedChanges = nil
		}
	} else {
		st.avgGain, st.avgLoss = rsiStepAverages(st.avgGain, st.avgLoss, change, e.params.OscPeriod)
	}
	st.prevPrice = price
}

func (e *Engine) rebuildLocked(key string, prices []float64, lastEpoch int64) *indicatorState {
	st := &indicatorState{}
	for _, p := range prices {
		e.foldLocked(st, p)
	}
	st.lastEpoch = lastEpoch
	e.states[key] = st
	delete(e.results, key)
	return st
}

// assembleLocked builds a Result from indicator state, mirroring the
// short-series gating of the full-recompute helpers.
func (e *Engine) assembleLocked(st *indicatorState, prices []float64, lastEpoch int64) Result {
	res := Result{Samples: st.count, LastEpoch: lastEpoch}
	if res.Samples > len(prices) {
		res.Samples = len(prices)
	}

	if st.count >= e.params.FastPeriod {
		res.EMAFast = st.emaFast
	}
	if st.count >= e.params.MediumPeriod {
		res.EMAMedium = st.emaMedium
	}
	if st.count >= e.params.SlowPeriod {
		res.EMASlow = st.emaSlow
	}
	if st.seeded {
		res.Oscillator = rsiValue(st.avgGain, st.avgLoss)
	}
	res.Momentum = momentum(prices, e.params.MomentumSteps)

	last := prices[len(prices)-1]
	res.UpScore, res.DownScore = scoreDirections(
		res.EMAFast, res.EMAMedium, res.EMASlow, res.Oscillator, res.Momentum, last)
	res.Verdict, res.Confidence = verdict(res.UpScore, res.DownScore)
	return res
}

// fingerprint summarizes the most recent window: length, last epoch, and the
// bit patterns of the trailing prices.
func fingerprint(prices []float64, lastEpoch int64) uint64 {
	h := fnv.New64a()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(len(prices)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(lastEpoch))
	h.Write(buf[:])

	tail := prices
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	for _, p := range tail {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p))
		h.Write(buf[:])
	}
	return h.Sum64()
}
