// Package results serializes settlement-driven state updates: many pipelines
// may settle concurrently, but exactly one worker drains the queue, so no two
// settlements ever mutate the same agent's accumulators at once.
package results

import "context"

// Settlement is the outcome of one resolved trade pipeline.
type Settlement struct {
	AgentID    string
	TradeID    string
	Stake      float64
	Profit     float64
	Confidence float64
	ExitPrice  float64
	Status     string // WON, LOST, FAILED, TIMEOUT
}

// Queue buffers settlements ahead of the single drain worker.
type Queue struct {
	ch chan Settlement
}

// NewQueue creates a settlement queue.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Settlement, size)}
}

// Enqueue adds a settlement; blocks only when the buffer is full.
func (q *Queue) Enqueue(s Settlement) {
	q.ch <- s
}

// Chan exposes the receive side for the drain worker.
func (q *Queue) Chan() <-chan Settlement {
	return q.ch
}

// Drain consumes settlements with a handler until the context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(Settlement)) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-q.ch:
			if !ok {
				return
			}
			handler(s)
		}
	}
}
