package db

import (
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// LogWriter batches append-only engine log rows so a slow disk never blocks a
// trading decision. Appends are fire-and-forget: rows are buffered in memory
// and dropped (with a counter bump) when the buffer is saturated.
type LogWriter struct {
	db          *sql.DB
	buffer      []LogEntry
	mu          sync.Mutex
	maxSize     int
	maxBuffered int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	dropped uint64
	written uint64
	errors  uint64
}

// NewLogWriter creates a log writer flushing every interval or once maxSize
// rows are buffered, whichever comes first.
func NewLogWriter(db *sql.DB, maxSize int, interval time.Duration) *LogWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &LogWriter{
		db:          db,
		buffer:      make([]LogEntry, 0, maxSize),
		maxSize:     maxSize,
		maxBuffered: maxSize * 10,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.backgroundFlush()

	return w
}

// Append buffers one log row. It never blocks and never returns an error.
func (w *LogWriter) Append(agentID, level, category, message, metadata string) {
	entry := LogEntry{
		AgentID:   agentID,
		Level:     level,
		Category:  category,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffered {
		w.mu.Unlock()
		atomic.AddUint64(&w.dropped, 1)
		return
	}
	w.buffer = append(w.buffer, entry)
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		go w.Flush()
	}
}

// Flush writes all buffered rows in one transaction. Failures are logged and
// counted, never propagated to trading paths.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]LogEntry, 0, w.maxSize)
	w.mu.Unlock()

	tx, err := w.db.Begin()
	if err != nil {
		atomic.AddUint64(&w.errors, 1)
		log.Printf("logwriter: begin failed: %v", err)
		return
	}

	for _, e := range batch {
		if _, err := tx.Exec(`
			INSERT INTO engine_logs (agent_id, level, category, message, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.AgentID, e.Level, e.Category, e.Message, e.Metadata, e.CreatedAt); err != nil {
			tx.Rollback()
			atomic.AddUint64(&w.errors, 1)
			log.Printf("logwriter: insert failed, batch dropped: %v", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.errors, 1)
		log.Printf("logwriter: commit failed: %v", err)
		return
	}
	atomic.AddUint64(&w.written, uint64(len(batch)))
}

func (w *LogWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.done:
			w.Flush()
			return
		}
	}
}

// Stats returns written, dropped, and error counters.
func (w *LogWriter) Stats() (written, dropped, errors uint64) {
	return atomic.LoadUint64(&w.written), atomic.LoadUint64(&w.dropped), atomic.LoadUint64(&w.errors)
}

// Close flushes remaining rows and stops the background loop.
func (w *LogWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
