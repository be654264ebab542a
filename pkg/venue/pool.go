package venue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	URL            string
	AppID          string
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Pool keeps one persistent authorized connection per credential. Entries are
// created on first use, removed on unsolicited close, and reaped when idle.
type Pool struct {
	opts PoolOptions

	mu    sync.Mutex
	conns map[string]*Conn // credential token -> connection

	done     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool and starts its idle reaper.
func NewPool(opts PoolOptions) *Pool {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	p := &Pool{
		opts:  opts,
		conns: make(map[string]*Conn),
		done:  make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go p.reap()
	}
	return p
}

func (p *Pool) url() string {
	if p.opts.AppID == "" {
		return p.opts.URL
	}
	return p.opts.URL + "?app_id=" + p.opts.AppID
}

// Acquire returns the live connection for a credential, dialing one if none
// exists. The returned connection may still be completing its authorization
// handshake; requests against it wait on the readiness gate.
func (p *Pool) Acquire(ctx context.Context, token string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[token]; ok {
		select {
		case <-c.Done():
			// Stale entry from a racing close; replace it.
			delete(p.conns, token)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := Dial(ctx, p.url(), token, p.opts.PingInterval, p.opts.RequestTimeout, p.remove)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[token]; ok {
		select {
		case <-existing.Done():
			delete(p.conns, token)
		default:
			// Lost the race; keep the established connection.
			go c.Close()
			return existing, nil
		}
	}
	p.conns[token] = c
	return c, nil
}

// Request acquires the credential's connection and performs one correlated
// request with the given timeout.
func (p *Pool) Request(ctx context.Context, token string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c, err := p.Acquire(ctx, token)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = p.opts.RequestTimeout
	}
	return c.Request(ctx, payload, timeout)
}

// Subscribe acquires the credential's connection and opens a stream keyed by
// the caller-chosen id.
func (p *Pool) Subscribe(ctx context.Context, token string, payload map[string]any, key string, handler StreamHandler, ttl time.Duration) (json.RawMessage, error) {
	c, err := p.Acquire(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, payload, key, handler, ttl, p.opts.RequestTimeout)
}

// Unsubscribe drops a stream registration on the credential's connection, if
// one is live.
func (p *Pool) Unsubscribe(token, key string) {
	p.mu.Lock()
	c, ok := p.conns[token]
	p.mu.Unlock()
	if ok {
		c.Unsubscribe(key)
	}
}

// remove deletes a closed connection's pool entry so the next Acquire
// recreates it.
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[c.token]; ok && cur == c {
		delete(p.conns, c.token)
	}
}

func (p *Pool) reap() {
	ticker := time.NewTicker(p.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			var idle []*Conn
			for _, c := range p.conns {
				if c.IdleSince() > p.opts.IdleTimeout {
					idle = append(idle, c)
				}
			}
			p.mu.Unlock()

			for _, c := range idle {
				log.Printf("pool: closing idle connection (idle %s)", c.IdleSince().Round(time.Second))
				c.Close()
			}
		}
	}
}

// Size returns the number of live pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down every pooled connection and stops the reaper.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
