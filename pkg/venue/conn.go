package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned for every request in flight when the
	// connection drops before its reply arrives.
	ErrConnClosed = errors.New("venue: connection closed")
	// ErrTimeout is returned when no correlated reply arrives in time.
	ErrTimeout = errors.New("venue: request timed out")
	// ErrNotReady is returned when the authorization handshake failed.
	ErrNotReady = errors.New("venue: connection not authorized")
)

// StreamHandler receives each raw message of a subscription stream.
type StreamHandler func(raw json.RawMessage)

type result struct {
	raw json.RawMessage
	err error
}

type pendingReq struct {
	ch     chan result
	subKey string // non-empty when this request opens a subscription
}

type subscription struct {
	handler  StreamHandler
	serverID string
	expire   *time.Timer
}

// Conn is one authorized websocket connection to the venue. It owns the
// correlation table for in-flight requests and the subscription table for
// streams, and keeps itself alive with periodic pings.
type Conn struct {
	token string
	ws    *websocket.Conn

	reqSeq     int64
	lastActive int64 // unix nano, for the pool's idle reaper

	mu         sync.Mutex
	writeMu    sync.Mutex
	pending    map[int64]*pendingReq
	subs       map[string]*subscription // caller-chosen key
	byServerID map[string]string        // server subscription id -> caller key

	ready    chan struct{}
	readyErr error

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(*Conn)
}

// Dial connects, starts the read and ping loops, and performs the
// authorization handshake. Requests issued before the handshake completes
// wait on the readiness gate.
func Dial(ctx context.Context, url, token string, pingInterval, authTimeout time.Duration, onClose func(*Conn)) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial venue: %w", err)
	}

	c := &Conn{
		token:      token,
		ws:         ws,
		pending:    make(map[int64]*pendingReq),
		subs:       make(map[string]*subscription),
		byServerID: make(map[string]string),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
		onClose:    onClose,
	}
	c.touch()

	go c.readLoop()
	go c.pingLoop(pingInterval)
	go c.authorize(authTimeout)

	return c, nil
}

func (c *Conn) authorize(timeout time.Duration) {
	raw, err := c.send(AuthorizeRequest(c.token), timeout)
	if err != nil {
		c.readyErr = fmt.Errorf("authorize: %w", err)
		close(c.ready)
		c.close()
		return
	}
	var reply AuthorizeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		c.readyErr = fmt.Errorf("authorize: %w", err)
		close(c.ready)
		c.close()
		return
	}
	close(c.ready)
}

// waitReady blocks until the handshake completes, the context expires, or the
// connection dies.
func (c *Conn) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends a correlated request and waits for the matching reply.
func (c *Conn) Request(ctx context.Context, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	return c.send(payload, timeout)
}

func (c *Conn) send(payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.reqSeq, 1)
	payload["req_id"] = id

	req := &pendingReq{ch: make(chan result, 1)}
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrConnClosed
	default:
	}
	c.pending[id] = req
	c.mu.Unlock()

	c.touch()
	if err := c.write(payload); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.ch:
		return res.raw, res.err
	case <-timer.C:
		// Remove the correlation entry so a late reply is ignored.
		c.dropPending(id)
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

// Subscribe sends a stream-opening request and registers handler under the
// caller-chosen key. The first correlated reply is returned; every subsequent
// streamed message for the server-assigned subscription id goes to handler.
// A positive ttl drops the registration automatically.
func (c *Conn) Subscribe(ctx context.Context, payload map[string]any, key string, handler StreamHandler, ttl, timeout time.Duration) (json.RawMessage, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&c.reqSeq, 1)
	payload["req_id"] = id

	sub := &subscription{handler: handler}
	req := &pendingReq{ch: make(chan result, 1), subKey: key}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrConnClosed
	default:
	}
	c.pending[id] = req
	c.subs[key] = sub
	c.mu.Unlock()

	if ttl > 0 {
		sub.expire = time.AfterFunc(ttl, func() { c.Unsubscribe(key) })
	}

	c.touch()
	if err := c.write(payload); err != nil {
		c.dropPending(id)
		c.Unsubscribe(key)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.ch:
		if res.err != nil {
			c.Unsubscribe(key)
		}
		return res.raw, res.err
	case <-timer.C:
		c.dropPending(id)
		c.Unsubscribe(key)
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

// Unsubscribe removes a stream registration and tells the venue to forget the
// server-side subscription when one was established.
func (c *Conn) Unsubscribe(key string) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
		if sub.serverID != "" {
			delete(c.byServerID, sub.serverID)
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if sub.expire != nil {
		sub.expire.Stop()
	}
	if sub.serverID != "" {
		// Best effort; the stream is already dropped locally.
		if err := c.write(ForgetRequest(sub.serverID)); err == nil {
			c.touch()
		}
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(payload map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if err := c.ws.WriteJSON(payload); err != nil {
		return fmt.Errorf("venue write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.close()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.closed:
				default:
					log.Printf("venue: read error: %v", err)
				}
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("venue: malformed message dropped: %v", err)
		return
	}

	raw := json.RawMessage(msg)
	var res result
	if env.Error != nil {
		res = result{err: env.Error}
	} else {
		res = result{raw: raw}
	}

	c.mu.Lock()
	req, isPending := c.pending[env.ReqID]
	if isPending {
		delete(c.pending, env.ReqID)
		// First reply of a stream-opening request: bind the server id.
		if req.subKey != "" && env.Subscription != nil && env.Error == nil {
			if sub, ok := c.subs[req.subKey]; ok {
				sub.serverID = env.Subscription.ID
				c.byServerID[env.Subscription.ID] = req.subKey
			}
		}
	}
	var handler StreamHandler
	if !isPending && env.Subscription != nil {
		if key, ok := c.byServerID[env.Subscription.ID]; ok {
			if sub, ok := c.subs[key]; ok {
				handler = sub.handler
			}
		}
	}
	c.mu.Unlock()

	switch {
	case isPending:
		req.ch <- res
	case handler != nil:
		handler(raw)
	default:
		// Unknown correlation id or forgotten stream; ignore.
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			// Uncorrelated keep-alive; the pong is dropped by dispatch.
			if err := c.write(PingRequest()); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once: every pending request fails
// with ErrConnClosed, every stream registration is dropped, and the pool is
// told to remove the entry.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		pending := c.pending
		subs := c.subs
		c.pending = make(map[int64]*pendingReq)
		c.subs = make(map[string]*subscription)
		c.byServerID = make(map[string]string)
		c.mu.Unlock()

		for _, req := range pending {
			req.ch <- result{err: ErrConnClosed}
		}
		for _, sub := range subs {
			if sub.expire != nil {
				sub.expire.Stop()
			}
		}

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Close shuts the connection down.
func (c *Conn) Close() {
	c.close()
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// IdleSince reports how long the connection has been unused.
func (c *Conn) IdleSince() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastActive)))
}
