package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestVenue runs a fake venue endpoint: it completes the authorize
// handshake, swallows pings, and forwards everything else to handle on the
// read goroutine (writes from handle are therefore serialized).
func newTestVenue(t *testing.T, handle func(ws *websocket.Conn, req map[string]any)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req map[string]any
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			if _, ok := req["authorize"]; ok {
				_ = ws.WriteJSON(map[string]any{
					"msg_type": "authorize",
					"req_id":   req["req_id"],
					"authorize": map[string]any{
						"loginid": "VRTC001", "balance": 1000.0, "currency": "USD",
					},
				})
				continue
			}
			if _, ok := req["ping"]; ok {
				continue
			}
			if handle != nil {
				handle(ws, req)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), url, "test-token", 0, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRequestCorrelation(t *testing.T) {
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		if sym, ok := req["echo"]; ok {
			_ = ws.WriteJSON(map[string]any{
				"msg_type": "echo", "req_id": req["req_id"], "echo": sym,
			})
		}
	})
	c := dialTest(t, url)

	raw, err := c.Request(context.Background(), map[string]any{"echo": "first"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var got struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(raw, &got); err != nil || got.Echo != "first" {
		t.Fatalf("reply = %s (%v), want echo first", raw, err)
	}
}

func TestRequestTimeoutIgnoresLateReply(t *testing.T) {
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		if _, ok := req["slow"]; ok {
			time.Sleep(300 * time.Millisecond)
			_ = ws.WriteJSON(map[string]any{"msg_type": "slow", "req_id": req["req_id"]})
			return
		}
		_ = ws.WriteJSON(map[string]any{
			"msg_type": "echo", "req_id": req["req_id"], "echo": req["echo"],
		})
	})
	c := dialTest(t, url)

	if _, err := c.Request(context.Background(), map[string]any{"slow": 1}, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The late reply for the dropped correlation id must not leak into the
	// next request.
	raw, err := c.Request(context.Background(), map[string]any{"echo": "fresh"}, 2*time.Second)
	if err != nil {
		t.Fatalf("followup request: %v", err)
	}
	var got struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(raw, &got); err != nil || got.Echo != "fresh" {
		t.Fatalf("followup reply = %s, want echo fresh", raw)
	}
}

func TestAPIErrorPropagates(t *testing.T) {
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		_ = ws.WriteJSON(map[string]any{
			"msg_type": "proposal", "req_id": req["req_id"],
			"error": map[string]any{"code": "ContractBuyValidationError", "message": "stake too low"},
		})
	})
	c := dialTest(t, url)

	_, err := c.Request(context.Background(), map[string]any{"proposal": 1}, 2*time.Second)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "ContractBuyValidationError" {
		t.Fatalf("code = %s", apiErr.Code)
	}
}

func TestSubscribeRoutesStream(t *testing.T) {
	forgets := make(chan string, 1)
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		if id, ok := req["forget"]; ok {
			forgets <- id.(string)
			return
		}
		if _, ok := req["ticks_history"]; ok {
			_ = ws.WriteJSON(map[string]any{
				"msg_type": "history", "req_id": req["req_id"],
				"subscription": map[string]any{"id": "stream-7"},
				"history": map[string]any{
					"prices": []float64{101.5, 101.7},
					"times":  []int64{1, 2},
				},
			})
			for i := 0; i < 3; i++ {
				_ = ws.WriteJSON(map[string]any{
					"msg_type":     "tick",
					"subscription": map[string]any{"id": "stream-7"},
					"tick":         map[string]any{"quote": 102.0 + float64(i), "epoch": 10 + i, "symbol": "R_100"},
				})
			}
		}
	})
	c := dialTest(t, url)

	ticks := make(chan TickEvent, 8)
	first, err := c.Subscribe(context.Background(), TicksHistoryRequest("R_100", 2), "ticks:R_100", func(raw json.RawMessage) {
		var ev TickEvent
		if json.Unmarshal(raw, &ev) == nil && ev.Tick.Epoch != 0 {
			ticks <- ev
		}
	}, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var hist HistoryReply
	if err := json.Unmarshal(first, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.History.Prices) != 2 || hist.Subscription.ID != "stream-7" {
		t.Fatalf("history = %+v", hist)
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-ticks:
			if ev.Tick.Symbol != "R_100" {
				t.Fatalf("tick = %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d not delivered", i)
		}
	}

	c.Unsubscribe("ticks:R_100")
	select {
	case id := <-forgets:
		if id != "stream-7" {
			t.Fatalf("forgot %s, want stream-7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forget not sent")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		// Never reply; the client closes with the request in flight.
	})
	c := dialTest(t, url)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), map[string]any{"echo": 1}, 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("err = %v, want ErrConnClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not released on close")
	}
}

func TestAuthorizeFailure(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req map[string]any
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			if _, ok := req["authorize"]; ok {
				_ = ws.WriteJSON(map[string]any{
					"msg_type": "authorize", "req_id": req["req_id"],
					"error": map[string]any{"code": "InvalidToken", "message": "token is invalid"},
				})
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c, err := Dial(context.Background(), url, "bad-token", 0, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Request(context.Background(), map[string]any{"echo": 1}, time.Second); err == nil {
		t.Fatal("request on unauthorized connection should fail")
	}
}

func TestPoolReusesConnectionPerToken(t *testing.T) {
	url := newTestVenue(t, func(ws *websocket.Conn, req map[string]any) {
		_ = ws.WriteJSON(map[string]any{"msg_type": "echo", "req_id": req["req_id"]})
	})

	p := NewPool(PoolOptions{URL: url, RequestTimeout: 2 * time.Second})
	defer p.Close()
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "token-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c2, err := p.Acquire(ctx, "token-a")
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if c1 != c2 {
		t.Fatal("same credential should reuse the pooled connection")
	}
	if _, err := p.Acquire(ctx, "token-b"); err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.Size())
	}
}
