package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventTick, 4)
	defer unsubA()
	b, unsubB := bus.Subscribe(EventTick, 4)
	defer unsubB()

	bus.Publish(EventTick, 42)

	for _, ch := range []<-chan any{a, b} {
		select {
		case v := <-ch:
			if v.(int) != 42 {
				t.Fatalf("payload = %v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("payload not delivered")
		}
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeSettled, 1)
	defer unsub()

	bus.Publish(EventTick, "tick")
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %v", v)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventLog, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Second publish must not block even though the buffer is full.
		bus.Publish(EventLog, 1)
		bus.Publish(EventLog, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if v := <-ch; v.(int) != 1 {
		t.Fatalf("kept payload = %v, want the first", v)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTick, 1)
	unsub()

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe is a no-op.
	bus.Publish(EventTick, 1)
}

func TestPublishLogCarriesRecord(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventLog, 1)
	defer unsub()

	bus.PublishLog("a1", "info", "trade", "opened")

	select {
	case v := <-ch:
		rec, ok := v.(LogRecord)
		if !ok {
			t.Fatalf("payload type %T", v)
		}
		if rec.AgentID != "a1" || rec.Category != "trade" || rec.At.IsZero() {
			t.Fatalf("record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("log record not delivered")
	}
}
