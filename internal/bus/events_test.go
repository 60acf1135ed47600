package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(EventCampaignFinished, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventCampaignFinished, Payload: map[string]any{"sent": 2}})
	eb.Emit(Event{Type: EventCampaignStarted})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	other := eb.On("test.event", func(e Event) {})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
	if id == other {
		t.Error("handler IDs must be unique")
	}
}

func TestEventBus_IDsStayUniqueAfterOff(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	a := eb.On("x", func(Event) {})
	eb.Off("x", a)
	b := eb.On("x", func(Event) {})
	c := eb.On("x", func(Event) {})
	if b == c {
		t.Fatalf("duplicate handler id %q", b)
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	ch, unsubscribe := eb.Subscribe(4)

	eb.Emit(Event{Type: EventSessionStateChanged, Payload: map[string]any{"state": "logged_in"}})

	select {
	case e := <-ch:
		if e.Type != EventSessionStateChanged {
			t.Fatalf("unexpected event %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	unsubscribe()
	eb.Emit(Event{Type: EventSessionStateChanged})
	select {
	case e := <-ch:
		t.Fatalf("received %q after unsubscribe", e.Type)
	default:
	}
}

func TestEventBus_SubscribeDropsWhenFull(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	ch, unsubscribe := eb.Subscribe(1)
	defer unsubscribe()

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"}) // must not block

	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if events := eb.Replay("a", time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}
	if all := eb.Replay("*", time.Time{}); len(all) != 3 {
		t.Errorf("expected 3 total events, got %d", len(all))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(e Event) {
		panic("test panic")
	})
	eb.On("panic", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "x"})
	eb.On("x", func(Event) {})
	if eb.HistoryLen() != 0 {
		t.Fatal("nil bus should have no history")
	}
	_, unsubscribe := eb.Subscribe(1)
	unsubscribe()
}
