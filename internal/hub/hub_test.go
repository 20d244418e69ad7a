package hub

import (
	"errors"
	"testing"

	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordSink struct {
	events []chat.Event
	fail   bool
}

func (s *recordSink) Send(ev chat.Event) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.events = append(s.events, ev)
	return nil
}

func TestBroadcastFanOut(t *testing.T) {
	h := New(log.NewNop())

	a := &recordSink{}
	b := &recordSink{}
	other := &recordSink{}
	h.Register("s1", "conn-a", a)
	h.Register("s1", "conn-b", b)
	h.Register("s2", "conn-c", other)

	h.Broadcast(chat.TypingEvent("s1", true))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("s1 sinks got %d/%d events, want 1/1", len(a.events), len(b.events))
	}
	if len(other.events) != 0 {
		t.Errorf("s2 sink got %d events, want 0", len(other.events))
	}
}

func TestBroadcastDropsFailedSink(t *testing.T) {
	h := New(log.NewNop())

	good := &recordSink{}
	bad := &recordSink{fail: true}
	h.Register("s1", "good", good)
	h.Register("s1", "bad", bad)

	h.Broadcast(chat.TypingEvent("s1", true))
	if len(good.events) != 1 {
		t.Fatalf("healthy sink got %d events, want 1", len(good.events))
	}
	if got := h.Subscribers("s1"); got != 1 {
		t.Errorf("Subscribers after failure = %d, want 1", got)
	}

	h.Broadcast(chat.TypingEvent("s1", false))
	if len(good.events) != 2 {
		t.Errorf("healthy sink got %d events after second broadcast, want 2", len(good.events))
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := New(log.NewNop())

	sink := &recordSink{}
	handle := h.Register("s1", "conn", sink)
	handle.Unregister()
	handle.Unregister()

	if got := h.Subscribers("s1"); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
	h.Broadcast(chat.TypingEvent("s1", true))
	if len(sink.events) != 0 {
		t.Errorf("unregistered sink received %d events", len(sink.events))
	}
}

func TestSubscribe(t *testing.T) {
	h := New(log.NewNop())

	ch, cancel := h.Subscribe("s1", "http-1")
	defer cancel()

	h.Broadcast(chat.TypingEvent("s1", true))
	select {
	case ev := <-ch:
		if ev.Type != chat.EventTyping {
			t.Errorf("event type = %q, want typing_indicator", ev.Type)
		}
	default:
		t.Fatal("no event buffered on subscription channel")
	}

	cancel()
	h.Broadcast(chat.TypingEvent("s1", false))
	if got := h.Subscribers("s1"); got != 0 {
		t.Errorf("Subscribers after cancel = %d, want 0", got)
	}
}

func TestSubscribeStalledDropped(t *testing.T) {
	h := New(log.NewNop())

	_, cancel := h.Subscribe("s1", "slow")
	defer cancel()

	for i := 0; i <= SubscribeBuffer; i++ {
		h.Broadcast(chat.ChunkEvent("s1", chat.NewMessage("s1", chat.RoleAssistant, "x").ID, i, "x"))
	}
	if got := h.Subscribers("s1"); got != 0 {
		t.Errorf("stalled subscriber still registered, Subscribers = %d", got)
	}
}
