// Package hub fans chat events out to the subscribers of a session.
// WebSocket connections and HTTP waiters register sinks; the
// orchestrator broadcasts without knowing who is listening.
package hub

import (
	"sync"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
)

// SubscribeBuffer is the event buffer for channel subscriptions. A
// subscriber that falls this far behind is dropped.
const SubscribeBuffer = 256

// Sink receives events for one subscriber. Send must not block
// indefinitely; a returned error drops the subscriber.
type Sink interface {
	Send(ev chat.Event) error
}

// Handle identifies one registration and allows its removal.
type Handle struct {
	hub       *Hub
	sessionID string
	connID    string
	sink      Sink
}

// Unregister removes the registration. Safe to call more than once.
func (h *Handle) Unregister() {
	h.hub.remove(h)
}

// Hub tracks subscribers per session.
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]map[*Handle]struct{}
	logger    log.Logger
}

// New creates an empty hub.
func New(logger log.Logger) *Hub {
	return &Hub{
		bySession: make(map[string]map[*Handle]struct{}),
		logger:    logger,
	}
}

// Register adds a sink for a session. connID is used only for logging.
func (h *Hub) Register(sessionID, connID string, sink Sink) *Handle {
	handle := &Handle{hub: h, sessionID: sessionID, connID: connID, sink: sink}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.bySession[sessionID]
	if !ok {
		set = make(map[*Handle]struct{})
		h.bySession[sessionID] = set
	}
	set[handle] = struct{}{}
	return handle
}

func (h *Hub) remove(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.bySession[handle.sessionID]
	if !ok {
		return
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(h.bySession, handle.sessionID)
	}
}

// Subscribers reports how many sinks a session currently has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Broadcast delivers ev to every subscriber of ev.SessionID. A sink
// whose Send fails is dropped; the remaining subscribers still receive
// the event.
func (h *Hub) Broadcast(ev chat.Event) {
	h.mu.RLock()
	handles := make([]*Handle, 0, len(h.bySession[ev.SessionID]))
	for handle := range h.bySession[ev.SessionID] {
		handles = append(handles, handle)
	}
	h.mu.RUnlock()

	for _, handle := range handles {
		if err := handle.sink.Send(ev); err != nil {
			h.logger.Warn("dropping subscriber",
				"session_id", ev.SessionID,
				"conn_id", handle.connID,
				"error", err,
			)
			h.remove(handle)
		}
	}
}

// chanSink bridges a subscription channel. Send fails when the buffer
// is full rather than block the broadcaster.
type chanSink struct {
	ch     chan chat.Event
	closed chan struct{}
	once   sync.Once
}

func (s *chanSink) Send(ev chat.Event) error {
	select {
	case <-s.closed:
		return errSubscriptionClosed
	case s.ch <- ev:
		return nil
	default:
		return errSubscriberStalled
	}
}

func (s *chanSink) close() {
	s.once.Do(func() { close(s.closed) })
}

var (
	errSubscriptionClosed = sinkError("subscription closed")
	errSubscriberStalled  = sinkError("subscriber buffer full")
)

type sinkError string

func (e sinkError) Error() string { return string(e) }

// Subscribe registers a channel subscriber for a session. The returned
// cancel func must be called when done; afterwards the channel stops
// receiving events but is not closed.
func (h *Hub) Subscribe(sessionID, connID string) (<-chan chat.Event, func()) {
	sink := &chanSink{
		ch:     make(chan chat.Event, SubscribeBuffer),
		closed: make(chan struct{}),
	}
	handle := h.Register(sessionID, connID, sink)
	cancel := func() {
		sink.close()
		handle.Unregister()
	}
	return sink.ch, cancel
}
