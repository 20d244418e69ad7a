package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/orchestrator"
)

// WebSocket timing and size limits.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 256
)

var errSlowConsumer = errors.New("websocket send buffer full")

// WSHandler serves the persistent WebSocket chat stream.
type WSHandler struct {
	orch     *orchestrator.Orchestrator
	events   *hub.Hub
	logger   log.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates the handler.
func NewWSHandler(orch *orchestrator.Orchestrator, events *hub.Hub, logger log.Logger) *WSHandler {
	return &WSHandler{
		orch:   orch,
		events: events,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				// The server binds to loopback by default; origin policy
				// belongs to the reverse proxy in front of it.
				return true
			},
		},
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat", h.handle)
}

// wsConn is one client connection. It implements hub.Sink; events flow
// through the send channel so only writePump touches the socket.
type wsConn struct {
	conn *websocket.Conn
	send chan chat.Event
	done chan struct{}
	once sync.Once
}

func (c *wsConn) Send(ev chat.Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- ev:
		return nil
	default:
		// A reader this far behind will never catch up with a stream.
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// wireFrame is the outbound envelope: a type tag plus a data object.
type wireFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// encodeFrame maps an event to its wire shape. The session id is
// implicit in the connection's registration and stays off the wire.
func encodeFrame(ev chat.Event) wireFrame {
	switch ev.Type {
	case chat.EventNewMessage:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"message": ev.Message,
		}}
	case chat.EventChunk:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"message_id": ev.MessageID,
			"seq":        ev.Seq,
			"chunk":      ev.Text,
		}}
	case chat.EventEnd:
		data := map[string]any{
			"message_id":    ev.MessageID,
			"final_content": ev.FinalContent,
		}
		if ev.Usage != nil {
			data["usage"] = ev.Usage
		}
		return wireFrame{Type: string(ev.Type), Data: data}
	case chat.EventTyping:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"typing": ev.Typing,
		}}
	case chat.EventError:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"kind":    ev.Kind,
			"message": ev.ErrorMsg,
		}}
	case chat.EventFeedbackAck:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"message_id": ev.MessageID,
			"score":      ev.Score,
		}}
	default:
		return wireFrame{Type: string(ev.Type), Data: map[string]any{
			"session_id": ev.SessionID,
		}}
	}
}

// inboundFrame is one client-to-server message.
type inboundFrame struct {
	Type string      `json:"type"`
	Data inboundData `json:"data"`
}

type inboundData struct {
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Score     string `json:"score,omitempty"`
}

// Inbound frame types.
const (
	frameChatMessage = "chat_message"
	frameFeedback    = "feedback"
	frameCancel      = "cancel"
	framePing        = "ping"
)

func (h *WSHandler) handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "session_id query parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()[:8]
	c := &wsConn{
		conn: conn,
		send: make(chan chat.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
	handle := h.events.Register(sessionID, connID, c)
	h.logger.Debug("websocket connected", "session_id", sessionID, "conn_id", connID)

	go h.writePump(c)
	_ = c.Send(chat.Event{Type: "status", SessionID: sessionID})
	h.readPump(c, sessionID, handle)
}

// readPump reads frames until the connection drops. Runs on the request
// goroutine.
func (h *WSHandler) readPump(c *wsConn, sessionID string, handle *hub.Handle) {
	defer func() {
		handle.Unregister()
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "session_id", sessionID, "error", err)
			}
			return
		}
		h.handleFrame(c, sessionID, data)
	}
}

// writePump owns all socket writes: events, pings, and the close frame.
func (h *WSHandler) writePump(c *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(encodeFrame(ev)); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *WSHandler) handleFrame(c *wsConn, sessionID string, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = c.Send(chat.ErrorEvent(sessionID, chat.KindValidation, "invalid JSON frame"))
		return
	}

	switch frame.Type {
	case frameChatMessage:
		// Enqueue only; results arrive as broadcast events, and errors
		// were already sent as error events.
		_ = h.orch.HandleInbound(context.Background(), orchestrator.Inbound{
			SessionID: sessionID,
			Content:   frame.Data.Message,
			Provider:  frame.Data.Provider,
		})
	case frameFeedback:
		messageID, err := uuid.Parse(frame.Data.MessageID)
		if err != nil {
			_ = c.Send(chat.ErrorEvent(sessionID, chat.KindValidation, "invalid message_id"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.orch.HandleFeedback(ctx, sessionID, messageID, frame.Data.Score)
	case frameCancel:
		h.orch.Cancel(sessionID)
	case framePing:
		_ = c.Send(chat.Event{Type: "pong", SessionID: sessionID})
	default:
		_ = c.Send(chat.ErrorEvent(sessionID, chat.KindValidation, "unknown frame type: "+frame.Type))
	}
}
