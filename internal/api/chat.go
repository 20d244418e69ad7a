package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/orchestrator"
)

// ChatHandler serves the synchronous chat endpoint. It runs the same
// pipeline as the WebSocket path but buffers the stream and responds
// once with the finished reply.
type ChatHandler struct {
	orch   *orchestrator.Orchestrator
	events *hub.Hub
	logger log.Logger
}

// NewChatHandler creates the handler.
func NewChatHandler(orch *orchestrator.Orchestrator, events *hub.Hub, logger log.Logger) *ChatHandler {
	return &ChatHandler{orch: orch, events: events, logger: logger}
}

// RegisterRoutes registers the chat route.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.chat)
}

// ChatRequest is the request body for a synchronous chat turn.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// ChatResponse is the finished reply.
type ChatResponse struct {
	Response  string      `json:"response"`
	MessageID uuid.UUID   `json:"message_id"`
	SessionID string      `json:"session_id"`
	Usage     *chat.Usage `json:"usage,omitempty"`
}

func (h *ChatHandler) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	// Subscribe before enqueueing so no event of this turn is missed.
	ch, cancel := h.events.Subscribe(req.SessionID, "http-"+uuid.New().String()[:8])
	defer cancel()

	err := h.orch.HandleInbound(r.Context(), orchestrator.Inbound{
		SessionID: req.SessionID,
		Content:   req.Message,
		Provider:  req.Provider,
	})
	if err != nil {
		kind := chat.KindOf(err)
		writeError(w, statusForKind(kind), kind, err.Error())
		return
	}

	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case chat.EventEnd:
				writeJSON(w, http.StatusOK, ChatResponse{
					Response:  ev.FinalContent,
					MessageID: ev.MessageID,
					SessionID: req.SessionID,
					Usage:     ev.Usage,
				})
				return
			case chat.EventError:
				writeError(w, statusForKind(ev.Kind), ev.Kind, ev.ErrorMsg)
				return
			}
		case <-r.Context().Done():
			h.logger.Debug("sync chat client went away", "session_id", req.SessionID)
			return
		}
	}
}
