package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/session"
)

// Session validation bounds.
const (
	MaxTitleLength = 100
	MaxListLimit   = 1000
	MaxListOffset  = 100000
)

// SessionHandler serves the session CRUD endpoints.
type SessionHandler struct {
	store  session.Store
	logger log.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(store session.Store, logger log.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes registers the session routes.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.delete)
	mux.HandleFunc("GET /api/sessions/{id}/messages", h.messages)
}

// list returns sessions ordered by most recent activity.
// Query parameters: limit (default 100, max 1000) and offset.
func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", session.DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	sessions, err := h.store.Sessions(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.KindStorageUnavailable, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Provider string `json:"provider"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "invalid request body")
		return
	}
	if len(req.Title) > MaxTitleLength {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "title too long (max 100 characters)")
		return
	}
	if req.Title == "" {
		req.Title = "New Session"
	}

	sess, err := h.store.CreateSession(r.Context(), req.ID, req.Title, req.Provider)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.KindStorageUnavailable, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.Session(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, chat.KindValidation, "session not found")
		return
	case err != nil:
		h.logger.Error("failed to fetch session", "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.KindStorageUnavailable, "failed to fetch session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.logger.Error("failed to delete session", "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.KindStorageUnavailable, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messages returns a page of session history, oldest first.
func (h *SessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := parseIntParam(r, "limit", session.DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	if _, err := h.store.Session(r.Context(), id); errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, chat.KindValidation, "session not found")
		return
	}
	msgs, err := h.store.Messages(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.KindStorageUnavailable, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    len(msgs),
		"limit":    limit,
		"offset":   offset,
	})
}

// parseIntParam parses an integer query parameter with bounds checking.
func parseIntParam(r *http.Request, name string, defaultVal, minVal, maxVal int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
