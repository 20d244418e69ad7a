package api

import (
	"context"
	"net/http"

	"github.com/parleyhq/parley/internal/log"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	ready  func(ctx context.Context) error
	logger log.Logger
}

// NewHealthHandler creates the handler. ready checks downstream
// dependencies; nil means the process is ready whenever it is alive.
func NewHealthHandler(ready func(ctx context.Context) error, logger log.Logger) *HealthHandler {
	return &HealthHandler{ready: ready, logger: logger}
}

// RegisterRoutes registers the probe routes.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.Error("readiness check failed", "error", err)
			http.Error(w, "dependencies not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
