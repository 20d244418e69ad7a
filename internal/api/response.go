package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/parleyhq/parley/internal/chat"
)

// writeJSON writes a JSON response with the given status code. If
// encoding fails after WriteHeader the status is already on the wire;
// the error is only logged.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse is the JSON error body. Kind is one of the stable
// wire-level error kinds.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: message})
}

// statusForKind maps wire-level error kinds to HTTP statuses for the
// synchronous endpoints.
func statusForKind(kind string) int {
	switch kind {
	case chat.KindValidation:
		return http.StatusBadRequest
	case chat.KindRateLimited:
		return http.StatusTooManyRequests
	case chat.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case chat.KindTimeout:
		return http.StatusGatewayTimeout
	case chat.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
