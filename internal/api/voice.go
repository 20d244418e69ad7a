package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/transcribe"
)

// maxAudioBytes bounds one voice clip upload.
const maxAudioBytes = 10 << 20 // 10 MiB

// VoiceHandler accepts voice clips, transcribes them, and feeds the
// transcript into the chat pipeline.
type VoiceHandler struct {
	pool   *transcribe.Pool
	logger log.Logger
}

// NewVoiceHandler creates the handler. pool may be nil when speech-to-
// text is not configured; the endpoint then responds 503.
func NewVoiceHandler(pool *transcribe.Pool, logger log.Logger) *VoiceHandler {
	return &VoiceHandler{pool: pool, logger: logger}
}

// RegisterRoutes registers the voice route.
func (h *VoiceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice/transcriptions", h.transcribe)
}

// TranscriptionResponse is the synchronous transcription result. The
// transcript also continues through the chat pipeline; its reply
// arrives on the session's stream.
type TranscriptionResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// transcribe handles a multipart upload with fields "audio" (the clip)
// and "session_id".
func (h *VoiceHandler) transcribe(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusServiceUnavailable, chat.KindProvider, "voice transcription is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "invalid multipart upload")
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "audio file is required")
		return
	}
	defer func() { _ = file.Close() }()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.KindValidation, "failed to read audio file")
		return
	}

	resultCh, err := h.pool.Submit(transcribe.Job{
		SessionID:   sessionID,
		Audio:       audio,
		ContentType: header.Header.Get("Content-Type"),
	})
	switch {
	case errors.Is(err, transcribe.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, chat.KindRateLimited, "transcription queue is full")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, chat.KindProvider, "transcription unavailable")
		return
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			h.logger.Error("transcription failed", "session_id", sessionID, "error", res.Err)
			writeError(w, http.StatusBadGateway, chat.KindProvider, "transcription failed")
			return
		}
		writeJSON(w, http.StatusOK, TranscriptionResponse{SessionID: sessionID, Text: res.Text})
	case <-r.Context().Done():
	}
}
