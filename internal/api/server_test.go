package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transcribe"
)

type testServer struct {
	*Server
	store session.Store
	orch  *orchestrator.Orchestrator
}

func newTestServer(t *testing.T, adapter provider.Adapter, pool *transcribe.Pool) *testServer {
	t.Helper()

	store := session.NewMemoryStore()
	registry := provider.NewRegistry()
	if adapter != nil {
		registry.Register(adapter)
	}
	events := hub.New(log.NewNop())
	assembler := prompt.NewAssembler(store, nil, prompt.Options{MaxHistoryMessages: 50}, log.NewNop())
	orch := orchestrator.New(store, assembler, registry, events, nil, orchestrator.Config{
		Retry: orchestrator.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, log.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	srv := NewServer(store, orch, events, pool, nil, log.NewNop())
	return &testServer{Server: srv, store: store, orch: orch}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessFailure(t *testing.T) {
	t.Parallel()
	h := NewHealthHandler(func(context.Context) error { return errors.New("db down") }, log.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSessionCRUD(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)
	handler := s.Handler()

	// Create.
	body := `{"id": "s1", "title": "Test session"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created chat.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "s1", created.ID)
	assert.Equal(t, "Test session", created.Title)

	// Get.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// List.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []chat.Session `json:"sessions"`
		Total    int            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)

	// Delete, then Get returns 404.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)
	handler := s.Handler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"title too long", `{"title": "` + strings.Repeat("x", 200) + `"}`, http.StatusBadRequest},
		{"empty body ok", `{}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSessionMessagesEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)
	handler := s.Handler()

	ctx := context.Background()
	_, err := s.store.CreateSession(ctx, "s1", "t", "")
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := s.store.AppendMessage(ctx, chat.NewMessage("s1", chat.RoleUser, content))
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages?limit=2&offset=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "two", resp.Messages[0].Content)
	assert.Equal(t, "three", resp.Messages[1].Content)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/unknown/messages", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncChat(t *testing.T) {
	t.Parallel()
	fake := &provider.Fake{Scripts: []provider.Script{
		{Chunks: []string{"synchronous ", "reply"}, Usage: provider.Usage{PromptTokens: 5, CompletionTokens: 2}},
	}}
	s := newTestServer(t, fake, nil)

	body := `{"session_id": "s1", "message": "hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "synchronous reply", resp.Response)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)

	// Both sides of the turn are persisted.
	msgs, err := s.store.Messages(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
}

func TestSyncChatValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id": "s1", "message": "  "}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, chat.KindValidation, resp.Kind)
}

func TestSyncChatProviderError(t *testing.T) {
	t.Parallel()
	fake := &provider.Fake{Scripts: []provider.Script{
		{Err: &provider.Error{Provider: "fake", Kind: provider.KindAuth, Err: errors.New("bad key")}},
	}}
	s := newTestServer(t, fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id": "s1", "message": "hi"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, chat.KindAuth, resp.Kind)
}

type fakeTranscriber struct{ text string }

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, nil
}

func TestVoiceTranscription(t *testing.T) {
	t.Parallel()
	fake := &provider.Fake{Scripts: []provider.Script{{Chunks: []string{"heard you"}}}}

	var s *testServer
	pool := transcribe.NewPool(1, &fakeTranscriber{text: "spoken words"}, func(ctx context.Context, sessionID, text string) error {
		return s.orch.HandleInbound(ctx, orchestrator.Inbound{SessionID: sessionID, Content: text})
	}, log.NewNop())
	t.Cleanup(pool.Close)
	s = newTestServer(t, fake, pool)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", "s1"))
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	require.NoError(t, err)
	_, err = fw.Write([]byte{0x52, 0x49, 0x46, 0x46})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/voice/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp TranscriptionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "spoken words", resp.Text)
	assert.Equal(t, "s1", resp.SessionID)
}

func TestVoiceWithoutPool(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/voice/transcriptions", strings.NewReader(""))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWSRequiresSessionID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &provider.Fake{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := chain(panicky, recoveryMiddleware(log.NewNop()), loggingMiddleware(log.NewNop()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
