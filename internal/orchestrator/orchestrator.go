// Package orchestrator drives the chat generation cycle: it validates
// and queues inbound messages, persists them, assembles the model
// context, streams the provider response to subscribers, and records
// long-term memory after each completed turn.
//
// Each session has a FIFO queue with at most one generation in flight,
// so concurrent sends to the same session never interleave.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
)

// ErrClosed is returned for inbound work after Close.
var ErrClosed = errors.New("orchestrator closed")

// Default generation cycle settings.
const (
	DefaultQueueDepth        = 32
	DefaultGenerationTimeout = 30 * time.Second
	memoryWriteTimeout       = 15 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	QueueDepth        int
	GenerationTimeout time.Duration
	Retry             RetryConfig
	Breaker           CircuitBreakerConfig
	Generation        provider.Config // model parameters; SystemPrompt comes from the assembler

	// RequestsPerSecond caps provider attempts globally. Zero disables.
	RequestsPerSecond float64
	Burst             int
}

// Inbound is one chat message from a client.
type Inbound struct {
	SessionID string
	Content   string
	// Provider optionally overrides the session's provider for this turn.
	Provider string
}

type job struct {
	msg          chat.Message
	providerName string
}

type sessionState struct {
	queue chan job

	mu     sync.Mutex
	cancel context.CancelCauseFunc // in-flight generation, nil when idle
}

func (st *sessionState) setCancel(cancel context.CancelCauseFunc) {
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
}

// Orchestrator coordinates the full message-to-response cycle.
type Orchestrator struct {
	store     session.Store
	assembler *prompt.Assembler
	providers *provider.Registry
	events    *hub.Hub
	memory    memory.Searcher // optional
	logger    log.Logger

	cfg     Config
	retry   RetryConfig
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	breakerMu  sync.Mutex
	breakers   map[string]*CircuitBreaker
	breakerCfg CircuitBreakerConfig

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	workerWG sync.WaitGroup
	bgWG     sync.WaitGroup
}

// New creates an orchestrator. searcher may be nil to disable long-term
// memory.
func New(
	store session.Store,
	assembler *prompt.Assembler,
	providers *provider.Registry,
	events *hub.Hub,
	searcher memory.Searcher,
	cfg Config,
	logger log.Logger,
) *Orchestrator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	retry := cfg.Retry
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultRetryConfig().MaxInterval
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		assembler:  assembler,
		providers:  providers,
		events:     events,
		memory:     searcher,
		logger:     logger,
		cfg:        cfg,
		retry:      retry,
		limiter:    limiter,
		sleep:      sleepContext,
		breakers:   make(map[string]*CircuitBreaker),
		breakerCfg: cfg.Breaker,
		sessions:   make(map[string]*sessionState),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

// HandleInbound validates and enqueues a chat message. The generation
// cycle runs asynchronously; results arrive through the hub. The
// returned error mirrors the error event already broadcast.
func (o *Orchestrator) HandleInbound(_ context.Context, in Inbound) error {
	content, err := chat.ValidateContent(in.Content)
	if err != nil {
		o.events.Broadcast(chat.ErrorEvent(in.SessionID, chat.KindValidation, err.Error()))
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	st, ok := o.sessions[in.SessionID]
	if !ok {
		st = &sessionState{queue: make(chan job, o.cfg.QueueDepth)}
		o.sessions[in.SessionID] = st
		o.workerWG.Add(1)
		go o.worker(st)
	}

	j := job{
		msg:          chat.NewMessage(in.SessionID, chat.RoleUser, content),
		providerName: in.Provider,
	}
	select {
	case st.queue <- j:
		return nil
	default:
		o.events.Broadcast(chat.ErrorEvent(in.SessionID, chat.KindValidation, chat.ErrSessionBusy.Error()))
		return chat.ErrSessionBusy
	}
}

// HandleFeedback records a score on an assistant message and broadcasts
// an acknowledgement.
func (o *Orchestrator) HandleFeedback(ctx context.Context, sessionID string, messageID uuid.UUID, score string) error {
	if score != chat.FeedbackGood && score != chat.FeedbackBad {
		err := errors.New(`feedback score must be "good" or "bad"`)
		o.events.Broadcast(chat.ErrorEvent(sessionID, chat.KindValidation, err.Error()))
		return err
	}
	err := o.store.SetMessageMetadata(ctx, sessionID, messageID, "feedback", score)
	switch {
	case errors.Is(err, session.ErrNotFound):
		o.events.Broadcast(chat.ErrorEvent(sessionID, chat.KindValidation, "unknown message"))
		return err
	case err != nil:
		o.events.Broadcast(chat.ErrorEvent(sessionID, chat.KindStorageUnavailable, safeMessage(chat.KindStorageUnavailable, err)))
		return err
	}
	o.events.Broadcast(chat.FeedbackAckEvent(sessionID, messageID, score))
	return nil
}

// Cancel aborts the session's in-flight generation, if any. Queued
// messages are unaffected. Reports whether a generation was cancelled.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	st := o.sessions[sessionID]
	o.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel == nil {
		return false
	}
	st.cancel(chat.ErrCancelled)
	return true
}

// Close stops accepting work, drains the queues, and waits for
// background memory writes. When ctx expires first, in-flight
// generations are cancelled before waiting again.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, st := range o.sessions {
		close(st.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.workerWG.Wait()
		o.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.bgCancel()
		return nil
	case <-ctx.Done():
		o.bgCancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) worker(st *sessionState) {
	defer o.workerWG.Done()
	for j := range st.queue {
		o.runCycle(st, j)
	}
}

// runCycle executes one full generation turn.
func (o *Orchestrator) runCycle(st *sessionState, j job) {
	base, cancel := context.WithCancelCause(o.bgCtx)
	ctx, timeoutCancel := context.WithTimeout(base, o.cfg.GenerationTimeout)
	st.setCancel(cancel)
	defer func() {
		st.setCancel(nil)
		timeoutCancel()
		cancel(nil)
	}()

	sessionID := j.msg.SessionID
	o.events.Broadcast(chat.TypingEvent(sessionID, true))
	defer o.events.Broadcast(chat.TypingEvent(sessionID, false))

	sess, err := o.store.EnsureSession(ctx, sessionID)
	if err != nil {
		o.fail(sessionID, fmt.Errorf("%w: %w", chat.ErrStorageUnavailable, err))
		return
	}

	// The user message must be durable before any provider call.
	userMsg, err := o.store.AppendMessage(ctx, j.msg)
	if err != nil {
		o.fail(sessionID, fmt.Errorf("%w: %w", chat.ErrStorageUnavailable, err))
		return
	}
	o.events.Broadcast(chat.NewMessageEvent(userMsg))

	built, err := o.assembler.Build(ctx, sessionID, userMsg)
	if err != nil {
		o.fail(sessionID, err)
		return
	}

	name := j.providerName
	if name == "" {
		name = sess.Provider
	}
	adapter, err := o.providers.Get(name)
	if err != nil {
		o.fail(sessionID, err)
		return
	}

	assistant := chat.NewMessage(sessionID, chat.RoleAssistant, "")
	seq := 0
	fn := func(fragment string) error {
		o.events.Broadcast(chat.ChunkEvent(sessionID, assistant.ID, seq, fragment))
		seq++
		return nil
	}

	gcfg := o.cfg.Generation
	gcfg.SystemPrompt = built.SystemPrompt
	result, err := o.generateWithRetry(ctx, adapter, built.Items, gcfg, fn)
	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, chat.ErrCancelled):
			err = chat.ErrCancelled
		case errors.Is(cause, context.DeadlineExceeded):
			err = chat.ErrGenerationTimeout
		}
		o.fail(sessionID, err)
		return
	}

	assistant.Content = result.Content
	if _, perr := o.store.AppendMessage(ctx, assistant); perr != nil {
		// The client already has the full content; prefer delivering the
		// stream end over failing the whole turn.
		o.logger.Warn("assistant message not persisted",
			"session_id", sessionID,
			"message_id", assistant.ID,
			"error", perr,
		)
	}
	usage := chat.Usage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}
	o.events.Broadcast(chat.EndEvent(sessionID, assistant.ID, result.Content, &usage))

	if o.memory != nil {
		o.bgWG.Add(1)
		go o.recordMemory(sessionID, userMsg.Content, result.Content)
	}
}

// recordMemory stores the exchange in long-term memory. Runs detached
// from the request so a slow vector store never delays the stream.
func (o *Orchestrator) recordMemory(sessionID, userContent, reply string) {
	defer o.bgWG.Done()
	ctx, cancel := context.WithTimeout(o.bgCtx, memoryWriteTimeout)
	defer cancel()

	for _, content := range []string{userContent, reply} {
		if content == "" {
			continue
		}
		if err := o.memory.Add(ctx, sessionID, content); err != nil {
			o.logger.Warn("memory write failed",
				"session_id", sessionID,
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) fail(sessionID string, err error) {
	kind := wireKind(err)
	o.logger.Error("generation cycle failed",
		"session_id", sessionID,
		"kind", kind,
		"error", err,
	)
	o.events.Broadcast(chat.ErrorEvent(sessionID, kind, safeMessage(kind, err)))
}

// wireKind maps internal failures to stable wire-level kinds.
func wireKind(err error) string {
	var pe *provider.Error
	switch {
	case errors.As(err, &pe):
		return pe.WireKind()
	case errors.Is(err, session.ErrUnavailable):
		return chat.KindStorageUnavailable
	case errors.Is(err, provider.ErrUnknownProvider):
		return chat.KindInvalidRequest
	case errors.Is(err, ErrCircuitOpen):
		return chat.KindProvider
	default:
		return chat.KindOf(err)
	}
}

// safeMessage returns client-facing text for an error event. Validation
// failures carry their own message; everything else gets a generic
// phrase so internals never leak.
func safeMessage(kind string, err error) string {
	switch kind {
	case chat.KindValidation:
		return err.Error()
	case chat.KindStorageUnavailable:
		return "conversation storage is temporarily unavailable"
	case chat.KindRateLimited:
		return "rate limited, try again shortly"
	case chat.KindAuth:
		return "provider authentication failed"
	case chat.KindInvalidRequest:
		return "the request was rejected by the provider"
	case chat.KindTimeout:
		return "generation timed out"
	case chat.KindCancelled:
		return "generation cancelled"
	default:
		return "the model provider failed to respond"
	}
}
