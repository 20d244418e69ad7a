// Package app wires the application together: configuration in,
// a running set of components out. Every other package stays free of
// construction order knowledge.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transcribe"
)

// App holds the wired application components.
type App struct {
	Config       *config.Config
	Store        session.Store
	Memory       memory.Searcher // nil when vector memory is disabled
	Providers    *provider.Registry
	Events       *hub.Hub
	Orchestrator *orchestrator.Orchestrator
	Transcribe   *transcribe.Pool // nil when voice is disabled
	DBPool       *pgxpool.Pool    // nil when vector memory is disabled

	logger log.Logger
}

// Setup builds the application from configuration. Callers own the
// returned App and must Close it.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	a := &App{Config: cfg, Store: store, logger: logger}

	if cfg.MemoryEnabled() {
		if err := a.setupMemory(ctx, cfg, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	registry, err := newProviders(ctx, cfg)
	if err != nil {
		_ = a.closeStorage()
		return nil, err
	}
	a.Providers = registry
	a.Events = hub.New(logger.With("component", "hub"))

	assembler := prompt.NewAssembler(store, a.Memory, prompt.Options{
		SystemPrompt:       cfg.SystemPrompt,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		HistoryTokenBudget: cfg.HistoryTokenBudget,
		MemoryTopK:         cfg.MemoryTopK,
	}, logger.With("component", "prompt"))

	a.Orchestrator = orchestrator.New(store, assembler, registry, a.Events, a.Memory, orchestrator.Config{
		QueueDepth:        cfg.QueueDepth,
		GenerationTimeout: time.Duration(cfg.GenerationTimeoutSec) * time.Second,
		Retry: orchestrator.RetryConfig{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: orchestrator.DefaultRetryConfig().InitialInterval,
			MaxInterval:     orchestrator.DefaultRetryConfig().MaxInterval,
		},
		Generation: provider.Config{
			Model:       cfg.ModelName,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
		RequestsPerSecond: cfg.ProviderRPS,
		Burst:             cfg.ProviderBurst,
	}, logger.With("component", "orchestrator"))

	if cfg.TranscribeWorkers > 0 && cfg.OpenAIAPIKey != "" {
		whisper := transcribe.NewWhisper(cfg.OpenAIAPIKey, "", "")
		a.Transcribe = transcribe.NewPool(cfg.TranscribeWorkers, whisper,
			func(ctx context.Context, sessionID, text string) error {
				return a.Orchestrator.HandleInbound(ctx, orchestrator.Inbound{
					SessionID: sessionID,
					Content:   text,
				})
			}, logger.With("component", "transcribe"))
	}

	logger.Info("application ready",
		"history_backend", cfg.HistoryBackend,
		"memory_enabled", cfg.MemoryEnabled(),
		"providers", registry.Names(),
		"voice_enabled", a.Transcribe != nil,
	)
	return a, nil
}

// Ready reports whether downstream dependencies respond. Used by the
// readiness probe.
func (a *App) Ready(ctx context.Context) error {
	if a.DBPool != nil {
		if err := a.DBPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() error {
	a.logger.Info("shutting down application")

	if a.Transcribe != nil {
		a.Transcribe.Close()
	}
	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Orchestrator.Close(ctx); err != nil {
			a.logger.Warn("orchestrator shutdown incomplete", "error", err)
		}
	}
	return a.closeStorage()
}

func (a *App) closeStorage() error {
	var firstErr error
	if a.Memory != nil {
		if err := a.Memory.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newStore selects the conversation history backend.
func newStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.HistoryBackend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendFile:
		return session.NewFileStore(cfg.HistoryDir)
	case config.BackendBadger:
		return session.NewBadgerStore(session.BadgerOptions{Dir: cfg.HistoryDir})
	case config.BackendRedis:
		return session.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidHistoryBackend, cfg.HistoryBackend)
	}
}

// setupMemory migrates the schema and connects the pgvector store.
func (a *App) setupMemory(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	connStr := cfg.ConnString()
	if err := db.Migrate(connStr, logger); err != nil {
		return fmt.Errorf("migrating memory schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging postgres: %w", err)
	}

	embedder := memory.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "", cfg.EmbedderModel, cfg.EmbedderDimension)
	store, err := memory.NewStore(pool, embedder, logger.With("component", "memory"))
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating memory store: %w", err)
	}

	a.DBPool = pool
	a.Memory = store
	return nil
}

// newProviders registers every adapter with a configured API key and
// makes cfg.Provider the default.
func newProviders(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.OpenAIAPIKey != "" {
		registry.Register(provider.NewOpenAI(cfg.OpenAIAPIKey, ""))
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := provider.NewGemini(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("creating gemini adapter: %w", err)
		}
		registry.Register(gemini)
	}
	if len(registry.Names()) == 0 {
		return nil, config.ErrMissingAPIKey
	}
	if err := registry.SetDefault(cfg.Provider); err != nil {
		return nil, fmt.Errorf("%w: no API key for configured provider %q", config.ErrMissingAPIKey, cfg.Provider)
	}
	return registry, nil
}
