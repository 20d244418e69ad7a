// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (PARLEY_* plus provider API keys)
//  2. Config file (~/.parley/config.yaml, or ./config.yaml)
//  3. Defaults
//
// Validation is fail-fast: Load returns an error built from the sentinel
// errors below, checkable with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidProvider indicates the configured provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature is out of [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidHistoryBackend indicates an unknown history backend name.
	ErrInvalidHistoryBackend = errors.New("invalid history backend")

	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidRetries indicates a negative retry count.
	ErrInvalidRetries = errors.New("invalid retry count")

	// ErrInvalidTopK indicates the memory search top-K is out of range.
	ErrInvalidTopK = errors.New("invalid memory top k")

	// ErrInvalidPostgres indicates an incomplete PostgreSQL configuration.
	ErrInvalidPostgres = errors.New("invalid postgres configuration")

	// ErrInvalidRedis indicates an incomplete Redis configuration.
	ErrInvalidRedis = errors.New("invalid redis configuration")

	// ErrMissingAPIKey indicates the selected provider has no API key set.
	ErrMissingAPIKey = errors.New("missing API key")
)

// Provider identifiers used in Config.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// History backend identifiers used in Config.HistoryBackend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config stores the application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON.
type Config struct {
	// Provider and model selection.
	Provider     string  `mapstructure:"provider" json:"provider"`
	ModelName    string  `mapstructure:"model_name" json:"model_name"`
	Temperature  float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`
	SystemPrompt string  `mapstructure:"system_prompt" json:"system_prompt"`

	// Generation pipeline limits.
	GenerationTimeoutSec int `mapstructure:"generation_timeout_sec" json:"generation_timeout_sec"`
	MaxRetries           int `mapstructure:"max_retries" json:"max_retries"`
	QueueDepth           int `mapstructure:"queue_depth" json:"queue_depth"`

	// Context assembly.
	MaxHistoryMessages int `mapstructure:"max_history_messages" json:"max_history_messages"`
	HistoryTokenBudget int `mapstructure:"history_token_budget" json:"history_token_budget"`
	MemoryTopK         int `mapstructure:"memory_top_k" json:"memory_top_k"`

	// Conversation history backend: "memory", "file", "badger", or "redis".
	HistoryBackend string `mapstructure:"history_backend" json:"history_backend"`
	HistoryDir     string `mapstructure:"history_dir" json:"history_dir"` // file and badger backends

	// Redis (history_backend=redis).
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`

	// PostgreSQL + pgvector long-term memory. Empty host disables the
	// vector memory layer entirely.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedder for vector memory.
	EmbedderModel     string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDimension int    `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// API keys, read from the environment only.
	OpenAIAPIKey string `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE
	GeminiAPIKey string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE

	// HTTP server.
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	// Voice transcription worker pool size. 0 disables the endpoint.
	TranscribeWorkers int `mapstructure:"transcribe_workers" json:"transcribe_workers"`

	// Rate limiting of provider calls (requests per second, 0 = unlimited).
	ProviderRPS   float64 `mapstructure:"provider_rps" json:"provider_rps"`
	ProviderBurst int     `mapstructure:"provider_burst" json:"provider_burst"`
}

// Load loads configuration with priority: env > config file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model_name", "gpt-4o-mini")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("system_prompt", "You are a helpful assistant.")

	v.SetDefault("generation_timeout_sec", 30)
	v.SetDefault("max_retries", 3)
	v.SetDefault("queue_depth", 32)

	v.SetDefault("max_history_messages", 50)
	v.SetDefault("history_token_budget", 8000)
	v.SetDefault("memory_top_k", 4)

	v.SetDefault("history_backend", BackendMemory)
	v.SetDefault("history_dir", filepath.Join("data", "history"))

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_db_name", "parley")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("embedder_model", "text-embedding-3-small")
	v.SetDefault("embedder_dimension", 1536)

	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})

	v.SetDefault("transcribe_workers", 2)

	v.SetDefault("provider_rps", 0.0)
	v.SetDefault("provider_burst", 1)
}

// bindEnvVariables binds environment overrides. Hardcoded keys cannot fail
// to bind; a bind error here is a bug, hence the panic.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "PARLEY_PROVIDER")
	mustBind("model_name", "PARLEY_MODEL_NAME")
	mustBind("listen_addr", "PARLEY_LISTEN_ADDR")
	mustBind("history_backend", "PARLEY_HISTORY_BACKEND")
	mustBind("cors_origins", "PARLEY_CORS_ORIGINS")

	mustBind("redis_addr", "PARLEY_REDIS_ADDR")
	mustBind("redis_password", "PARLEY_REDIS_PASSWORD")

	mustBind("postgres_host", "PARLEY_POSTGRES_HOST")
	mustBind("postgres_password", "PARLEY_POSTGRES_PASSWORD")

	mustBind("openai_api_key", "OPENAI_API_KEY")
	mustBind("gemini_api_key", "GEMINI_API_KEY")
}

// ConnString returns the pgx connection string for the memory store.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}

// MemoryEnabled reports whether the vector memory layer is configured.
func (c *Config) MemoryEnabled() bool {
	return c.PostgresHost != ""
}

const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked to prevent substring matching; longer ones keep two characters
// on each end for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields. When adding a new secret field,
// update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.RedisPassword = maskSecret(a.RedisPassword)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so secrets never print accidentally.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
