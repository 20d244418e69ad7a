package config

import "fmt"

// Validate performs range checks on all configuration values.
// Returns the first violation wrapped around its sentinel error.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidProvider, c.Provider, ProviderOpenAI, ProviderGemini)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (expected 0-2)", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 128000 {
		return fmt.Errorf("%w: %d (expected 1-128000)", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.GenerationTimeoutSec < 1 {
		return fmt.Errorf("%w: generation_timeout_sec=%d", ErrInvalidTimeout, c.GenerationTimeoutSec)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%w: max_retries=%d (expected 0-10)", ErrInvalidRetries, c.MaxRetries)
	}

	if c.QueueDepth < 1 {
		return fmt.Errorf("%w: queue_depth=%d", ErrInvalidRetries, c.QueueDepth)
	}

	if c.MemoryTopK < 1 || c.MemoryTopK > 50 {
		return fmt.Errorf("%w: memory_top_k=%d (expected 1-50)", ErrInvalidTopK, c.MemoryTopK)
	}

	switch c.HistoryBackend {
	case BackendMemory:
	case BackendFile, BackendBadger:
		if c.HistoryDir == "" {
			return fmt.Errorf("%w: history_dir required for %q backend",
				ErrInvalidHistoryBackend, c.HistoryBackend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is empty", ErrInvalidRedis)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidHistoryBackend, c.HistoryBackend)
	}

	if c.MemoryEnabled() {
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidPostgres, c.PostgresPort)
		}
		if c.PostgresUser == "" || c.PostgresDBName == "" {
			return fmt.Errorf("%w: user and db name are required", ErrInvalidPostgres)
		}
		if c.EmbedderDimension < 1 || c.EmbedderDimension > 4096 {
			return fmt.Errorf("%w: embedder_dimension=%d", ErrInvalidPostgres, c.EmbedderDimension)
		}
	}

	return nil
}

// ValidateServe performs the additional checks needed before starting the
// gateway: the selected provider must have an API key.
func (c *Config) ValidateServe() error {
	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrMissingAPIKey)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMissingAPIKey)
		}
	}
	if c.MemoryEnabled() && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: vector memory requires OPENAI_API_KEY for embeddings", ErrMissingAPIKey)
	}
	return nil
}
