package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/provider"
)

// RetryConfig configures backoff for provider calls.
type RetryConfig struct {
	MaxRetries      int           // retry attempts after the first call
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff cap
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// generateWithRetry calls the adapter with exponential backoff.
//
// Each attempt is rate limited individually so retries cannot dogpile a
// struggling provider. Once the adapter has emitted a chunk the call is
// no longer retried: replaying fragments would corrupt the stream the
// client already received.
func (o *Orchestrator) generateWithRetry(
	ctx context.Context,
	adapter provider.Adapter,
	items []chat.ContextItem,
	cfg provider.Config,
	fn provider.StreamFunc,
) (*provider.Result, error) {
	breaker := o.breakerFor(adapter.Name())
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	var lastErr error
	delay := o.retry.InitialInterval
	emitted := false
	wrapped := func(fragment string) error {
		emitted = true
		return fn(fragment)
	}

	start := time.Now()
	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		res, err := adapter.GenerateStream(ctx, items, cfg, wrapped)
		if err == nil {
			breaker.Success()
			o.logger.Debug("generation succeeded",
				"provider", adapter.Name(),
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil || emitted || !provider.Retryable(err) {
			break
		}
		if attempt == o.retry.MaxRetries {
			break
		}

		o.logger.Debug("retrying generation",
			"provider", adapter.Name(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := o.sleep(ctx, delay); err != nil {
			break
		}
		delay = min(delay*2, o.retry.MaxInterval)
	}

	// Cancellation is not a provider fault; keep it off the breaker.
	if ctx.Err() == nil && !errors.Is(lastErr, context.Canceled) {
		breaker.Failure()
	}
	return nil, lastErr
}

func (o *Orchestrator) breakerFor(name string) *CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	br, ok := o.breakers[name]
	if !ok {
		br = NewCircuitBreaker(o.breakerCfg)
		o.breakers[name] = br
	}
	return br
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
