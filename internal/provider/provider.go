// Package provider abstracts LLM backends behind a small streaming
// interface. Adapters translate the assembled context into provider API
// calls and surface failures as classified *Error values so the
// orchestrator can decide what is retryable.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/chat"
)

// Config carries the generation parameters for one call.
type Config struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// Usage reports token consumption as returned by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Result is the outcome of a completed generation.
type Result struct {
	Content string
	Usage   Usage
}

// StreamFunc receives each text fragment as it arrives. Returning an
// error aborts the stream; the adapter surfaces that error unchanged.
type StreamFunc func(fragment string) error

// Adapter is one LLM backend.
//
// GenerateStream invokes fn once per fragment and returns the final
// result; the concatenation of all fragments equals Result.Content.
type Adapter interface {
	Name() string
	GenerateStream(ctx context.Context, items []chat.ContextItem, cfg Config, fn StreamFunc) (*Result, error)
	Generate(ctx context.Context, items []chat.ContextItem, cfg Config) (*Result, error)
}

// Kind classifies a provider failure for retry decisions.
type Kind int

const (
	// KindTransient covers server-side and network failures worth retrying.
	KindTransient Kind = iota
	// KindRateLimited is retryable after backoff.
	KindRateLimited
	// KindAuth is a credential problem; never retried.
	KindAuth
	// KindInvalidRequest is a malformed call; never retried.
	KindInvalidRequest
)

// String returns the wire-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Retryable reports whether calls failing with this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WireKind maps a provider error to the stable wire-level kind.
func (e *Error) WireKind() string {
	switch e.Kind {
	case KindRateLimited:
		return chat.KindRateLimited
	case KindAuth:
		return chat.KindAuth
	case KindInvalidRequest:
		return chat.KindInvalidRequest
	default:
		return chat.KindProvider
	}
}

// Retryable reports whether err is a retryable provider failure.
// Non-*Error values are treated as transient, matching the conservative
// default for unclassified network errors.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	return err != nil
}
