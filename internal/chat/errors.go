package chat

import "errors"

// Sentinel errors for the orchestration pipeline. Callers check these with
// errors.Is; the API layer maps them to wire kinds via KindOf.
var (
	// ErrEmptyContent indicates the input is empty after trimming.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong indicates the input exceeds MaxContentRunes.
	ErrContentTooLong = errors.New("message content too long")

	// ErrSessionBusy indicates the per-session queue is full.
	ErrSessionBusy = errors.New("session queue is full")

	// ErrStorageUnavailable indicates the history store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrContextBuild indicates context assembly failed before any
	// provider call was made.
	ErrContextBuild = errors.New("context assembly failed")

	// ErrGenerationTimeout indicates the generation exceeded its wall-clock budget.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrCancelled indicates the in-flight generation was cancelled on request.
	ErrCancelled = errors.New("generation cancelled")
)

// Wire-level error kinds. These are part of the client protocol and must
// stay stable across releases.
const (
	KindValidation         = "validation_error"
	KindStorageUnavailable = "storage_unavailable"
	KindProvider           = "provider_error"
	KindRateLimited        = "rate_limited"
	KindAuth               = "auth_error"
	KindInvalidRequest     = "invalid_request"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
)

// KindOf maps an error to its wire kind. Unknown errors map to
// KindProvider so internal detail never leaks to clients.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLong),
		errors.Is(err, ErrSessionBusy):
		return KindValidation
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrGenerationTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindProvider
	}
}
