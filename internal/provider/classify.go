package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// statusCoder is implemented by SDK errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// classify wraps err as a *Error with the best-guess kind.
//
// Classification prefers typed information (HTTP status codes) and falls
// back to substring matching because provider SDKs do not expose sentinel
// errors for every failure mode.
func classify(providerName string, err error) *Error {
	if err == nil {
		return nil
	}

	kind := KindTransient

	var sc statusCoder
	switch {
	case errors.As(err, &sc):
		kind = kindFromStatus(sc.StatusCode())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Left to the orchestrator's timeout/cancel handling.
		kind = KindTransient
	default:
		kind = kindFromMessage(err.Error())
	}

	return &Error{Provider: providerName, Kind: kind, Err: err}
}

func kindFromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindTransient
	}
}

// errorPatterns groups substrings by kind, matched case-insensitively.
var errorPatterns = []struct {
	kind     Kind
	patterns []string
}{
	{KindRateLimited, []string{"rate limit", "quota exceeded", "429", "resource_exhausted"}},
	{KindAuth, []string{"401", "403", "unauthorized", "permission denied", "invalid api key", "api key not valid"}},
	{KindInvalidRequest, []string{"400", "invalid argument", "invalid request", "context length"}},
}

func kindFromMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(lower, p) {
				return group.kind
			}
		}
	}
	return KindTransient
}
