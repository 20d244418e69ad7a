// Package session provides conversation history storage.
//
// A Store keeps sessions and their ordered message history. Four backends
// are provided: an in-memory store, a JSON file store with advisory file
// locking, a BadgerDB store, and a Redis store. All of them satisfy the
// same round-trip guarantee: messages read back verbatim, in append order.
package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
)

// Sentinel errors for store operations, checked with errors.Is().
var (
	// ErrNotFound indicates the session or message does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable indicates the backend could not be reached.
	// The orchestrator maps this to the storage_unavailable wire kind.
	ErrUnavailable = errors.New("session store unavailable")
)

// DefaultListLimit bounds Sessions and Messages when the caller passes a
// non-positive limit.
const DefaultListLimit = 100

// Store is the conversation history half of the memory layer.
//
// Implementations must be safe for concurrent use. AppendMessage assigns
// the per-session sequence number and returns the stored message.
type Store interface {
	// CreateSession creates a session. An empty id gets a generated UUID.
	CreateSession(ctx context.Context, id, title, provider string) (chat.Session, error)

	// EnsureSession returns the session, creating it when absent.
	EnsureSession(ctx context.Context, id string) (chat.Session, error)

	// Session returns a session by id, or ErrNotFound.
	Session(ctx context.Context, id string) (chat.Session, error)

	// Sessions lists sessions ordered by most recent activity.
	Sessions(ctx context.Context, limit, offset int) ([]chat.Session, error)

	// DeleteSession removes a session and its messages. Deleting an
	// absent session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage appends a message to its session's history and
	// returns the message with its assigned sequence number.
	AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error)

	// Recent returns the newest limit messages in chronological order.
	Recent(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)

	// Messages returns a page of history, oldest first.
	Messages(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error)

	// SetMessageMetadata records a metadata key on an existing message,
	// e.g. user feedback. Returns ErrNotFound for unknown messages.
	SetMessageMetadata(ctx context.Context, sessionID string, messageID uuid.UUID, key, value string) error

	// Close releases backend resources.
	Close() error
}

// normalizeLimit applies DefaultListLimit for non-positive limits.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// sessionID returns id, or a fresh UUID when empty.
func sessionID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}
