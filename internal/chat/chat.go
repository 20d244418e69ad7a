// Package chat defines the domain types shared across parley: messages,
// sessions, stream events, and the error taxonomy that maps internal
// failures to stable wire-level kinds.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Content length bounds for user input, in runes after trimming.
const (
	MinContentRunes = 1
	MaxContentRunes = 4000
)

// Message is a single persisted conversation entry. Messages are immutable
// after creation; feedback lands in Metadata via the store, never by
// mutating Content.
type Message struct {
	ID             uuid.UUID         `json:"id"`
	SessionID      string            `json:"session_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
// The sequence number is assigned by the store on append.
func NewMessage(sessionID string, role Role, content string) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Session groups an ordered message history. Provider, when set, overrides
// the globally configured provider for this session only.
type Session struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	MessageCount int               `json:"message_count"`
	Provider     string            `json:"provider,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ContextItem is one entry of the assembled model context, in the order
// it is handed to the provider.
type ContextItem struct {
	Role    Role
	Content string
}

// ValidateContent checks user input against the length bounds.
// Returns the trimmed content on success.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	n := utf8.RuneCountInString(trimmed)
	if n < MinContentRunes {
		return "", ErrEmptyContent
	}
	if n > MaxContentRunes {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}
