package chat

import "github.com/google/uuid"

// EventType discriminates stream events on the wire.
type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventChunk       EventType = "stream_chunk"
	EventEnd         EventType = "stream_end"
	EventTyping      EventType = "typing_indicator"
	EventError       EventType = "error"
	EventFeedbackAck EventType = "feedback_ack"
)

// Feedback scores accepted on assistant messages.
const (
	FeedbackGood = "good"
	FeedbackBad  = "bad"
)

// Usage reports token consumption for a completed generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Event is a single outbound stream event. Exactly the fields relevant to
// its Type are populated; everything else stays at the zero value.
//
// For chunk events Seq starts at 0 and increases by 1 per chunk of the
// same MessageID, with no gaps. Concatenating chunk Text in Seq order
// yields exactly the FinalContent of the end event.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// New message events carry the full persisted message.
	Message *Message `json:"message,omitempty"`

	// Chunk / end events.
	MessageID    uuid.UUID `json:"message_id,omitempty"`
	Seq          int       `json:"seq,omitempty"`
	Text         string    `json:"text,omitempty"`
	FinalContent string    `json:"final_content,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`

	// Typing events.
	Typing bool `json:"typing,omitempty"`

	// Error events carry a stable kind plus a safe human-readable message.
	Kind     string `json:"kind,omitempty"`
	ErrorMsg string `json:"error,omitempty"`

	// Feedback acknowledgements. Score is "good" or "bad".
	Score string `json:"score,omitempty"`
}

// NewMessageEvent wraps a freshly persisted message.
func NewMessageEvent(msg Message) Event {
	return Event{Type: EventNewMessage, SessionID: msg.SessionID, Message: &msg}
}

// ChunkEvent builds a stream_chunk event.
func ChunkEvent(sessionID string, messageID uuid.UUID, seq int, text string) Event {
	return Event{Type: EventChunk, SessionID: sessionID, MessageID: messageID, Seq: seq, Text: text}
}

// EndEvent builds a stream_end event.
func EndEvent(sessionID string, messageID uuid.UUID, finalContent string, usage *Usage) Event {
	return Event{Type: EventEnd, SessionID: sessionID, MessageID: messageID, FinalContent: finalContent, Usage: usage}
}

// TypingEvent builds a typing_indicator event.
func TypingEvent(sessionID string, typing bool) Event {
	return Event{Type: EventTyping, SessionID: sessionID, Typing: typing}
}

// ErrorEvent builds an error event with a stable kind.
func ErrorEvent(sessionID, kind, msg string) Event {
	return Event{Type: EventError, SessionID: sessionID, Kind: kind, ErrorMsg: msg}
}

// FeedbackAckEvent acknowledges recorded feedback.
func FeedbackAckEvent(sessionID string, messageID uuid.UUID, score string) Event {
	return Event{Type: EventFeedbackAck, SessionID: sessionID, MessageID: messageID, Score: score}
}
