package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
)

// MemoryStore is an in-process Store. It backs tests and single-node
// deployments that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, id, title, provider string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = sessionID(id)
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}

	now := time.Now().UTC()
	sess := chat.Session{
		ID:        id,
		Title:     title,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *MemoryStore) EnsureSession(ctx context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return s.CreateSession(ctx, id, "", "")
}

func (s *MemoryStore) Session(_ context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Sessions(_ context.Context, limit, offset int) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = normalizeLimit(limit)
	all := make([]chat.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset >= len(all) {
		return []chat.Session{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		now := time.Now().UTC()
		sess = chat.Session{ID: msg.SessionID, CreatedAt: now}
	}

	msg.SequenceNumber = len(s.messages[msg.SessionID])
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)

	sess.MessageCount++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[msg.SessionID] = sess

	return msg, nil
}

func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	limit = normalizeLimit(limit)
	start := max(len(msgs)-limit, 0)

	out := make([]chat.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

func (s *MemoryStore) Messages(_ context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	limit = normalizeLimit(limit)
	if offset >= len(msgs) {
		return []chat.Message{}, nil
	}
	end := min(offset+limit, len(msgs))

	out := make([]chat.Message, end-offset)
	copy(out, msgs[offset:end])
	return out, nil
}

func (s *MemoryStore) SetMessageMetadata(_ context.Context, sessionID string, messageID uuid.UUID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Metadata == nil {
				msgs[i].Metadata = make(map[string]string)
			}
			msgs[i].Metadata[key] = value
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }
