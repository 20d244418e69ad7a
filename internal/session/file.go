package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
)

// FileStore persists each session as a single JSON document under dir.
// Writes go through a temp file and atomic rename, guarded by an advisory
// file lock so multiple processes sharing the directory cannot interleave
// partial writes.
type FileStore struct {
	dir  string
	lock *flock.Flock

	mu sync.Mutex // serializes writers within this process
}

var _ Store = (*FileStore)(nil)

// sessionDocument is the on-disk layout of one session file.
type sessionDocument struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

var safeName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// fileName maps a session id to its file name. Unsafe ids are hex encoded;
// the real id always lives inside the document.
func (s *FileStore) fileName(id string) string {
	name := id
	if !safeName.MatchString(id) {
		name = hex.EncodeToString([]byte(id))
	}
	return filepath.Join(s.dir, name+".json")
}

// withLock runs fn while holding both the process mutex and the advisory
// file lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: acquiring file lock: %v", ErrUnavailable, err)
	}
	if !locked {
		return fmt.Errorf("%w: file lock not acquired", ErrUnavailable)
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

// readDocument loads a session file. Returns ErrNotFound for missing files.
func (s *FileStore) readDocument(id string) (sessionDocument, error) {
	data, err := os.ReadFile(s.fileName(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sessionDocument{}, ErrNotFound
		}
		return sessionDocument{}, fmt.Errorf("%w: reading session file: %v", ErrUnavailable, err)
	}
	var doc sessionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return sessionDocument{}, fmt.Errorf("%w: decoding session file: %v", ErrUnavailable, err)
	}
	return doc, nil
}

// writeDocument writes via temp file + rename so readers never observe a
// partial document.
func (s *FileStore) writeDocument(doc sessionDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	target := s.fileName(doc.Session.ID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: writing session file: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing session file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%w: replacing session file: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FileStore) CreateSession(ctx context.Context, id, title, provider string) (chat.Session, error) {
	id = sessionID(id)
	var sess chat.Session
	err := s.withLock(ctx, func() error {
		if doc, err := s.readDocument(id); err == nil {
			sess = doc.Session
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		sess = chat.Session{ID: id, Title: title, Provider: provider, CreatedAt: now, UpdatedAt: now}
		return s.writeDocument(sessionDocument{Session: sess})
	})
	return sess, err
}

func (s *FileStore) EnsureSession(ctx context.Context, id string) (chat.Session, error) {
	if doc, err := s.readDocument(id); err == nil {
		return doc.Session, nil
	} else if !errors.Is(err, ErrNotFound) {
		return chat.Session{}, err
	}
	return s.CreateSession(ctx, id, "", "")
}

func (s *FileStore) Session(_ context.Context, id string) (chat.Session, error) {
	doc, err := s.readDocument(id)
	if err != nil {
		return chat.Session{}, err
	}
	return doc.Session, nil
}

func (s *FileStore) Sessions(_ context.Context, limit, offset int) ([]chat.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing session directory: %v", ErrUnavailable, err)
	}

	limit = normalizeLimit(limit)
	var all []chat.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var doc sessionDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		all = append(all, doc.Session)
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

func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	return s.withLock(ctx, func() error {
		if err := os.Remove(s.fileName(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: removing session file: %v", ErrUnavailable, err)
		}
		return nil
	})
}

func (s *FileStore) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	err := s.withLock(ctx, func() error {
		doc, err := s.readDocument(msg.SessionID)
		if errors.Is(err, ErrNotFound) {
			now := time.Now().UTC()
			doc = sessionDocument{Session: chat.Session{ID: msg.SessionID, CreatedAt: now}}
		} else if err != nil {
			return err
		}

		msg.SequenceNumber = len(doc.Messages)
		doc.Messages = append(doc.Messages, msg)
		doc.Session.MessageCount = len(doc.Messages)
		doc.Session.UpdatedAt = time.Now().UTC()
		return s.writeDocument(doc)
	})
	return msg, err
}

func (s *FileStore) Recent(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	doc, err := s.readDocument(sessionID)
	if errors.Is(err, ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	start := max(len(doc.Messages)-limit, 0)
	return doc.Messages[start:], nil
}

func (s *FileStore) Messages(_ context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	doc, err := s.readDocument(sessionID)
	if errors.Is(err, ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	if offset >= len(doc.Messages) {
		return []chat.Message{}, nil
	}
	end := min(offset+limit, len(doc.Messages))
	return doc.Messages[offset:end], nil
}

func (s *FileStore) SetMessageMetadata(ctx context.Context, sessionID string, messageID uuid.UUID, key, value string) error {
	return s.withLock(ctx, func() error {
		doc, err := s.readDocument(sessionID)
		if err != nil {
			return err
		}
		for i := range doc.Messages {
			if doc.Messages[i].ID == messageID {
				if doc.Messages[i].Metadata == nil {
					doc.Messages[i].Metadata = make(map[string]string)
				}
				doc.Messages[i].Metadata[key] = value
				return s.writeDocument(doc)
			}
		}
		return ErrNotFound
	})
}

func (s *FileStore) Close() error { return nil }
