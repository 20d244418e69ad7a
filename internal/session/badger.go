package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/chat"
)

// BadgerStore is a Store backed by BadgerDB v4. It is the embedded option
// for single-node deployments that need durability without an external
// service.
//
// Key layout:
//
//	sess:<id>            session JSON
//	msg:<id>:<seq%012d>  message JSON, zero-padded so byte order is seq order
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for data files. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence. Test use.
	InMemory bool
}

// NewBadgerStore opens (or creates) the badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("session: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger: %v", ErrUnavailable, err)
	}
	return &BadgerStore{db: db}, nil
}

func sessKey(id string) []byte { return []byte("sess:" + id) }

func msgKey(sessionID string, seq int) []byte {
	return fmt.Appendf(nil, "msg:%s:%012d", sessionID, seq)
}

func msgPrefix(sessionID string) []byte {
	return []byte("msg:" + sessionID + ":")
}

// getSession reads and decodes a session inside txn.
func getSession(txn *badger.Txn, id string) (chat.Session, error) {
	item, err := txn.Get(sessKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.Session{}, ErrNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sess chat.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	}); err != nil {
		return chat.Session{}, fmt.Errorf("%w: decoding session: %v", ErrUnavailable, err)
	}
	return sess, nil
}

func putSession(txn *badger.Txn, sess chat.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return txn.Set(sessKey(sess.ID), data)
}

func (s *BadgerStore) CreateSession(_ context.Context, id, title, provider string) (chat.Session, error) {
	id = sessionID(id)
	var sess chat.Session
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getSession(txn, id)
		if err == nil {
			sess = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		sess = chat.Session{ID: id, Title: title, Provider: provider, CreatedAt: now, UpdatedAt: now}
		return putSession(txn, sess)
	})
	return sess, err
}

func (s *BadgerStore) EnsureSession(ctx context.Context, id string) (chat.Session, error) {
	var sess chat.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = getSession(txn, id)
		return err
	})
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return chat.Session{}, err
	}
	return s.CreateSession(ctx, id, "", "")
}

func (s *BadgerStore) Session(_ context.Context, id string) (chat.Session, error) {
	var sess chat.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = getSession(txn, id)
		return err
	})
	return sess, err
}

func (s *BadgerStore) Sessions(_ context.Context, limit, offset int) ([]chat.Session, error) {
	limit = normalizeLimit(limit)
	var all []chat.Session
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("sess:")
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess chat.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return fmt.Errorf("%w: decoding session: %v", ErrUnavailable, err)
			}
			all = append(all, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
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

func (s *BadgerStore) DeleteSession(_ context.Context, id string) error {
	// Collect message keys first; deleting while iterating invalidates
	// the iterator.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(id)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	if err := wb.Delete(sessKey(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BadgerStore) AppendMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		sess, err := getSession(txn, msg.SessionID)
		if errors.Is(err, ErrNotFound) {
			now := time.Now().UTC()
			sess = chat.Session{ID: msg.SessionID, CreatedAt: now}
		} else if err != nil {
			return err
		}

		msg.SequenceNumber = sess.MessageCount
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		if err := txn.Set(msgKey(msg.SessionID, msg.SequenceNumber), data); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		sess.MessageCount++
		sess.UpdatedAt = time.Now().UTC()
		return putSession(txn, sess)
	})
	return msg, err
}

// readMessages iterates all messages of a session in seq order.
func (s *BadgerStore) readMessages(sessionID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(sessionID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg chat.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("%w: decoding message: %v", ErrUnavailable, err)
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	return msgs, err
}

func (s *BadgerStore) Recent(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	msgs, err := s.readMessages(sessionID)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	start := max(len(msgs)-limit, 0)
	return msgs[start:], nil
}

func (s *BadgerStore) Messages(_ context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	msgs, err := s.readMessages(sessionID)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	if offset >= len(msgs) {
		return []chat.Message{}, nil
	}
	end := min(offset+limit, len(msgs))
	return msgs[offset:end], nil
}

func (s *BadgerStore) SetMessageMetadata(_ context.Context, sessionID string, messageID uuid.UUID, key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := msgPrefix(sessionID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var msg chat.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("%w: decoding message: %v", ErrUnavailable, err)
			}
			if msg.ID != messageID {
				continue
			}
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata[key] = value
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encoding message: %w", err)
			}
			return txn.Set(item.KeyCopy(nil), data)
		}
		return ErrNotFound
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger suppresses badger's info and debug output.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
