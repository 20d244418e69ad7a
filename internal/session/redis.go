package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/chat"
)

// RedisStore is a Store backed by Redis.
//
// Key layout:
//
//	parley:session:<id>       session JSON
//	parley:message:<uuid>     message JSON
//	parley:history:<id>       sorted set, message IDs scored by sequence number
//	parley:seq:<id>           sequence counter (INCR)
//	parley:sessions           sorted set, session IDs scored by last activity
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func redisSessionKey(id string) string   { return "parley:session:" + id }
func redisMessageKey(id uuid.UUID) string { return "parley:message:" + id.String() }
func redisHistoryKey(id string) string   { return "parley:history:" + id }
func redisSeqKey(id string) string       { return "parley:seq:" + id }

const redisSessionsKey = "parley:sessions"

func (s *RedisStore) saveSession(ctx context.Context, sess chat.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisSessionKey(sess.ID), data, 0)
	pipe.ZAdd(ctx, redisSessionsKey, redis.Z{
		Score:  float64(sess.UpdatedAt.UnixMicro()),
		Member: sess.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CreateSession(ctx context.Context, id, title, provider string) (chat.Session, error) {
	id = sessionID(id)
	if existing, err := s.Session(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return chat.Session{}, err
	}

	now := time.Now().UTC()
	sess := chat.Session{ID: id, Title: title, Provider: provider, CreatedAt: now, UpdatedAt: now}
	if err := s.saveSession(ctx, sess); err != nil {
		return chat.Session{}, err
	}
	return sess, nil
}

func (s *RedisStore) EnsureSession(ctx context.Context, id string) (chat.Session, error) {
	sess, err := s.Session(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return chat.Session{}, err
	}
	return s.CreateSession(ctx, id, "", "")
}

func (s *RedisStore) Session(ctx context.Context, id string) (chat.Session, error) {
	data, err := s.client.Get(ctx, redisSessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return chat.Session{}, ErrNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("%w: get session: %v", ErrUnavailable, err)
	}
	var sess chat.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return chat.Session{}, fmt.Errorf("%w: decode session: %v", ErrUnavailable, err)
	}
	return sess, nil
}

func (s *RedisStore) Sessions(ctx context.Context, limit, offset int) ([]chat.Session, error) {
	limit = normalizeLimit(limit)
	start := int64(offset)
	stop := int64(offset + limit - 1)

	ids, err := s.client.ZRevRange(ctx, redisSessionsKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return []chat.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisSessionKey(id)
	}
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget sessions: %v", ErrUnavailable, err)
	}

	sessions := make([]chat.Session, 0, len(results))
	for _, result := range results {
		str, ok := result.(string)
		if !ok {
			continue // evicted between ZREVRANGE and MGET
		}
		var sess chat.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	ids, err := s.client.ZRange(ctx, redisHistoryKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: read history index: %v", ErrUnavailable, err)
	}

	pipe := s.client.Pipeline()
	for _, msgID := range ids {
		pipe.Del(ctx, "parley:message:"+msgID)
	}
	pipe.Del(ctx, redisHistoryKey(id))
	pipe.Del(ctx, redisSeqKey(id))
	pipe.Del(ctx, redisSessionKey(id))
	pipe.ZRem(ctx, redisSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	sess, err := s.EnsureSession(ctx, msg.SessionID)
	if err != nil {
		return chat.Message{}, err
	}

	seq, err := s.client.Incr(ctx, redisSeqKey(msg.SessionID)).Result()
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: next sequence: %v", ErrUnavailable, err)
	}
	msg.SequenceNumber = int(seq - 1)

	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisMessageKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, redisHistoryKey(msg.SessionID), redis.Z{
		Score:  float64(msg.SequenceNumber),
		Member: msg.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("%w: append message: %v", ErrUnavailable, err)
	}

	sess.MessageCount = msg.SequenceNumber + 1
	sess.UpdatedAt = time.Now().UTC()
	if err := s.saveSession(ctx, sess); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// messagesByRange fetches messages for a ZRANGE result, preserving order.
func (s *RedisStore) messagesByIDs(ctx context.Context, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return []chat.Message{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "parley:message:" + id
	}
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget messages: %v", ErrUnavailable, err)
	}
	msgs := make([]chat.Message, 0, len(results))
	for _, result := range results {
		str, ok := result.(string)
		if !ok {
			continue
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	limit = normalizeLimit(limit)
	ids, err := s.client.ZRange(ctx, redisHistoryKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read history index: %v", ErrUnavailable, err)
	}
	return s.messagesByIDs(ctx, ids)
}

func (s *RedisStore) Messages(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	limit = normalizeLimit(limit)
	start := int64(offset)
	stop := int64(offset + limit - 1)
	ids, err := s.client.ZRange(ctx, redisHistoryKey(sessionID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read history index: %v", ErrUnavailable, err)
	}
	return s.messagesByIDs(ctx, ids)
}

func (s *RedisStore) SetMessageMetadata(ctx context.Context, sessionID string, messageID uuid.UUID, key, value string) error {
	data, err := s.client.Get(ctx, redisMessageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: get message: %v", ErrUnavailable, err)
	}

	var msg chat.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return fmt.Errorf("%w: decode message: %v", ErrUnavailable, err)
	}
	if msg.SessionID != sessionID {
		return ErrNotFound
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[key] = value

	updated, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.client.Set(ctx, redisMessageKey(messageID), updated, 0).Err(); err != nil {
		return fmt.Errorf("%w: update message: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
