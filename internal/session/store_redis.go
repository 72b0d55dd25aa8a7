package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Key schema:
//   session:{sessionUUID} — hash: client_id, authenticated, subscriptions_json,
//                           created_at, touched_at; key TTL = session TTL,
//                           refreshed on every read and update.

const (
	fieldClientID      = "client_id"
	fieldAuthenticated = "authenticated"
	fieldSubscriptions = "subscriptions_json"
	fieldCreatedAt     = "created_at"
	fieldTouchedAt     = "touched_at"
)

func sessionKey(id uuid.UUID) string {
	return "session:" + id.String()
}

// RedisStore persists sessions as Redis hashes so they survive a process
// restart. TTL expiry is delegated to Redis key expiration.
type RedisStore struct {
	rdb   *redis.Client
	clock clockwork.Clock
	ttl   time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store with the given inactivity TTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, clock clockwork.Clock) *RedisStore {
	return &RedisStore{rdb: rdb, clock: clock, ttl: ttl}
}

// Create allocates a fresh session for the client.
func (s *RedisStore) Create(ctx context.Context, clientID string) (Session, error) {
	now := s.clock.Now()
	sess := Session{
		ID:          uuid.New(),
		ClientID:    clientID,
		CreatedAt:   now,
		LastTouched: now,
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(sess.ID), map[string]any{
		fieldClientID:      clientID,
		fieldAuthenticated: "0",
		fieldSubscriptions: "[]",
		fieldCreatedAt:     strconv.FormatInt(now.UnixMilli(), 10),
		fieldTouchedAt:     strconv.FormatInt(now.UnixMilli(), 10),
	})
	pipe.Expire(ctx, sessionKey(sess.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get looks up a session and refreshes its TTL. An expired key is simply
// absent, so TTL expiry needs no sweep here.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (Session, bool, error) {
	key := sessionKey(id)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return Session{}, false, nil
	}

	sess := Session{ID: id, ClientID: fields[fieldClientID]}
	sess.Authenticated = fields[fieldAuthenticated] == "1"
	if ms, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields[fieldTouchedAt], 10, 64); err == nil {
		sess.LastTouched = time.UnixMilli(ms)
	}
	if raw := fields[fieldSubscriptions]; raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &sess.Subscriptions); err != nil {
			return Session{}, false, fmt.Errorf("decode subscriptions: %w", err)
		}
	}

	now := s.clock.Now()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fieldTouchedAt, strconv.FormatInt(now.UnixMilli(), 10))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, false, fmt.Errorf("touch session: %w", err)
	}
	return sess, true, nil
}

// Update writes the disconnect snapshot back onto the session.
func (s *RedisStore) Update(ctx context.Context, id uuid.UUID, snap Snapshot) error {
	subsJSON, err := json.Marshal(snap.Subscriptions)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}

	authenticated := "0"
	if snap.Authenticated {
		authenticated = "1"
	}

	key := sessionKey(id)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldAuthenticated: authenticated,
		fieldSubscriptions: string(subsJSON),
		fieldTouchedAt:     strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Delete removes a session. Idempotent.
func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx, sessionKey(id)).Err()
}

// Len counts stored sessions by scanning the key space. Used only by the
// stats endpoint, so the full scan cost is acceptable.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "session:*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
