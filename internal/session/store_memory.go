package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps sessions in a mutex-guarded map. Expiry is lazy on read
// plus a periodic SweepExpired pass driven by the owner.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	sessions map[uuid.UUID]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store with the given inactivity TTL.
func NewMemoryStore(ttl time.Duration, clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Create allocates a fresh session for the client.
func (s *MemoryStore) Create(_ context.Context, clientID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sess := &Session{
		ID:          uuid.New(),
		ClientID:    clientID,
		CreatedAt:   now,
		LastTouched: now,
	}
	s.sessions[sess.ID] = sess
	return *sess, nil
}

// Get looks up a session, expiring it lazily if its TTL has lapsed.
// A successful read refreshes the TTL.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, nil
	}

	now := s.clock.Now()
	if now.Sub(sess.LastTouched) > s.ttl {
		delete(s.sessions, id)
		return Session{}, false, nil
	}

	sess.LastTouched = now
	return *sess, true, nil
}

// Update writes the disconnect snapshot back onto the session.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.Authenticated = snap.Authenticated
	sess.Subscriptions = snap.Subscriptions
	sess.LastTouched = s.clock.Now()
	return nil
}

// Delete removes a session. Idempotent.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}

// SweepExpired drops every session untouched beyond the TTL and returns
// how many were removed.
func (s *MemoryStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastTouched) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
