package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/signalcast-io/signalcast/internal/signal"
)

// Session is the durable state that survives a single connection's lifetime.
type Session struct {
	ID            uuid.UUID
	ClientID      string
	Authenticated bool
	Subscriptions []signal.Subscription
	CreatedAt     time.Time
	LastTouched   time.Time
}

// Snapshot is the per-connection state written back on disconnect.
type Snapshot struct {
	Authenticated bool
	Subscriptions []signal.Subscription
}

// Store persists sessions with TTL expiry.
//
// Get touches the session, refreshing its TTL. A session whose TTL has
// lapsed is treated as not found.
type Store interface {
	Create(ctx context.Context, clientID string) (Session, error)
	Get(ctx context.Context, id uuid.UUID) (Session, bool, error)
	Update(ctx context.Context, id uuid.UUID, snap Snapshot) error
	Delete(ctx context.Context, id uuid.UUID) error
	Len(ctx context.Context) (int, error)
}
