package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const rateCleanupInterval = 5 * time.Minute

// RejectReason describes why an admission attempt was refused.
type RejectReason string

const (
	RejectNone   RejectReason = ""
	RejectGlobal RejectReason = "global_limit"
	RejectPerIP  RejectReason = "per_ip_limit"
	RejectRate   RejectReason = "rate_limit"
)

// Conn is the registry's record of a live connection.
type Conn struct {
	ID            uuid.UUID
	RemoteAddr    string
	UserAgent     string
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// Config bounds the registry.
type Config struct {
	MaxConnections int
	MaxPerIP       int
	// ConnectionsPerSecond and Burst configure the per-IP token bucket for
	// new connections. Zero disables rate limiting.
	ConnectionsPerSecond float64
	Burst                int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry tracks live connections under a single coarse mutex.
type Registry struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	cfg       Config
	conns     map[uuid.UUID]*Conn
	byIP      map[string]int
	rates     map[string]*rateEntry
	cleanupAt time.Time
}

// New creates an empty registry.
func New(cfg Config, clock clockwork.Clock) *Registry {
	return &Registry{
		clock:     clock,
		cfg:       cfg,
		conns:     make(map[uuid.UUID]*Conn),
		byIP:      make(map[string]int),
		rates:     make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(rateCleanupInterval),
	}
}

// Admit records a new connection if all limits allow it. Rejection is a
// normal outcome, not an error: the caller closes the transport and sends
// a rejection notice. On rejection no state is mutated.
func (r *Registry) Admit(id uuid.UUID, remoteAddr, userAgent string) (bool, RejectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Rate check first: cheapest, and a refused token must not count
	// against the connection caps.
	if !r.allowRate(remoteAddr) {
		return false, RejectRate
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		return false, RejectGlobal
	}
	if r.byIP[remoteAddr] >= r.cfg.MaxPerIP {
		return false, RejectPerIP
	}

	now := r.clock.Now()
	r.conns[id] = &Conn{
		ID:           id,
		RemoteAddr:   remoteAddr,
		UserAgent:    userAgent,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.byIP[remoteAddr]++
	return true, RejectNone
}

// Remove drops a connection. Idempotent: removing an unknown id is a no-op.
// The per-IP entry is deleted when its count reaches zero so the index
// cannot grow without bound.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)

	if count := r.byIP[conn.RemoteAddr]; count > 1 {
		r.byIP[conn.RemoteAddr] = count - 1
	} else {
		delete(r.byIP, conn.RemoteAddr)
	}
}

// Touch refreshes a connection's activity timestamp. Called on every
// inbound command.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.LastActivity = r.clock.Now()
	}
}

// MarkAuthenticated flags a connection as authenticated.
func (r *Registry) MarkAuthenticated(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.Authenticated = true
	}
}

// Get returns a copy of the connection record.
func (r *Registry) Get(id uuid.UUID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	return *conn, true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SweepIdle removes every connection whose last activity is older than
// threshold and returns the evicted ids. The caller is responsible for
// closing the underlying transports.
func (r *Registry) SweepIdle(threshold time.Duration) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var evicted []uuid.UUID
	for id, conn := range r.conns {
		if now.Sub(conn.LastActivity) > threshold {
			evicted = append(evicted, id)
			delete(r.conns, id)
			if count := r.byIP[conn.RemoteAddr]; count > 1 {
				r.byIP[conn.RemoteAddr] = count - 1
			} else {
				delete(r.byIP, conn.RemoteAddr)
			}
		}
	}
	return evicted
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	UniqueIPs     int            `json:"uniqueIps"`
	PerIP         map[string]int `json:"perIp"`
	OldestAge     time.Duration  `json:"oldestAgeMs"`
	NewestAge     time.Duration  `json:"newestAgeMs"`
	AverageAge    time.Duration  `json:"averageAgeMs"`
}

// Stats returns connection counts, the per-IP distribution, and
// oldest/newest/average connection ages.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	stats := Stats{
		Total:     len(r.conns),
		UniqueIPs: len(r.byIP),
		PerIP:     make(map[string]int, len(r.byIP)),
	}
	for ip, count := range r.byIP {
		stats.PerIP[ip] = count
	}

	var totalAge time.Duration
	for _, conn := range r.conns {
		if conn.Authenticated {
			stats.Authenticated++
		}
		age := now.Sub(conn.ConnectedAt)
		totalAge += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		if stats.NewestAge == 0 || age < stats.NewestAge {
			stats.NewestAge = age
		}
	}
	if len(r.conns) > 0 {
		stats.AverageAge = totalAge / time.Duration(len(r.conns))
	}
	return stats
}

// allowRate checks the per-IP token bucket. Must be called with mu held.
func (r *Registry) allowRate(ip string) bool {
	if r.cfg.ConnectionsPerSecond <= 0 {
		return true
	}

	now := r.clock.Now()
	if now.After(r.cleanupAt) {
		r.cleanupRates(now)
		r.cleanupAt = now.Add(rateCleanupInterval)
	}

	entry, ok := r.rates[ip]
	if !ok {
		entry = &rateEntry{
			limiter: rate.NewLimiter(rate.Limit(r.cfg.ConnectionsPerSecond), r.cfg.Burst),
		}
		r.rates[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanupRates drops limiters idle for twice the cleanup interval.
// Must be called with mu held.
func (r *Registry) cleanupRates(now time.Time) {
	cutoff := now.Add(-2 * rateCleanupInterval)
	for ip, entry := range r.rates {
		if entry.lastSeen.Before(cutoff) {
			delete(r.rates, ip)
		}
	}
}
