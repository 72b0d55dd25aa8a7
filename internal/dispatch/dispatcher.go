package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signalcast-io/signalcast/internal/metrics"
)

// Config bounds a Dispatcher's accumulation cycle.
type Config struct {
	// MaxSize triggers an immediate flush once the pending buffer reaches it.
	MaxSize int
	// MaxWait bounds how long the first item of a batch may wait.
	MaxWait time.Duration
}

// Dispatcher accumulates items and flushes them as one batch. Each
// accumulation cycle flushes exactly once: the pending buffer is swapped out
// under the lock and a generation counter invalidates the cycle's timer, so
// a size-triggered flush can never be followed by a timer-triggered flush of
// the same items.
//
// The process callback runs outside the lock. A panic in the callback is
// recovered and logged; it does not stop subsequent flushes.
type Dispatcher[T any] struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	cfg     Config
	process func([]T)
	pending []T
	timer   clockwork.Timer
	gen     uint64
	closed  bool
}

// New creates a dispatcher that hands each flushed batch to process.
func New[T any](cfg Config, process func([]T), clock clockwork.Clock) *Dispatcher[T] {
	return &Dispatcher[T]{
		clock:   clock,
		cfg:     cfg,
		process: process,
	}
}

// Add appends items to the pending buffer. Reaching MaxSize flushes
// immediately; otherwise the cycle's wait timer is armed if this is the
// first item.
func (d *Dispatcher[T]) Add(items ...T) {
	if len(items) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.pending = append(d.pending, items...)

	if len(d.pending) >= d.cfg.MaxSize {
		batch := d.swapLocked()
		d.mu.Unlock()
		metrics.BatchFlushesTotal.WithLabelValues("size").Inc()
		d.run(batch)
		return
	}

	if d.timer == nil {
		gen := d.gen
		d.timer = d.clock.AfterFunc(d.cfg.MaxWait, func() { d.flushTimer(gen) })
	}
	d.mu.Unlock()
}

// Pending returns the current queue depth, for metrics.
func (d *Dispatcher[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close flushes whatever is pending and rejects further adds.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	batch := d.swapLocked()
	d.mu.Unlock()

	if len(batch) > 0 {
		metrics.BatchFlushesTotal.WithLabelValues("close").Inc()
		d.run(batch)
	}
}

// flushTimer is the wait-deadline path. gen identifies the accumulation
// cycle the timer was armed for; if a size flush already consumed that
// cycle, this fire is stale and ignored.
func (d *Dispatcher[T]) flushTimer(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.swapLocked()
	d.mu.Unlock()
	metrics.BatchFlushesTotal.WithLabelValues("time").Inc()
	d.run(batch)
}

// swapLocked takes ownership of the pending buffer and ends the current
// accumulation cycle. Must be called with mu held.
func (d *Dispatcher[T]) swapLocked() []T {
	batch := d.pending
	d.pending = nil
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return batch
}

func (d *Dispatcher[T]) run(batch []T) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Batch processing panic recovered", "panic", r, "batch_size", len(batch))
		}
	}()
	d.process(batch)
}
