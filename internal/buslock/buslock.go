// Package buslock serializes access to shared physical buses (I2C, UART)
// across controllers. A lock is keyed by the bus identity; a waiter that
// exceeds the timeout breaks the lock and proceeds as the new owner.
package buslock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/metrics"
)

// DefaultTimeout is the bounded wait before a held lock is broken.
const DefaultTimeout = 10 * time.Second

// Locks is a set of bus locks. The zero value is not usable; call New.
type Locks struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	buses map[string]*bus
}

type bus struct {
	gen    uint64 // owner generation, 0 when free
	next   uint64
	holder string
	since  time.Time
	freed  chan struct{} // closed when the current owner releases or is broken
}

// New creates a lock set. A timeout <= 0 selects DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Locks {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locks{
		timeout: timeout,
		logger:  logger.Named("buslock"),
		buses:   make(map[string]*bus),
	}
}

// Acquire blocks until the caller owns the bus identified by key and returns
// the release func. An empty key means the device is not on a shared bus and
// returns immediately. Acquire fails only when ctx is done.
func (l *Locks) Acquire(ctx context.Context, key, holder string) (release func(), err error) {
	if key == "" {
		return func() {}, nil
	}
	deadline := time.Now().Add(l.timeout)

	for {
		l.mu.Lock()
		b := l.busLocked(key)
		if b.gen == 0 {
			gen := l.takeLocked(b, holder)
			l.mu.Unlock()
			return l.releaser(key, gen), nil
		}
		wait := b.freed
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return l.breakLock(key, holder), nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Locks) busLocked(key string) *bus {
	b, ok := l.buses[key]
	if !ok {
		b = &bus{}
		l.buses[key] = b
	}
	return b
}

func (l *Locks) takeLocked(b *bus, holder string) uint64 {
	b.next++
	b.gen = b.next
	b.holder = holder
	b.since = time.Now()
	b.freed = make(chan struct{})
	return b.gen
}

// breakLock hands the bus to holder regardless of the current owner. The
// previous owner's release becomes a no-op.
func (l *Locks) breakLock(key, holder string) func() {
	l.mu.Lock()
	b := l.busLocked(key)
	if b.gen != 0 {
		l.logger.Warn("bus lock timed out, breaking it",
			zap.String("bus", key),
			zap.String("previous_holder", b.holder),
			zap.Duration("held_for", time.Since(b.since)),
			zap.String("new_holder", holder))
		metrics.BusLockBroken.WithLabelValues(key).Inc()
		close(b.freed)
	}
	gen := l.takeLocked(b, holder)
	l.mu.Unlock()
	return l.releaser(key, gen)
}

func (l *Locks) releaser(key string, gen uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			b := l.buses[key]
			if b == nil || b.gen != gen {
				return
			}
			b.gen = 0
			b.holder = ""
			close(b.freed)
		})
	}
}

// Holder returns the current owner of key, or "" when the bus is free.
func (l *Locks) Holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buses[key]; ok && b.gen != 0 {
		return b.holder
	}
	return ""
}
