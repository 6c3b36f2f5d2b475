// Package controller runs one control loop per goroutine with an explicit
// lifecycle (stopped, running, pausing, paused) and a linearizable command
// path onto the loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/metrics"
)

// State is a task lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePausing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrStopped = errors.New("controller not running")
	ErrRunning = errors.New("controller already running")
	// ErrPauseWithdrawn is returned by Pause when Resume ran before the loop
	// parked.
	ErrPauseWithdrawn = errors.New("pause withdrawn before the loop parked")
)

// Cycler is one control loop's periodic work. Cycle is always called from
// the task goroutine.
type Cycler interface {
	Cycle(ctx context.Context, now time.Time)
}

// CyclerFunc adapts a function to Cycler.
type CyclerFunc func(ctx context.Context, now time.Time)

// Cycle implements Cycler.
func (f CyclerFunc) Cycle(ctx context.Context, now time.Time) { f(ctx, now) }

type call struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// pauseRequest is shared by every Pause waiting on the same park. parked is
// written before ack is closed.
type pauseRequest struct {
	ack    chan struct{}
	parked bool
}

// Task schedules a Cycler on its own goroutine. The configuration snapshot
// is held in an atomic pointer; it is only replaced while the task is
// paused so a cycle never sees a mix of old and new values.
type Task struct {
	id     string
	kind   config.Kind
	cycler Cycler
	logger *zap.Logger

	cfg atomic.Pointer[config.ControllerConfig]

	mu       sync.Mutex
	state    State
	queue    []call
	pending  *pauseRequest
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	cycles   uint64
	lastRun  time.Time

	wake chan struct{}
}

// NewTask prepares a task for cfg. It does not start it.
func NewTask(cfg *config.ControllerConfig, cycler Cycler, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Task{
		id:     cfg.ID,
		kind:   cfg.Kind,
		cycler: cycler,
		logger: logger.With(zap.String("controller_id", cfg.ID), zap.String("kind", string(cfg.Kind))),
		wake:   make(chan struct{}, 1),
	}
	t.cfg.Store(cfg)
	return t
}

// ID returns the controller id.
func (t *Task) ID() string { return t.id }

// Kind returns the controller kind.
func (t *Task) Kind() config.Kind { return t.kind }

// Config returns the current snapshot.
func (t *Task) Config() *config.ControllerConfig { return t.cfg.Load() }

// State returns the lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cycles returns the number of completed cycles and the time of the last.
func (t *Task) Cycles() (uint64, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles, t.lastRun
}

// Start launches the loop and returns once it is running. The first cycle
// runs immediately.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateStopped {
		t.mu.Unlock()
		return ErrRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state = StateRunning
	t.pending = nil
	started := make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.run(loopCtx, started, done)
	<-started
	metrics.RunningControllers.WithLabelValues(string(t.kind)).Inc()
	t.logger.Info("controller started")
	return nil
}

// Stop cancels the loop and waits for it to exit. Calls still queued fail
// with ErrStopped. Stopping a stopped task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	t.state = StateStopped
	t.pending = nil
	t.cancel()
	done := t.done
	t.mu.Unlock()

	<-done
	metrics.RunningControllers.WithLabelValues(string(t.kind)).Dec()
	t.logger.Info("controller stopped")
}

// Done is closed when the current run exits.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return t.done
}

// Do runs fn on the loop goroutine between cycles and waits for it. While
// the task is paused the call is deferred until Resume. Do must not be
// called from the loop goroutine itself; use Post there.
func (t *Task) Do(ctx context.Context, fn func(ctx context.Context)) error {
	c := call{fn: fn, done: make(chan struct{})}
	done, err := t.enqueue(c)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn for the loop goroutine without waiting.
func (t *Task) Post(fn func(ctx context.Context)) error {
	_, err := t.enqueue(call{fn: fn, done: make(chan struct{})})
	return err
}

func (t *Task) enqueue(c call) (chan struct{}, error) {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	t.queue = append(t.queue, c)
	done := t.done
	t.mu.Unlock()
	t.signal()
	return done, nil
}

func (t *Task) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Pause asks the loop to stop at its next safe point and blocks until it
// has. Pausing a paused task is a no-op. If ctx ends first the request is
// withdrawn.
func (t *Task) Pause(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateStopped:
		t.mu.Unlock()
		return ErrStopped
	case StatePaused:
		t.mu.Unlock()
		return nil
	case StateRunning:
		t.state = StatePausing
		t.pending = &pauseRequest{ack: make(chan struct{})}
		t.resumeCh = make(chan struct{})
	}
	req, done := t.pending, t.done
	t.mu.Unlock()
	t.signal()

	select {
	case <-req.ack:
		if !req.parked {
			return ErrPauseWithdrawn
		}
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		t.Resume()
		return ctx.Err()
	}
}

// Resume releases a paused or pausing task.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused && t.state != StatePausing {
		return
	}
	if t.pending != nil {
		// The loop never parked; release the waiters without a pause.
		close(t.pending.ack)
		t.pending = nil
	}
	close(t.resumeCh)
	t.state = StateRunning
	t.signal()
}

// Swap replaces the configuration snapshot. The task must be paused or
// stopped.
func (t *Task) Swap(cfg *config.ControllerConfig) error {
	if cfg.ID != t.id {
		return fmt.Errorf("swap %s: config is for %s", t.id, cfg.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused && t.state != StateStopped {
		return fmt.Errorf("swap %s: task is %s", t.id, t.state)
	}
	t.cfg.Store(cfg)
	return nil
}

func (t *Task) run(ctx context.Context, started, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.queue = nil
		t.mu.Unlock()
		close(done)
	}()
	close(started)

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			if !t.mailbox(ctx) {
				return
			}
		case now := <-timer.C:
			t.cycle(ctx, now)
			next = NextTick(next, time.Now(), t.cfg.Load().Period.D())
			timer.Reset(time.Until(next))
		}
	}
}

// mailbox parks the loop for a pause request and then runs queued calls.
// It returns false once the task has been stopped.
func (t *Task) mailbox(ctx context.Context) bool {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return false
	}
	if req := t.pending; req != nil {
		t.pending = nil
		t.state = StatePaused
		req.parked = true
		close(req.ack)
		resume := t.resumeCh
		t.mu.Unlock()
		t.logger.Debug("controller paused")
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
		t.logger.Debug("controller resumed")
		t.mu.Lock()
	}
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, c := range queue {
		t.guard(ctx, "command", c.fn)
		close(c.done)
	}
	return true
}

func (t *Task) cycle(ctx context.Context, now time.Time) {
	start := time.Now()
	t.guard(ctx, "cycle", func(ctx context.Context) { t.cycler.Cycle(ctx, now) })
	metrics.ControllerCycles.WithLabelValues(string(t.kind), t.id).Inc()
	metrics.CycleDuration.WithLabelValues(string(t.kind)).Observe(time.Since(start).Seconds())
	t.mu.Lock()
	t.cycles++
	t.lastRun = now
	t.mu.Unlock()
}

// guard runs fn and recovers a panic so one bad cycle cannot take down the
// process.
func (t *Task) guard(ctx context.Context, what string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.WithLabelValues(string(t.kind), t.id).Inc()
			t.logger.Error("controller panic recovered",
				zap.String("in", what),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(ctx)
}

// NextTick returns the next scheduled time after a cycle scheduled at prev.
// Ticks stay on the prev+k*period grid; when more than a whole period has
// been missed the skipped ticks are dropped and the most recent one runs
// late.
func NextTick(prev, now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	next := prev.Add(period)
	if late := now.Sub(next); late >= period {
		next = next.Add((late / period) * period)
	}
	return next
}
