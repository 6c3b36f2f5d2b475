package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/config"
)

func testConfig(period time.Duration) *config.ControllerConfig {
	return &config.ControllerConfig{ID: "c1", Kind: config.KindInput, Period: config.Duration(period)}
}

type countingCycler struct {
	n    atomic.Int64
	seen chan *config.ControllerConfig
	task *Task
}

func (c *countingCycler) Cycle(context.Context, time.Time) {
	c.n.Add(1)
	if c.seen != nil && c.task != nil {
		select {
		case c.seen <- c.task.Config():
		default:
		}
	}
}

func TestNextTickStaysOnGrid(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := 10 * time.Second
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"fast cycle", t0.Add(300 * time.Millisecond), t0.Add(10 * time.Second)},
		{"slow read", t0.Add(7 * time.Second), t0.Add(10 * time.Second)},
		{"late within one period", t0.Add(15 * time.Second), t0.Add(10 * time.Second)},
		{"missed two periods", t0.Add(25 * time.Second), t0.Add(20 * time.Second)},
		{"exactly on next", t0.Add(10 * time.Second), t0.Add(10 * time.Second)},
	}
	for _, tt := range tests {
		got := NextTick(t0, tt.now, p)
		if !got.Equal(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got.Sub(t0), tt.want.Sub(t0))
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := &countingCycler{}
	task := NewTask(testConfig(time.Hour), c, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, task.Start(ctx))
	assert.ErrorIs(t, task.Start(ctx), ErrRunning)
	assert.Equal(t, StateRunning, task.State())

	assert.Eventually(t, func() bool { return c.n.Load() == 1 }, time.Second, time.Millisecond, "first cycle runs immediately")

	task.Stop()
	task.Stop()
	assert.Equal(t, StateStopped, task.State())
	select {
	case <-task.Done():
	default:
		t.Fatal("Stop returned before the loop exited")
	}

	// A stopped task can be started again.
	require.NoError(t, task.Start(ctx))
	task.Stop()
}

func TestPeriodicCycles(t *testing.T) {
	c := &countingCycler{}
	task := NewTask(testConfig(10*time.Millisecond), c, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	assert.Eventually(t, func() bool { return c.n.Load() >= 5 }, time.Second, time.Millisecond)
	n, last := task.Cycles()
	assert.GreaterOrEqual(t, n, uint64(5))
	assert.False(t, last.IsZero())
}

func TestDoRunsOnLoop(t *testing.T) {
	var inCycle atomic.Bool
	var overlap atomic.Bool
	cyc := CyclerFunc(func(context.Context, time.Time) {
		inCycle.Store(true)
		time.Sleep(2 * time.Millisecond)
		inCycle.Store(false)
	})
	task := NewTask(testConfig(5*time.Millisecond), cyc, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	for i := 0; i < 20; i++ {
		err := task.Do(context.Background(), func(context.Context) {
			if inCycle.Load() {
				overlap.Store(true)
			}
		})
		require.NoError(t, err)
	}
	assert.False(t, overlap.Load(), "command ran concurrently with a cycle")
}

func TestDoOnStoppedTask(t *testing.T) {
	task := NewTask(testConfig(time.Hour), &countingCycler{}, zap.NewNop())
	err := task.Do(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, task.Post(func(context.Context) {}), ErrStopped)
}

func TestPauseDefersCommands(t *testing.T) {
	c := &countingCycler{}
	task := NewTask(testConfig(time.Hour), c, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	require.NoError(t, task.Pause(context.Background()))
	assert.Equal(t, StatePaused, task.State())
	require.NoError(t, task.Pause(context.Background()), "pause is idempotent")

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, task.Do(context.Background(), func(context.Context) { ran.Store(true) }))
	}()
	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load(), "command ran while paused")

	task.Resume()
	wg.Wait()
	assert.True(t, ran.Load(), "deferred command was dropped")
	assert.Equal(t, StateRunning, task.State())
}

func TestPauseContextCancelled(t *testing.T) {
	block := make(chan struct{})
	cyc := CyclerFunc(func(context.Context, time.Time) { <-block })
	task := NewTask(testConfig(time.Hour), cyc, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := task.Pause(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, task.State())

	close(block)
	task.Stop()
}

func TestResumeWithdrawsPendingPause(t *testing.T) {
	block := make(chan struct{})
	cyc := CyclerFunc(func(context.Context, time.Time) { <-block })
	task := NewTask(testConfig(time.Hour), cyc, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))

	got := make(chan error, 1)
	go func() { got <- task.Pause(context.Background()) }()
	require.Eventually(t, func() bool { return task.State() == StatePausing }, time.Second, time.Millisecond)

	task.Resume()
	assert.ErrorIs(t, <-got, ErrPauseWithdrawn)
	assert.Equal(t, StateRunning, task.State())

	close(block)
	task.Stop()
}

func TestRestartDropsUnansweredPause(t *testing.T) {
	var first atomic.Bool
	first.Store(true)
	cyc := CyclerFunc(func(ctx context.Context, _ time.Time) {
		if first.Swap(false) {
			<-ctx.Done()
		}
	})
	task := NewTask(testConfig(time.Hour), cyc, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))

	got := make(chan error, 1)
	go func() { got <- task.Pause(context.Background()) }()
	require.Eventually(t, func() bool { return task.State() == StatePausing }, time.Second, time.Millisecond)
	task.Stop()
	assert.ErrorIs(t, <-got, ErrStopped)

	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, task.Do(ctx, func(context.Context) {}), "restarted task parked on a stale pause")
	assert.Equal(t, StateRunning, task.State())
}

func TestStopWhilePaused(t *testing.T) {
	task := NewTask(testConfig(time.Hour), &countingCycler{}, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))
	require.NoError(t, task.Pause(context.Background()))

	stopped := make(chan struct{})
	go func() {
		task.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a paused task")
	}
}

func TestSwapOnlyWhilePaused(t *testing.T) {
	c := &countingCycler{seen: make(chan *config.ControllerConfig, 1)}
	old := testConfig(5 * time.Millisecond)
	task := NewTask(old, c, zap.NewNop())
	c.task = task
	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	next := testConfig(5 * time.Millisecond)
	next.Name = "renamed"
	assert.Error(t, task.Swap(next), "swap while running")

	require.NoError(t, task.Pause(context.Background()))
	require.NoError(t, task.Swap(next))
	task.Resume()

	assert.Eventually(t, func() bool {
		select {
		case cfg := <-c.seen:
			return cfg == next
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	other := testConfig(time.Second)
	other.ID = "c2"
	assert.Error(t, task.Swap(other), "swap with a different id")
}

func TestPanicRecovered(t *testing.T) {
	var n atomic.Int64
	cyc := CyclerFunc(func(context.Context, time.Time) {
		if n.Add(1) == 1 {
			panic("sensor exploded")
		}
	})
	task := NewTask(testConfig(5*time.Millisecond), cyc, zap.NewNop())
	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, task.State())
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateStopped: "stopped", StateRunning: "running", StatePausing: "pausing", StatePaused: "paused",
	} {
		if s.String() != want {
			t.Errorf("state %d: got %s, want %s", s, s.String(), want)
		}
	}
}
