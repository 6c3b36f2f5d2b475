package measure

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/metrics"
)

// DefaultQueueSize bounds the writer queue.
const DefaultQueueSize = 1024

// Writer persists measurements off the controller goroutines. Publish
// never blocks; when the queue is full the oldest entry is dropped.
type Writer struct {
	store    Store
	sinks    []Sink
	logger   *zap.Logger
	capacity int
	timeout  time.Duration

	mu      sync.Mutex
	queue   []Measurement
	latest  map[latestKey]Measurement
	closed  bool
	dropped uint64

	wake chan struct{}
	done chan struct{}
}

type latestKey struct {
	device, measurement string
	channel             int
}

// NewWriter starts a writer appending to store and fanning out to sinks.
func NewWriter(store Store, logger *zap.Logger, capacity int, sinks ...Sink) *Writer {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:    store,
		sinks:    sinks,
		logger:   logger.Named("measure.writer"),
		capacity: capacity,
		timeout:  5 * time.Second,
		latest:   make(map[latestKey]Measurement),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Publish implements Publisher.
func (w *Writer) Publish(m Measurement) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.latest[latestKey{m.DeviceID, m.Measurement, m.Channel}] = m
	if len(w.queue) >= w.capacity {
		dropped := w.queue[0]
		w.queue = w.queue[1:]
		w.dropped++
		w.mu.Unlock()
		metrics.MeasurementsDropped.Inc()
		w.logger.Warn("measurement queue full, dropping oldest",
			zap.String("device_id", dropped.DeviceID),
			zap.String("measurement", dropped.Measurement))
		w.mu.Lock()
	}
	w.queue = append(w.queue, m)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Store returns the backing store for reads.
func (w *Writer) Store() Store { return w.store }

// Dropped returns how many measurements were dropped.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Latest returns the newest published measurement of every device,
// measurement and channel.
func (w *Writer) Latest() []Measurement {
	w.mu.Lock()
	out := make([]Measurement, 0, len(w.latest))
	for _, m := range w.latest {
		out = append(out, m)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.Measurement != b.Measurement {
			return a.Measurement < b.Measurement
		}
		return a.Channel < b.Channel
	})
	return out
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		if len(batch) > 0 {
			w.flush(batch)
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *Writer) flush(batch []Measurement) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	for _, m := range batch {
		if err := w.store.Append(ctx, m); err != nil {
			w.logger.Error("append measurement failed",
				zap.String("device_id", m.DeviceID),
				zap.String("measurement", m.Measurement),
				zap.Error(err))
		}
	}
	for _, s := range w.sinks {
		if err := s.Send(ctx, batch); err != nil {
			w.logger.Warn("export failed", zap.String("sink", s.Name()), zap.Int("count", len(batch)), zap.Error(err))
		}
	}
}

// Close flushes the queue and stops the writer, or gives up when ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
