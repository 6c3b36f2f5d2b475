package config

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Saver writes persisted fields back to a Source from its own goroutine so
// control loops never block on storage. Writes are applied in order.
type Saver struct {
	src     Source
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending []fieldWrite
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

type fieldWrite struct {
	id, field, value string
}

// NewSaver starts the write-back worker.
func NewSaver(src Source, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Saver{
		src:     src,
		logger:  logger.Named("config.saver"),
		timeout: 5 * time.Second,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Save queues one field write. It never blocks.
func (s *Saver) Save(id, field, value string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("save after close ignored", zap.String("controller_id", id), zap.String("field", field))
		return
	}
	s.pending = append(s.pending, fieldWrite{id, field, value})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Saver) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, w := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := s.src.SaveField(ctx, w.id, w.field, w.value); err != nil {
				s.logger.Error("persisting field failed",
					zap.String("controller_id", w.id),
					zap.String("field", w.field),
					zap.Error(err))
			}
			cancel()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}

// Close flushes queued writes and stops the worker, or gives up when ctx
// is done.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
