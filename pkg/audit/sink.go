package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrSinkClosed is returned by an AsyncSink after Close.
var ErrSinkClosed = errors.New("audit: sink closed")

// Sink mirrors appended records to an external store. Write is called under
// the log's writer lock in append order, so slow implementations stall
// appends; wrap them in an AsyncSink.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// WriterSink writes each record as one JSON line.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a JSON-lines sink over w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{writer: w}
}

func (s *WriterSink) Write(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record %d: %w", rec.Sequence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write record %d: %w", rec.Sequence, err)
	}
	return nil
}

// Retry defaults for AsyncSink deliveries.
const (
	DefaultSinkAttempts = 5
	DefaultSinkBackoff  = 200 * time.Millisecond
	maxSinkBackoff      = 5 * time.Second
)

// AsyncSink queues records and delivers them to an inner sink from a single
// goroutine, preserving append order. A full queue makes Write wait instead
// of dropping the record, and failed deliveries are retried with backoff.
type AsyncSink struct {
	inner    Sink
	queue    chan asyncItem
	done     chan struct{}
	logger   *slog.Logger
	attempts int
	backoff  time.Duration

	mu     sync.RWMutex
	closed bool
}

type asyncItem struct {
	ctx context.Context
	rec Record
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithRetry sets how many times a record is offered to the inner sink and
// the initial delay between tries, which doubles up to a cap.
func WithRetry(attempts int, backoff time.Duration) AsyncOption {
	return func(s *AsyncSink) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithAsyncLogger sets the logger for delivery failures.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(s *AsyncSink) { s.logger = logger }
}

// NewAsyncSink starts a delivery goroutine with a queue of the given size.
func NewAsyncSink(inner Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		inner:    inner,
		queue:    make(chan asyncItem, buffer),
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "audit.async_sink"),
		attempts: DefaultSinkAttempts,
		backoff:  DefaultSinkBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for item := range s.queue {
		s.deliver(item)
	}
}

func (s *AsyncSink) deliver(item asyncItem) {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.inner.Write(item.ctx, item.rec)
		if err == nil {
			return
		}
		if attempt >= s.attempts {
			s.logger.ErrorContext(item.ctx, "audit: mirror write abandoned",
				"sequence", item.rec.Sequence, "attempts", attempt, "error", err)
			return
		}
		s.logger.WarnContext(item.ctx, "audit: mirror write failed, retrying",
			"sequence", item.rec.Sequence, "attempt", attempt, "retry_in", delay.String(), "error", err)
		time.Sleep(delay)
		delay = min(delay*2, maxSinkBackoff)
	}
}

// Write queues rec, waiting for room when the queue is full.
func (s *AsyncSink) Write(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.queue <- asyncItem{ctx: context.WithoutCancel(ctx), rec: rec}
	return nil
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
