package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalQueue is an in-process Queue backed by a buffered channel. It exists
// for development and tests; it survives nothing, but it honors the same
// delivery contract as the Streams queue, including delayed retries and a
// dead letter list.
type LocalQueue struct {
	logger      *slog.Logger
	messages    chan *Message
	done        chan struct{}
	maxAttempts int
	retryDelay  time.Duration

	mu        sync.Mutex
	dlq       []*Message
	closeOnce sync.Once
}

// LocalOption configures a LocalQueue.
type LocalOption func(*LocalQueue)

// WithLocalRetryDelay sets the base delay between handler retries.
func WithLocalRetryDelay(d time.Duration) LocalOption {
	return func(q *LocalQueue) { q.retryDelay = d }
}

// WithLocalMaxAttempts sets how many handler failures park a message on the
// dead letter list.
func WithLocalMaxAttempts(n int) LocalOption {
	return func(q *LocalQueue) { q.maxAttempts = n }
}

// NewLocalQueue creates a local queue with the given buffer size.
func NewLocalQueue(size int, logger *slog.Logger, opts ...LocalOption) *LocalQueue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &LocalQueue{
		logger:      logger.With("component", "queue", "backend", "local"),
		messages:    make(chan *Message, size),
		done:        make(chan struct{}),
		maxAttempts: 5,
		retryDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue blocks until the message is buffered or the context is cancelled.
func (q *LocalQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	select {
	case <-q.done:
		return fmt.Errorf("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	case q.messages <- msg:
		return nil
	}
}

// EnqueueAfter buffers the message once delay has elapsed. The timer is
// abandoned if the queue closes first.
func (q *LocalQueue) EnqueueAfter(ctx context.Context, msg *Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.done:
		case <-timer.C:
			select {
			case <-q.done:
			case q.messages <- msg:
			}
		}
	}()
	return nil
}

// Consume delivers messages to handler until ctx is cancelled or the queue
// is closed.
func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case msg := <-q.messages:
			q.dispatch(ctx, handler, msg)
		}
	}
}

func (q *LocalQueue) dispatch(ctx context.Context, handler Handler, msg *Message) {
	err := handler(ctx, msg)
	if err == nil {
		return
	}

	msg.Attempt++
	if msg.Attempt >= q.maxAttempts {
		q.logger.Error("message exhausted attempts, moving to dead letter queue",
			"kind", msg.Kind, "job_id", msg.JobID, "attempts", msg.Attempt, "error", err)
		q.mu.Lock()
		q.dlq = append(q.dlq, msg)
		q.mu.Unlock()
		return
	}

	delay := q.retryDelay * time.Duration(msg.Attempt)
	q.logger.Warn("message failed, scheduling retry",
		"kind", msg.Kind, "job_id", msg.JobID, "attempt", msg.Attempt, "delay", delay, "error", err)
	if reqErr := q.EnqueueAfter(ctx, msg, delay); reqErr != nil {
		q.logger.Error("failed to requeue message", "job_id", msg.JobID, "error", reqErr)
	}
}

// DLQSize returns the number of dead-lettered messages.
func (q *LocalQueue) DLQSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}

// DeadLetters returns a copy of the dead letter list.
func (q *LocalQueue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Close stops delivery. Pending messages are dropped.
func (q *LocalQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*LocalQueue)(nil)
