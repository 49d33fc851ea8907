// Package queue provides the durable job queue that drives export and
// generation processing. Every message is one unit of work: stage one page of
// an export, or generate one prompt of a generation job. Delivery is
// at-least-once; processors are written to tolerate duplicates, so the queue
// only has to guarantee that an unacknowledged message comes back.
package queue

import (
	"context"
	"time"

	"github.com/inkwellhq/inkwell/internal/jobs"
)

// Message is a single unit of queued work. Kind and JobID identify the job;
// PromptIndex is only meaningful for generation messages. Attempt counts
// handler failures, not redeliveries after a crash.
type Message struct {
	// ID is the delivery tag assigned by the queue. Empty until delivered.
	ID string `json:"-"`

	Kind        jobs.Kind `json:"kind"`
	JobID       string    `json:"job_id"`
	PromptIndex int       `json:"prompt_index"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error schedules a retry with backoff until the
// attempt budget runs out, after which the message is parked on the dead
// letter queue.
type Handler func(ctx context.Context, msg *Message) error

// Producer enqueues work.
type Producer interface {
	// Enqueue makes msg deliverable immediately.
	Enqueue(ctx context.Context, msg *Message) error

	// EnqueueAfter makes msg deliverable once delay has elapsed.
	EnqueueAfter(ctx context.Context, msg *Message, delay time.Duration) error
}

// Consumer delivers work to a handler until the context is cancelled or the
// queue is closed.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue combines both halves. The server holds one Queue; endpoints use the
// Producer side and the runner the Consumer side.
type Queue interface {
	Producer
	Consumer
}

// Export builds the message that advances an export job by one page.
func Export(jobID string) *Message {
	return &Message{Kind: jobs.KindExport, JobID: jobID, EnqueuedAt: time.Now().UTC()}
}

// Generation builds the message that processes one prompt of a generation job.
func Generation(jobID string, promptIndex int) *Message {
	return &Message{
		Kind:        jobs.KindGeneration,
		JobID:       jobID,
		PromptIndex: promptIndex,
		EnqueuedAt:  time.Now().UTC(),
	}
}
