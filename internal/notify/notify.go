// Package notify delivers best-effort job completion events. Delivery
// failures are logged and dropped; job state never depends on them.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event describes a job that reached a terminal state.
type Event struct {
	Kind        string    `json:"kind"`
	JobID       string    `json:"job_id"`
	BookID      string    `json:"book_id"`
	OwnerID     string    `json:"owner_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	Processed   int       `json:"processed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Total       int       `json:"total"`
	OccurredAt  time.Time `json:"occurred_at"`

	// Address routes this event to a per-job webhook destination instead
	// of the notifier's configured one. Not part of the delivered payload.
	Address string `json:"-"`
}

// Notifier delivers terminal job events. Implementations must not
// block the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the log. It is the default sink when no
// webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", ev.Kind,
		"job_id", ev.JobID,
		"book_id", ev.BookID,
		"status", ev.Status,
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	if ev.ArtifactKey != "" {
		attrs = append(attrs, "artifact", ev.ArtifactKey)
	}
	logger.Info("job finished", attrs...)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
