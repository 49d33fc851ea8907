// Package runner connects the continuation queue to the job processors.
// One runner goroutine per server consumes deliveries and routes each to
// the processor for its kind; all job state lives in the processors.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/generate"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/queue"
)

// DefaultRestartDelay paces consume-loop restarts after an
// infrastructure failure.
const DefaultRestartDelay = 5 * time.Second

// Config wires a Runner.
type Config struct {
	Consumer   queue.Consumer
	Export     *export.Processor
	Generation *generate.Processor
	Logger     *slog.Logger

	// RestartDelay is the pause before reopening a consume loop that
	// returned an error.
	RestartDelay time.Duration
}

// Runner consumes the continuation queue and dispatches deliveries.
type Runner struct {
	consumer   queue.Consumer
	export     *export.Processor
	generation *generate.Processor
	logger     *slog.Logger
	restart    time.Duration
}

// New builds a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	restart := cfg.RestartDelay
	if restart <= 0 {
		restart = DefaultRestartDelay
	}
	return &Runner{
		consumer:   cfg.Consumer,
		export:     cfg.Export,
		generation: cfg.Generation,
		logger:     logger.With("component", "runner"),
		restart:    restart,
	}
}

// Run consumes until ctx is cancelled or the queue closes, then returns
// nil. A consume loop that dies on an infrastructure error is reopened
// after a pause; the queue redelivers whatever was in flight, so
// restarts lose nothing.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")
	for {
		err := r.consumer.Consume(ctx, r.Handle)
		if ctx.Err() != nil || err == nil {
			r.logger.Info("runner stopped")
			return nil
		}
		r.logger.Error("consume loop failed, restarting", "error", err, "delay", r.restart)
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopped")
			return nil
		case <-time.After(r.restart):
		}
	}
}

// Handle routes one delivery to its processor. The internal process
// endpoints push single messages through the same path, so HTTP-driven
// and queue-driven processing cannot diverge.
func (r *Runner) Handle(ctx context.Context, msg *queue.Message) error {
	switch msg.Kind {
	case jobs.KindExport:
		return r.export.ProcessOne(ctx, msg.JobID)
	case jobs.KindGeneration:
		return r.generation.ProcessIndex(ctx, msg.JobID, msg.PromptIndex)
	default:
		// Retrying cannot make an unknown kind known.
		r.logger.Error("dropping message of unknown kind", "kind", msg.Kind, "job_id", msg.JobID)
		return nil
	}
}
