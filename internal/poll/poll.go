// Package poll watches a job until it reaches a terminal status. It is
// the client half of the continuation model: the server never holds a
// request open while a job runs, so CLI flows that want to block on an
// export or generation poll the job view instead.
package poll

import (
	"context"
	"time"

	"github.com/inkwellhq/inkwell/internal/jobs"
)

// DefaultInterval is the polling cadence when none is configured.
const DefaultInterval = 2 * time.Second

// ReadFunc fetches the current view of the watched job.
type ReadFunc func(ctx context.Context) (*jobs.View, error)

// Options tunes a Watch.
type Options struct {
	// Interval is the time between polls.
	Interval time.Duration

	// OnPoll is called with every view read, terminal included. CLI
	// watchers use it to render progress.
	OnPoll func(*jobs.View)
}

// Watch polls immediately, then on a fixed cadence, until the job is
// terminal, the context ends, or a read fails. A first poll that is
// already terminal returns before any ticker starts, so watching a
// finished job costs one read. The returned view carries the artifact
// reference or the failure cause.
func Watch(ctx context.Context, read ReadFunc, opts Options) (*jobs.View, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	view, err := read(ctx)
	if err != nil {
		return nil, err
	}
	if opts.OnPoll != nil {
		opts.OnPoll(view)
	}
	if view.Status.IsTerminal() {
		return view, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			view, err = read(ctx)
			if err != nil {
				return nil, err
			}
			if opts.OnPoll != nil {
				opts.OnPoll(view)
			}
			if view.Status.IsTerminal() {
				return view, nil
			}
		}
	}
}
