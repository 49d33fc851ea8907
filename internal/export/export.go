// Package export runs export jobs. Each queue delivery stages exactly
// one page of the book into object storage; once the cursor has passed
// the last page, the staged images are assembled into a single ZIP or
// PDF artifact and the job completes. Progress lives in the job row, so
// a worker crash at any point costs at most one redelivered unit.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/store"
)

// ErrNoPages rejects export creation for a book with nothing to export.
var ErrNoPages = errors.New("book has no pages to export")

// Store is the slice of the persistence layer the processor uses.
type Store interface {
	store.BookStore
	store.PageStore
	store.ExportJobStore
}

// Config wires a Processor.
type Config struct {
	Store    Store
	Blobs    blob.Store
	Queue    queue.Producer
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Processor creates export jobs and advances them one unit at a time.
type Processor struct {
	store    Store
	blobs    blob.Store
	producer queue.Producer
	notifier notify.Notifier
	logger   *slog.Logger
}

// New builds a Processor.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		producer: cfg.Queue,
		notifier: cfg.Notifier,
		logger:   logger.With("component", "export"),
	}
}

// CreateRequest describes an export to register.
type CreateRequest struct {
	OwnerID string
	BookID  string

	// Title overrides the artifact filename stem. Empty uses the book's
	// current title.
	Title string

	// Format is "zip" (default) or "pdf".
	Format string
}

// Create registers an export job for the book and enqueues its first
// continuation. If the book already has an export in flight the caller
// is attached to it instead and created is false; the attached job
// still gets a continuation, which repairs a chain whose previous
// message was lost.
func (p *Processor) Create(ctx context.Context, req CreateRequest) (*jobs.ExportJob, bool, error) {
	format, err := jobs.ParseFormat(req.Format)
	if err != nil {
		return nil, false, err
	}

	book, err := p.store.GetBook(ctx, req.BookID)
	if err != nil {
		return nil, false, err
	}
	if req.OwnerID != "" && book.OwnerID != req.OwnerID {
		return nil, false, fmt.Errorf("%w: book %s", store.ErrNotFound, req.BookID)
	}

	total, err := p.store.CountPages(ctx, req.BookID)
	if err != nil {
		return nil, false, err
	}
	if total == 0 {
		return nil, false, ErrNoPages
	}

	title := req.Title
	if title == "" {
		title = book.Title
	}

	job := &jobs.ExportJob{
		ID:         uuid.NewString(),
		BookID:     book.ID,
		OwnerID:    book.OwnerID,
		BookTitle:  title,
		Format:     format,
		TotalPages: total,
	}
	job, created, err := p.store.CreateExportJob(ctx, job)
	if err != nil {
		return nil, false, err
	}

	if err := p.producer.Enqueue(ctx, queue.Export(job.ID)); err != nil {
		return nil, false, fmt.Errorf("export job %s saved but continuation not enqueued: %w", job.ID, err)
	}

	if created {
		p.logger.Info("export job created",
			"job_id", job.ID, "book_id", book.ID, "format", string(format), "pages", total)
	} else {
		p.logger.Info("attached to active export job", "job_id", job.ID, "book_id", book.ID)
	}
	return job, created, nil
}

// ProcessOne advances the job by exactly one unit: stage the page at
// the cursor, or assemble the artifact once the cursor has passed the
// last page. Terminal and unknown jobs are acknowledged without work.
//
// Domain failures (missing pages, broken image data, assembly errors)
// terminally fail the job and return nil so the chain stops; only
// infrastructure errors propagate to the queue for redelivery.
func (p *Processor) ProcessOne(ctx context.Context, jobID string) error {
	job, err := p.store.GetExportJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("dropping continuation for unknown export job", "job_id", jobID)
			return nil
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == jobs.StatusPending {
		if err := p.start(ctx, job); err != nil {
			return err
		}
		job, err = p.store.GetExportJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
	}

	if job.Cursor >= job.TotalPages {
		return p.finalize(ctx, job)
	}
	return p.stageNext(ctx, job)
}

// start moves a pending job to processing, snapshotting the page count
// so pages added while the export runs do not stretch it.
func (p *Processor) start(ctx context.Context, job *jobs.ExportJob) error {
	total, err := p.store.CountPages(ctx, job.BookID)
	if err != nil {
		return err
	}
	if total == 0 {
		return p.fail(ctx, job, "book has no pages")
	}
	return p.store.MarkExportProcessing(ctx, job.ID, total)
}

func (p *Processor) stageNext(ctx context.Context, job *jobs.ExportJob) error {
	page, err := p.store.PageAtOrdinal(ctx, job.BookID, job.Cursor)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.fail(ctx, job, fmt.Sprintf("page %d of %d is missing", job.Cursor+1, job.TotalPages))
		}
		return err
	}
	if len(page.Data) == 0 {
		return p.fail(ctx, job, fmt.Sprintf("page %d has no image data", job.Cursor+1))
	}

	key := StagingKey(job.ID, page)
	if _, err := p.blobs.Put(ctx, key, page.Data); err != nil {
		return fmt.Errorf("staging page %d: %w", job.Cursor+1, err)
	}

	if err := p.store.AdvanceExportCursor(ctx, job.ID, job.Cursor); err != nil {
		if errors.Is(err, store.ErrStale) {
			// A duplicate delivery advanced the cursor first. It owns
			// the chain; acknowledging without enqueueing avoids a
			// forked chain of continuations.
			p.logger.Debug("export cursor already advanced", "job_id", job.ID, "cursor", job.Cursor)
			return nil
		}
		return err
	}
	p.logger.Debug("staged export page",
		"job_id", job.ID, "page", job.Cursor+1, "total", job.TotalPages, "key", key)

	job.Cursor++
	job.ProcessedPages++
	if job.Cursor >= job.TotalPages {
		return p.finalize(ctx, job)
	}
	return p.producer.Enqueue(ctx, queue.Export(job.ID))
}

func (p *Processor) finalize(ctx context.Context, job *jobs.ExportJob) error {
	keys, err := p.blobs.List(ctx, StagingPrefix(job.ID))
	if err != nil {
		return fmt.Errorf("listing staged pages: %w", err)
	}
	if len(keys) == 0 {
		return p.fail(ctx, job, "nothing staged")
	}

	title := job.BookTitle
	if title == "" {
		if book, err := p.store.GetBook(ctx, job.BookID); err == nil {
			title = book.Title
		}
	}

	var artifact []byte
	switch job.Format {
	case jobs.FormatPDF:
		artifact, err = buildPDF(ctx, p.blobs, keys)
	default:
		artifact, err = buildZIP(ctx, p.blobs, SanitizeTitle(title), keys)
	}
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return p.fail(ctx, job, "staged page disappeared before assembly")
		}
		return p.fail(ctx, job, fmt.Sprintf("could not assemble %s artifact: %v", job.Format.Ext(), err))
	}

	key := ArtifactKey(job.OwnerID, title, job.Format, time.Now())
	key, err = p.blobs.Put(ctx, key, artifact)
	if err != nil {
		return fmt.Errorf("uploading artifact: %w", err)
	}

	if err := p.store.CompleteExportJob(ctx, job.ID, key); err != nil {
		if errors.Is(err, store.ErrStale) {
			p.logger.Debug("export job completed elsewhere", "job_id", job.ID)
			return nil
		}
		return err
	}
	job.Status = jobs.StatusCompleted
	job.ArtifactKey = key

	p.logger.Info("export job completed",
		"job_id", job.ID, "book_id", job.BookID, "artifact", key,
		"pages", len(keys), "bytes", len(artifact))
	p.cleanupStaging(ctx, job.ID)
	p.notifyTerminal(ctx, job)
	return nil
}

// fail terminally fails the job and stops the chain. ErrStale means the
// job reached a terminal state through another path, which is fine.
func (p *Processor) fail(ctx context.Context, job *jobs.ExportJob, cause string) error {
	if err := p.store.FailExportJob(ctx, job.ID, cause); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil
		}
		return err
	}
	p.logger.Warn("export job failed", "job_id", job.ID, "book_id", job.BookID, "cause", cause)
	job.Status = jobs.StatusFailed
	job.Error = cause
	p.notifyTerminal(ctx, job)
	return nil
}

// cleanupStaging is best effort; the job stays completed even when the
// staged objects linger. SweepStaging collects leftovers later.
func (p *Processor) cleanupStaging(ctx context.Context, jobID string) {
	keys, err := p.blobs.List(ctx, StagingPrefix(jobID))
	if err != nil {
		p.logger.Warn("could not list staged pages for cleanup", "job_id", jobID, "error", err)
		return
	}
	for _, key := range keys {
		if err := p.blobs.Delete(ctx, key); err != nil {
			p.logger.Warn("could not delete staged page", "job_id", jobID, "key", key, "error", err)
		}
	}
}

// SweepStaging removes staged objects whose jobs are terminal or gone,
// the leftovers of failed exports and interrupted cleanups. Active jobs
// keep their staging areas. Returns the number of objects removed.
func (p *Processor) SweepStaging(ctx context.Context) (int, error) {
	keys, err := p.blobs.List(ctx, "staging/exports/")
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool)
	removed := 0
	for _, key := range keys {
		jobID := jobIDFromStagingKey(key)
		if jobID == "" {
			continue
		}
		active, checked := keep[jobID]
		if !checked {
			job, err := p.store.GetExportJob(ctx, jobID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				active = false
			case err != nil:
				return removed, err
			default:
				active = !job.Status.IsTerminal()
			}
			keep[jobID] = active
		}
		if active {
			continue
		}
		if err := p.blobs.Delete(ctx, key); err != nil {
			p.logger.Warn("sweep could not delete staged object", "key", key, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		p.logger.Info("swept staged export objects", "removed", removed)
	}
	return removed, nil
}

func (p *Processor) notifyTerminal(ctx context.Context, job *jobs.ExportJob) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
		Kind:        string(jobs.KindExport),
		JobID:       job.ID,
		BookID:      job.BookID,
		OwnerID:     job.OwnerID,
		Status:      string(job.Status),
		Error:       job.Error,
		ArtifactKey: job.ArtifactKey,
		Processed:   job.ProcessedPages,
		Total:       job.TotalPages,
		OccurredAt:  time.Now().UTC(),
	})
}
