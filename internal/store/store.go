// Package store persists books, pages, jobs, and usage records. The primary
// implementation is Postgres; MemoryStore backs tests and single-process
// development with the same semantics.
//
// Job mutation methods are written as guarded single statements (or short
// transactions) so concurrent deliveries of the same queue message cannot
// double-apply work: the guard compares the caller's view of the counters
// against the row and reports ErrStale instead of updating when they differ.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/types"
	"github.com/inkwellhq/inkwell/internal/usage"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStale is returned by guarded updates when the row has moved on since
	// the caller read it. Callers treat it as "someone else already did this".
	ErrStale = errors.New("state changed since read")
)

// BookStore manages books.
type BookStore interface {
	CreateBook(ctx context.Context, book *types.Book) error
	GetBook(ctx context.Context, id string) (*types.Book, error)
	ListBooks(ctx context.Context, ownerID string) ([]*types.Book, error)
	RenameBook(ctx context.Context, id, title string) error
	DeleteBook(ctx context.Context, id string) error
}

// PageStore manages pages. AddPage assigns the page's position from the
// book's counter in the same transaction as the insert, so two concurrent
// additions can never claim the same position.
type PageStore interface {
	AddPage(ctx context.Context, page *types.Page) error
	GetPage(ctx context.Context, id string) (*types.Page, error)

	// ListPages returns the book's pages ordered by position, without image
	// data.
	ListPages(ctx context.Context, bookID string) ([]*types.Page, error)

	// PageAtOrdinal returns the page at the given zero-based ordinal in
	// position order, including image data. Export walks pages this way so
	// sparse positions do not matter.
	PageAtOrdinal(ctx context.Context, bookID string, ordinal int) (*types.Page, error)

	// SetPageArtifact records the object-storage copy of the page image.
	SetPageArtifact(ctx context.Context, id, artifactKey string) error

	// SetPageData replaces the page's image payload. The stored artifact
	// reference is cleared because it points at the old image.
	SetPageData(ctx context.Context, id string, data []byte, format string) error

	// MovePage reorders a page to the given position. Pages at or past the
	// target shift up by one to make room.
	MovePage(ctx context.Context, id string, position int) error

	CountPages(ctx context.Context, bookID string) (int, error)
	DeletePage(ctx context.Context, id string) error
}

// ExportJobStore manages export job rows.
type ExportJobStore interface {
	// CreateExportJob inserts the job unless the book already has an active
	// export. On conflict it returns the existing active job and false.
	CreateExportJob(ctx context.Context, job *jobs.ExportJob) (*jobs.ExportJob, bool, error)

	GetExportJob(ctx context.Context, id string) (*jobs.ExportJob, error)

	// MarkExportProcessing moves a pending job to processing and snapshots
	// the page total. Calling it on a job that is already processing is a
	// no-op.
	MarkExportProcessing(ctx context.Context, id string, totalPages int) error

	// AdvanceExportCursor increments the cursor and processed count by one,
	// but only if the row's cursor still equals fromCursor. ErrStale means
	// another delivery advanced it first.
	AdvanceExportCursor(ctx context.Context, id string, fromCursor int) error

	CompleteExportJob(ctx context.Context, id, artifactKey string) error
	FailExportJob(ctx context.Context, id, cause string) error
}

// GenerationJobStore manages generation job rows.
type GenerationJobStore interface {
	// CreateGenerationJob inserts the job unless the book already has an
	// active generation, in which case the existing job is returned and
	// created is false.
	CreateGenerationJob(ctx context.Context, job *jobs.GenerationJob) (*jobs.GenerationJob, bool, error)

	GetGenerationJob(ctx context.Context, id string) (*jobs.GenerationJob, error)

	// MarkGenerationProcessing moves a pending job to processing.
	MarkGenerationProcessing(ctx context.Context, id string) error

	// RecordGenerationSuccess atomically reserves the next page position,
	// inserts the generated page, and increments the completed count. The
	// write only applies if the job is processing and promptIndex is exactly
	// the next unconsumed index; otherwise ErrStale.
	RecordGenerationSuccess(ctx context.Context, jobID string, promptIndex int, page *types.Page) error

	// RecordGenerationFailure increments the failed count under the same
	// index guard.
	RecordGenerationFailure(ctx context.Context, jobID string, promptIndex int) error

	CompleteGenerationJob(ctx context.Context, id string) error

	// FailGenerationJob terminally fails the job, recording the cause and how
	// many prompts were abandoned without an attempt.
	FailGenerationJob(ctx context.Context, id, cause string, skipped int) error
}

// JobFinder serves the unified job views used by the jobs API.
type JobFinder interface {
	FindJob(ctx context.Context, id string) (*jobs.View, error)

	// ListJobs returns an owner's jobs of both kinds, newest first. A
	// non-empty bookID narrows the list to one book.
	ListJobs(ctx context.Context, ownerID, bookID string) ([]*jobs.View, error)
}

// UsageStore persists and aggregates provider usage.
type UsageStore interface {
	usage.Writer
	UsageSummary(ctx context.Context, ownerID string, since time.Time) (*usage.Summary, error)
}

// Store is the full persistence contract held by the server.
type Store interface {
	BookStore
	PageStore
	ExportJobStore
	GenerationJobStore
	JobFinder
	UsageStore

	Ping(ctx context.Context) error
	Close()
}
