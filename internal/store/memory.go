package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/types"
	"github.com/inkwellhq/inkwell/internal/usage"
)

// MemoryStore implements Store with in-process maps. It mirrors the guard
// semantics of the Postgres implementation so processors behave identically
// against either backend.
type MemoryStore struct {
	mu sync.Mutex

	books     map[string]*memBook
	pages     map[string]*types.Page
	exports   map[string]*jobs.ExportJob
	gens      map[string]*jobs.GenerationJob
	usageRows []usage.Record
}

type memBook struct {
	book    types.Book
	nextPos int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]*memBook),
		pages:   make(map[string]*types.Page),
		exports: make(map[string]*jobs.ExportJob),
		gens:    make(map[string]*jobs.GenerationJob),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

// ---- books ----

func (s *MemoryStore) CreateBook(_ context.Context, book *types.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	book.CreatedAt = now
	book.UpdatedAt = now

	if _, exists := s.books[book.ID]; exists {
		return fmt.Errorf("book %s already exists", book.ID)
	}
	s.books[book.ID] = &memBook{book: *book}
	return nil
}

func (s *MemoryStore) GetBook(_ context.Context, id string) (*types.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBookLocked(id)
}

func (s *MemoryStore) getBookLocked(id string) (*types.Book, error) {
	mb, ok := s.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	book := mb.book
	book.PageCount = s.countPagesLocked(id)
	return &book, nil
}

func (s *MemoryStore) ListBooks(_ context.Context, ownerID string) ([]*types.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var books []*types.Book
	for id, mb := range s.books {
		if mb.book.OwnerID != ownerID {
			continue
		}
		book := mb.book
		book.PageCount = s.countPagesLocked(id)
		books = append(books, &book)
	}
	sort.Slice(books, func(i, j int) bool {
		return books[i].CreatedAt.After(books[j].CreatedAt)
	})
	return books, nil
}

func (s *MemoryStore) RenameBook(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.books[id]
	if !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	mb.book.Title = title
	mb.book.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteBook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[id]; !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	delete(s.books, id)
	for pageID, page := range s.pages {
		if page.BookID == id {
			delete(s.pages, pageID)
		}
	}
	for jobID, job := range s.exports {
		if job.BookID == id {
			delete(s.exports, jobID)
		}
	}
	for jobID, job := range s.gens {
		if job.BookID == id {
			delete(s.gens, jobID)
		}
	}
	return nil
}

// ---- pages ----

func (s *MemoryStore) AddPage(_ context.Context, page *types.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPageLocked(page)
}

func (s *MemoryStore) insertPageLocked(page *types.Page) error {
	mb, ok := s.books[page.BookID]
	if !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, page.BookID)
	}

	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if page.Format == "" {
		page.Format = "png"
	}
	page.Position = mb.nextPos
	mb.nextPos++
	page.CreatedAt = time.Now().UTC()
	mb.book.UpdatedAt = page.CreatedAt

	stored := *page
	stored.Data = append([]byte(nil), page.Data...)
	s.pages[page.ID] = &stored
	return nil
}

func (s *MemoryStore) GetPage(_ context.Context, id string) (*types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	return clonePage(page, true), nil
}

func (s *MemoryStore) ListPages(_ context.Context, bookID string) ([]*types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := s.bookPagesLocked(bookID)
	out := make([]*types.Page, len(pages))
	for i, page := range pages {
		out[i] = clonePage(page, false)
	}
	return out, nil
}

func (s *MemoryStore) PageAtOrdinal(_ context.Context, bookID string, ordinal int) (*types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := s.bookPagesLocked(bookID)
	if ordinal < 0 || ordinal >= len(pages) {
		return nil, fmt.Errorf("%w: page %d of book %s", ErrNotFound, ordinal, bookID)
	}
	return clonePage(pages[ordinal], true), nil
}

func (s *MemoryStore) SetPageArtifact(_ context.Context, id, artifactKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	page.ArtifactKey = artifactKey
	return nil
}

func (s *MemoryStore) SetPageData(_ context.Context, id string, data []byte, format string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	page.Data = append([]byte(nil), data...)
	if format != "" {
		page.Format = format
	}
	// The replaced payload invalidates any object-storage copy.
	page.ArtifactKey = ""
	return nil
}

func (s *MemoryStore) MovePage(_ context.Context, id string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	if position < 0 {
		return fmt.Errorf("position must not be negative")
	}
	if page.Position == position {
		return nil
	}

	// Make room at the target, then drop the page in.
	for _, other := range s.pages {
		if other.BookID == page.BookID && other.ID != page.ID && other.Position >= position {
			other.Position++
		}
	}
	page.Position = position

	// The book's counter must stay ahead of every position so later adds
	// cannot collide.
	if mb, ok := s.books[page.BookID]; ok {
		for _, other := range s.pages {
			if other.BookID == page.BookID && other.Position >= mb.nextPos {
				mb.nextPos = other.Position + 1
			}
		}
		mb.book.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) CountPages(_ context.Context, bookID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countPagesLocked(bookID), nil
}

func (s *MemoryStore) DeletePage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pages[id]; !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	delete(s.pages, id)
	return nil
}

func (s *MemoryStore) bookPagesLocked(bookID string) []*types.Page {
	var pages []*types.Page
	for _, page := range s.pages {
		if page.BookID == bookID {
			pages = append(pages, page)
		}
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Position < pages[j].Position
	})
	return pages
}

func (s *MemoryStore) countPagesLocked(bookID string) int {
	n := 0
	for _, page := range s.pages {
		if page.BookID == bookID {
			n++
		}
	}
	return n
}

func clonePage(page *types.Page, withData bool) *types.Page {
	out := *page
	if withData {
		out.Data = append([]byte(nil), page.Data...)
	} else {
		out.Data = nil
	}
	return &out
}

// ---- export jobs ----

func (s *MemoryStore) CreateExportJob(_ context.Context, job *jobs.ExportJob) (*jobs.ExportJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[job.BookID]; !ok {
		return nil, false, fmt.Errorf("%w: book %s", ErrNotFound, job.BookID)
	}
	for _, existing := range s.exports {
		if existing.BookID == job.BookID && !existing.Status.IsTerminal() {
			return cloneExportJob(existing), false, nil
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	s.exports[job.ID] = cloneExportJob(job)
	return job, true, nil
}

func (s *MemoryStore) GetExportJob(_ context.Context, id string) (*jobs.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.exports[id]
	if !ok {
		return nil, fmt.Errorf("%w: export job %s", ErrNotFound, id)
	}
	return cloneExportJob(job), nil
}

func (s *MemoryStore) MarkExportProcessing(_ context.Context, id string, totalPages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("%w: export job %s", ErrNotFound, id)
	}
	if job.Status != jobs.StatusPending {
		return nil
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusProcessing
	job.TotalPages = totalPages
	job.StartedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) AdvanceExportCursor(_ context.Context, id string, fromCursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("%w: export job %s", ErrNotFound, id)
	}
	if job.Status != jobs.StatusProcessing || job.Cursor != fromCursor {
		return fmt.Errorf("%w: export job %s cursor %d", ErrStale, id, fromCursor)
	}
	job.Cursor++
	job.ProcessedPages++
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteExportJob(_ context.Context, id, artifactKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("%w: export job %s", ErrNotFound, id)
	}
	if job.Status != jobs.StatusProcessing {
		return fmt.Errorf("%w: export job %s not processing", ErrStale, id)
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusCompleted
	job.ArtifactKey = artifactKey
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailExportJob(_ context.Context, id, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("%w: export job %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: export job %s already terminal", ErrStale, id)
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusFailed
	job.Error = cause
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// ---- generation jobs ----

func (s *MemoryStore) CreateGenerationJob(_ context.Context, job *jobs.GenerationJob) (*jobs.GenerationJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[job.BookID]; !ok {
		return nil, false, fmt.Errorf("%w: book %s", ErrNotFound, job.BookID)
	}
	for _, existing := range s.gens {
		if existing.BookID == job.BookID && !existing.Status.IsTerminal() {
			return cloneGenerationJob(existing), false, nil
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	s.gens[job.ID] = cloneGenerationJob(job)
	return job, true, nil
}

func (s *MemoryStore) GetGenerationJob(_ context.Context, id string) (*jobs.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[id]
	if !ok {
		return nil, fmt.Errorf("%w: generation job %s", ErrNotFound, id)
	}
	return cloneGenerationJob(job), nil
}

func (s *MemoryStore) MarkGenerationProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[id]
	if !ok {
		return fmt.Errorf("%w: generation job %s", ErrNotFound, id)
	}
	if job.Status != jobs.StatusPending {
		return nil
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RecordGenerationSuccess(_ context.Context, jobID string, promptIndex int, page *types.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[jobID]
	if !ok {
		return fmt.Errorf("%w: generation job %s", ErrNotFound, jobID)
	}
	if job.Status != jobs.StatusProcessing {
		return fmt.Errorf("%w: generation job %s is %s", ErrStale, jobID, job.Status)
	}
	if job.Consumed() != promptIndex {
		return fmt.Errorf("%w: generation job %s expects index %d, got %d", ErrStale, jobID, job.Consumed(), promptIndex)
	}

	if err := s.insertPageLocked(page); err != nil {
		return err
	}
	job.CompletedCount++
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordGenerationFailure(_ context.Context, jobID string, promptIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[jobID]
	if !ok {
		return fmt.Errorf("%w: generation job %s", ErrNotFound, jobID)
	}
	if job.Status != jobs.StatusProcessing || job.Consumed() != promptIndex {
		return fmt.Errorf("%w: generation job %s index %d", ErrStale, jobID, promptIndex)
	}
	job.FailedCount++
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteGenerationJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[id]
	if !ok {
		return fmt.Errorf("%w: generation job %s", ErrNotFound, id)
	}
	if job.Status != jobs.StatusProcessing {
		return fmt.Errorf("%w: generation job %s not processing", ErrStale, id)
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailGenerationJob(_ context.Context, id, cause string, skipped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.gens[id]
	if !ok {
		return fmt.Errorf("%w: generation job %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: generation job %s already terminal", ErrStale, id)
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusFailed
	job.Error = cause
	job.SkippedCount = skipped
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func cloneExportJob(job *jobs.ExportJob) *jobs.ExportJob {
	out := *job
	out.StartedAt = cloneTime(job.StartedAt)
	out.CompletedAt = cloneTime(job.CompletedAt)
	return &out
}

func cloneGenerationJob(job *jobs.GenerationJob) *jobs.GenerationJob {
	out := *job
	out.Prompts = append([]string(nil), job.Prompts...)
	out.StartedAt = cloneTime(job.StartedAt)
	out.CompletedAt = cloneTime(job.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ---- unified views ----

func (s *MemoryStore) FindJob(_ context.Context, id string) (*jobs.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.exports[id]; ok {
		v := job.View()
		return &v, nil
	}
	if job, ok := s.gens[id]; ok {
		v := job.View()
		return &v, nil
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
}

func (s *MemoryStore) ListJobs(_ context.Context, ownerID, bookID string) ([]*jobs.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []*jobs.View
	for _, job := range s.exports {
		if job.OwnerID != ownerID || (bookID != "" && job.BookID != bookID) {
			continue
		}
		v := job.View()
		views = append(views, &v)
	}
	for _, job := range s.gens {
		if job.OwnerID != ownerID || (bookID != "" && job.BookID != bookID) {
			continue
		}
		v := job.View()
		views = append(views, &v)
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views, nil
}

// ---- usage ----

func (s *MemoryStore) InsertUsageRecords(_ context.Context, records []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageRows = append(s.usageRows, records...)
	return nil
}

func (s *MemoryStore) UsageSummary(_ context.Context, ownerID string, since time.Time) (*usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := &usage.Summary{
		OwnerID:    ownerID,
		Since:      since,
		ByProvider: make(map[string]usage.ProviderUsage),
	}
	for _, rec := range s.usageRows {
		if rec.OwnerID != ownerID || rec.RecordedAt.Before(since) {
			continue
		}
		pu := summary.ByProvider[rec.Provider]
		pu.Images += rec.Images
		pu.CostUSD += rec.CostUSD
		summary.ByProvider[rec.Provider] = pu
		summary.Images += rec.Images
		summary.CostUSD += rec.CostUSD
	}
	return summary, nil
}

var _ Store = (*MemoryStore)(nil)
