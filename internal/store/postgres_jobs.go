package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/types"
)

const exportJobColumns = `id, book_id, owner_id, book_title, format, status, page_cursor,
	processed_pages, total_pages, artifact_key, error,
	created_at, updated_at, started_at, completed_at`

const generationJobColumns = `id, book_id, owner_id, status, prompts, options, notify_address,
	completed_count, failed_count, skipped_count, error,
	created_at, updated_at, started_at, completed_at`

// ---- export jobs ----

func (s *PostgresStore) CreateExportJob(ctx context.Context, job *jobs.ExportJob) (*jobs.ExportJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_jobs (id, book_id, owner_id, book_title, format, status, page_cursor,
		                          processed_pages, total_pages, artifact_key, error,
		                          created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, '', '', $8, $9)`,
		job.ID, job.BookID, job.OwnerID, job.BookTitle, string(job.Format), string(job.Status),
		job.TotalPages, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique index on (book_id) over active rows fired:
			// attach the caller to the job that beat them to it.
			existing, ferr := s.activeExportJob(ctx, job.BookID)
			if ferr != nil {
				return nil, false, fmt.Errorf("book %s has an active export but it could not be loaded: %w", job.BookID, ferr)
			}
			return existing, false, nil
		}
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("%w: book %s", ErrNotFound, job.BookID)
		}
		return nil, false, fmt.Errorf("failed to create export job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) activeExportJob(ctx context.Context, bookID string) (*jobs.ExportJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+exportJobColumns+` FROM export_jobs
		 WHERE book_id = $1 AND status IN ('pending', 'processing')`, bookID)
	return scanExportJob(row)
}

func (s *PostgresStore) GetExportJob(ctx context.Context, id string) (*jobs.ExportJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+exportJobColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: export job %s", ErrNotFound, id)
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) MarkExportProcessing(ctx context.Context, id string, totalPages int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'processing', total_pages = $2, started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, id, totalPages)
	if err != nil {
		return fmt.Errorf("failed to mark export processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdvanceExportCursor(ctx context.Context, id string, fromCursor int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_jobs
		 SET page_cursor = page_cursor + 1, processed_pages = processed_pages + 1, updated_at = now()
		 WHERE id = $1 AND page_cursor = $2 AND status = 'processing'`, id, fromCursor)
	if err != nil {
		return fmt.Errorf("failed to advance export cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: export job %s cursor %d", ErrStale, id, fromCursor)
	}
	return nil
}

func (s *PostgresStore) CompleteExportJob(ctx context.Context, id, artifactKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'completed', artifact_key = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, id, artifactKey)
	if err != nil {
		return fmt.Errorf("failed to complete export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: export job %s not processing", ErrStale, id)
	}
	return nil
}

func (s *PostgresStore) FailExportJob(ctx context.Context, id, cause string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_jobs
		 SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, cause)
	if err != nil {
		return fmt.Errorf("failed to fail export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: export job %s already terminal", ErrStale, id)
	}
	return nil
}

func scanExportJob(row pgx.Row) (*jobs.ExportJob, error) {
	var (
		job            jobs.ExportJob
		format, status string
	)
	err := row.Scan(&job.ID, &job.BookID, &job.OwnerID, &job.BookTitle, &format, &status, &job.Cursor,
		&job.ProcessedPages, &job.TotalPages, &job.ArtifactKey, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Format = jobs.Format(format)
	job.Status = jobs.Status(status)
	return &job, nil
}

// ---- generation jobs ----

func (s *PostgresStore) CreateGenerationJob(ctx context.Context, job *jobs.GenerationJob) (*jobs.GenerationJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = jobs.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	options, err := json.Marshal(job.Options)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode generation options: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO generation_jobs (id, book_id, owner_id, status, prompts, options, notify_address,
		                              completed_count, failed_count, skipped_count, error,
		                              created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, '', $8, $9)`,
		job.ID, job.BookID, job.OwnerID, string(job.Status), job.Prompts, options,
		job.NotifyAddress, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, ferr := s.activeGenerationJob(ctx, job.BookID)
			if ferr != nil {
				return nil, false, fmt.Errorf("book %s has an active generation but it could not be loaded: %w", job.BookID, ferr)
			}
			return existing, false, nil
		}
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("%w: book %s", ErrNotFound, job.BookID)
		}
		return nil, false, fmt.Errorf("failed to create generation job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) activeGenerationJob(ctx context.Context, bookID string) (*jobs.GenerationJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+generationJobColumns+` FROM generation_jobs
		 WHERE book_id = $1 AND status IN ('pending', 'processing')`, bookID)
	return scanGenerationJob(row)
}

func (s *PostgresStore) GetGenerationJob(ctx context.Context, id string) (*jobs.GenerationJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+generationJobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanGenerationJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: generation job %s", ErrNotFound, id)
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) MarkGenerationProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'processing', started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark generation processing: %w", err)
	}
	return nil
}

// RecordGenerationSuccess holds the job row locked while it reserves a page
// position, inserts the page, and bumps the completed count. All three land
// or none do, which is what keeps "one completed prompt, one page" true even
// with duplicate deliveries racing each other.
func (s *PostgresStore) RecordGenerationSuccess(ctx context.Context, jobID string, promptIndex int, page *types.Page) error {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if page.Format == "" {
		page.Format = "png"
	}
	page.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status            string
		completed, failed int
	)
	err = tx.QueryRow(ctx,
		`SELECT status, completed_count, failed_count FROM generation_jobs
		 WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &completed, &failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: generation job %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("failed to lock generation job: %w", err)
	}
	if jobs.Status(status) != jobs.StatusProcessing {
		return fmt.Errorf("%w: generation job %s is %s", ErrStale, jobID, status)
	}
	if completed+failed != promptIndex {
		return fmt.Errorf("%w: generation job %s expects index %d, got %d", ErrStale, jobID, completed+failed, promptIndex)
	}

	if err := insertPage(ctx, tx, page); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE generation_jobs SET completed_count = completed_count + 1, updated_at = now()
		 WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to record generation success: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordGenerationFailure(ctx context.Context, jobID string, promptIndex int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
		 SET failed_count = failed_count + 1, updated_at = now()
		 WHERE id = $1 AND status = 'processing' AND completed_count + failed_count = $2`,
		jobID, promptIndex)
	if err != nil {
		return fmt.Errorf("failed to record generation failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: generation job %s index %d", ErrStale, jobID, promptIndex)
	}
	return nil
}

func (s *PostgresStore) CompleteGenerationJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'completed', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to complete generation job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: generation job %s not processing", ErrStale, id)
	}
	return nil
}

func (s *PostgresStore) FailGenerationJob(ctx context.Context, id, cause string, skipped int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'failed', error = $2, skipped_count = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, cause, skipped)
	if err != nil {
		return fmt.Errorf("failed to fail generation job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: generation job %s already terminal", ErrStale, id)
	}
	return nil
}

func scanGenerationJob(row pgx.Row) (*jobs.GenerationJob, error) {
	var (
		job     jobs.GenerationJob
		status  string
		options []byte
	)
	err := row.Scan(&job.ID, &job.BookID, &job.OwnerID, &status, &job.Prompts, &options,
		&job.NotifyAddress, &job.CompletedCount, &job.FailedCount, &job.SkippedCount, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, fmt.Errorf("failed to decode generation options: %w", err)
		}
	}
	return &job, nil
}

// ---- unified views ----

func (s *PostgresStore) FindJob(ctx context.Context, id string) (*jobs.View, error) {
	exp, err := s.GetExportJob(ctx, id)
	if err == nil {
		v := exp.View()
		return &v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	gen, err := s.GetGenerationJob(ctx, id)
	if err == nil {
		v := gen.View()
		return &v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
}

func (s *PostgresStore) ListJobs(ctx context.Context, ownerID, bookID string) ([]*jobs.View, error) {
	var views []*jobs.View

	expViews, err := s.listExportViews(ctx, ownerID, bookID)
	if err != nil {
		return nil, err
	}
	views = append(views, expViews...)

	genViews, err := s.listGenerationViews(ctx, ownerID, bookID)
	if err != nil {
		return nil, err
	}
	views = append(views, genViews...)

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views, nil
}

func (s *PostgresStore) listExportViews(ctx context.Context, ownerID, bookID string) ([]*jobs.View, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE owner_id = $1`
	args := []any{ownerID}
	if bookID != "" {
		query += ` AND book_id = $2`
		args = append(args, bookID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list export jobs: %w", err)
	}
	defer rows.Close()

	var views []*jobs.View
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export job: %w", err)
		}
		v := job.View()
		views = append(views, &v)
	}
	return views, rows.Err()
}

func (s *PostgresStore) listGenerationViews(ctx context.Context, ownerID, bookID string) ([]*jobs.View, error) {
	query := `SELECT ` + generationJobColumns + ` FROM generation_jobs WHERE owner_id = $1`
	args := []any{ownerID}
	if bookID != "" {
		query += ` AND book_id = $2`
		args = append(args, bookID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation jobs: %w", err)
	}
	defer rows.Close()

	var views []*jobs.View
	for rows.Next() {
		job, err := scanGenerationJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation job: %w", err)
		}
		v := job.View()
		views = append(views, &v)
	}
	return views, rows.Err()
}
