package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwellhq/inkwell/internal/types"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger.With("component", "store")}, nil
}

// Pool exposes the underlying pool for schema initialization.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ---- books ----

func (s *PostgresStore) CreateBook(ctx context.Context, book *types.Book) error {
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	book.CreatedAt = now
	book.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO books (id, owner_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		book.ID, book.OwnerID, book.Title, book.CreatedAt, book.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, id string) (*types.Book, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT b.id, b.owner_id, b.title, b.created_at, b.updated_at,
		        (SELECT COUNT(*) FROM pages p WHERE p.book_id = b.id)
		 FROM books b WHERE b.id = $1`, id)

	var book types.Book
	err := row.Scan(&book.ID, &book.OwnerID, &book.Title, &book.CreatedAt, &book.UpdatedAt, &book.PageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

func (s *PostgresStore) ListBooks(ctx context.Context, ownerID string) ([]*types.Book, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.owner_id, b.title, b.created_at, b.updated_at,
		        (SELECT COUNT(*) FROM pages p WHERE p.book_id = b.id)
		 FROM books b WHERE b.owner_id = $1
		 ORDER BY b.created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []*types.Book
	for rows.Next() {
		var book types.Book
		if err := rows.Scan(&book.ID, &book.OwnerID, &book.Title, &book.CreatedAt, &book.UpdatedAt, &book.PageCount); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, &book)
	}
	return books, rows.Err()
}

func (s *PostgresStore) RenameBook(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE books SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to rename book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteBook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	return nil
}

// ---- pages ----

// AddPage reserves the next position from the book's counter and inserts the
// page in one transaction. The counter only moves forward, so concurrent
// additions get distinct positions even if one later rolls back (positions
// may end up sparse, which readers tolerate).
func (s *PostgresStore) AddPage(ctx context.Context, page *types.Page) error {
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

	if err := insertPage(ctx, tx, page); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// insertPage reserves a position and inserts the page using the given
// transaction. Shared with generation success recording.
func insertPage(ctx context.Context, tx pgx.Tx, page *types.Page) error {
	var pos int
	err := tx.QueryRow(ctx,
		`UPDATE books SET next_page_position = next_page_position + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING next_page_position - 1`, page.BookID).Scan(&pos)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: book %s", ErrNotFound, page.BookID)
		}
		return fmt.Errorf("failed to reserve page position: %w", err)
	}
	page.Position = pos

	style, err := json.Marshal(page.Style)
	if err != nil {
		return fmt.Errorf("failed to encode page style: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pages (id, book_id, position, prompt, format, artifact_key, style, image_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		page.ID, page.BookID, page.Position, page.Prompt, page.Format, page.ArtifactKey, style, page.Data, page.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert page: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPage(ctx context.Context, id string) (*types.Page, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, book_id, position, prompt, format, artifact_key, style, image_data, created_at
		 FROM pages WHERE id = $1`, id)

	var page types.Page
	var style []byte
	err := row.Scan(&page.ID, &page.BookID, &page.Position, &page.Prompt, &page.Format, &page.ArtifactKey, &style, &page.Data, &page.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: page %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	if len(style) > 0 {
		if err := json.Unmarshal(style, &page.Style); err != nil {
			return nil, fmt.Errorf("failed to decode page style: %w", err)
		}
	}
	return &page, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, bookID string) ([]*types.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, book_id, position, prompt, format, artifact_key, style, created_at
		 FROM pages WHERE book_id = $1 ORDER BY position ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*types.Page
	for rows.Next() {
		var page types.Page
		var style []byte
		if err := rows.Scan(&page.ID, &page.BookID, &page.Position, &page.Prompt, &page.Format, &page.ArtifactKey, &style, &page.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		if len(style) > 0 {
			if err := json.Unmarshal(style, &page.Style); err != nil {
				return nil, fmt.Errorf("failed to decode page style: %w", err)
			}
		}
		pages = append(pages, &page)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) PageAtOrdinal(ctx context.Context, bookID string, ordinal int) (*types.Page, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, book_id, position, prompt, format, artifact_key, style, image_data, created_at
		 FROM pages WHERE book_id = $1
		 ORDER BY position ASC
		 LIMIT 1 OFFSET $2`, bookID, ordinal)

	var page types.Page
	var style []byte
	err := row.Scan(&page.ID, &page.BookID, &page.Position, &page.Prompt, &page.Format, &page.ArtifactKey, &style, &page.Data, &page.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: page %d of book %s", ErrNotFound, ordinal, bookID)
		}
		return nil, fmt.Errorf("failed to get page at ordinal %d: %w", ordinal, err)
	}
	if len(style) > 0 {
		if err := json.Unmarshal(style, &page.Style); err != nil {
			return nil, fmt.Errorf("failed to decode page style: %w", err)
		}
	}
	return &page, nil
}

func (s *PostgresStore) SetPageArtifact(ctx context.Context, id, artifactKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET artifact_key = $2 WHERE id = $1`, id, artifactKey)
	if err != nil {
		return fmt.Errorf("failed to set page artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	return nil
}

// SetPageData replaces the image payload and clears the artifact reference,
// which points at the old image once the payload changes.
func (s *PostgresStore) SetPageData(ctx context.Context, id string, data []byte, format string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages
		 SET image_data = $2, format = COALESCE(NULLIF($3, ''), format), artifact_key = ''
		 WHERE id = $1`, id, data, format)
	if err != nil {
		return fmt.Errorf("failed to set page data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	return nil
}

// MovePage shifts pages at or past the target up by one and drops the page
// into the slot. The unique constraint on (book_id, position) is deferred for
// the duration of the transaction so the shuffle can pass through states
// where two rows briefly share a position.
func (s *PostgresStore) MovePage(ctx context.Context, id string, position int) error {
	if position < 0 {
		return fmt.Errorf("position must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET CONSTRAINTS pages_book_position_key DEFERRED`); err != nil {
		return fmt.Errorf("failed to defer position constraint: %w", err)
	}

	var bookID string
	var current int
	err = tx.QueryRow(ctx,
		`SELECT book_id, position FROM pages WHERE id = $1 FOR UPDATE`, id).Scan(&bookID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: page %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to look up page: %w", err)
	}
	if current == position {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE pages SET position = position + 1
		 WHERE book_id = $1 AND id <> $2 AND position >= $3`, bookID, id, position)
	if err != nil {
		return fmt.Errorf("failed to shift pages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pages SET position = $2 WHERE id = $1`, id, position); err != nil {
		return fmt.Errorf("failed to move page: %w", err)
	}

	// Keep the book's counter ahead of every position so later adds cannot
	// collide with the moved range.
	_, err = tx.Exec(ctx,
		`UPDATE books SET
		    next_page_position = GREATEST(next_page_position,
		        (SELECT COALESCE(MAX(position), -1) + 1 FROM pages WHERE book_id = $1)),
		    updated_at = now()
		 WHERE id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("failed to advance book position counter: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CountPages(ctx context.Context, bookID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pages WHERE book_id = $1`, bookID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeletePage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: page %s", ErrNotFound, id)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
