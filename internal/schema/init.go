package schema

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Initialize applies all table definitions to the database.
// It's safe to call multiple times - the DDL is idempotent.
func Initialize(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	schemas, err := All()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	for _, s := range schemas {
		// Exec without arguments uses the simple protocol, which allows the
		// multiple statements a schema file contains.
		if _, err := pool.Exec(ctx, s.SQL); err != nil {
			return fmt.Errorf("failed to apply schema %s: %w", s.Name, err)
		}
		logger.Debug("schema applied", "name", s.Name)
	}

	logger.Info("database schema initialized", "tables", len(schemas))
	return nil
}
