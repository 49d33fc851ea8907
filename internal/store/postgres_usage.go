package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inkwellhq/inkwell/internal/usage"
)

func (s *PostgresStore) InsertUsageRecords(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(
			`INSERT INTO usage_records (owner_id, job_id, provider, model, images, cost_usd, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.OwnerID, rec.JobID, rec.Provider, rec.Model, rec.Images, rec.CostUSD, rec.RecordedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UsageSummary(ctx context.Context, ownerID string, since time.Time) (*usage.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, COALESCE(SUM(images), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE owner_id = $1 AND recorded_at >= $2
		 GROUP BY provider`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	summary := &usage.Summary{
		OwnerID:    ownerID,
		Since:      since,
		ByProvider: make(map[string]usage.ProviderUsage),
	}
	for rows.Next() {
		var (
			provider string
			pu       usage.ProviderUsage
		)
		if err := rows.Scan(&provider, &pu.Images, &pu.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		summary.ByProvider[provider] = pu
		summary.Images += pu.Images
		summary.CostUSD += pu.CostUSD
	}
	return summary, rows.Err()
}
