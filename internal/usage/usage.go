// Package usage tracks provider spend. Generation writes one record per
// completed image; records are buffered in memory and flushed in batches so
// accounting never sits in the hot path of a provider call.
package usage

import (
	"context"
	"time"
)

// Record is one billable provider call.
type Record struct {
	OwnerID    string    `json:"owner_id"`
	JobID      string    `json:"job_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	Images     int       `json:"images"`
	CostUSD    float64   `json:"cost_usd"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Writer persists usage records. The database store implements this.
type Writer interface {
	InsertUsageRecords(ctx context.Context, records []Record) error
}

// Summary aggregates an owner's usage since a point in time.
type Summary struct {
	OwnerID    string                   `json:"owner_id"`
	Since      time.Time                `json:"since"`
	Images     int                      `json:"images"`
	CostUSD    float64                  `json:"cost_usd"`
	ByProvider map[string]ProviderUsage `json:"by_provider,omitempty"`
}

// ProviderUsage is the per-provider slice of a Summary.
type ProviderUsage struct {
	Images  int     `json:"images"`
	CostUSD float64 `json:"cost_usd"`
}
