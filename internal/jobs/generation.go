package jobs

import "time"

// GenerationJob tracks the creation of new pages from a list of prompts.
// Each prompt is one queue delivery carrying its index; the job is the source
// of truth for which index comes next. Counters only ever grow.
type GenerationJob struct {
	ID      string `json:"id"`
	BookID  string `json:"book_id"`
	OwnerID string `json:"owner_id"`
	Status  Status `json:"status"`

	Prompts []string          `json:"prompts"`
	Options GenerationOptions `json:"options"`

	// NotifyAddress is an optional webhook destination for the terminal
	// event, captured at creation.
	NotifyAddress string `json:"notify_address,omitempty"`

	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	// SkippedCount records prompts that were never attempted because a fatal
	// provider error abandoned the job partway through.
	SkippedCount int `json:"skipped_count"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerationOptions carries per-job knobs forwarded to the image provider.
type GenerationOptions struct {
	// Provider selects the image provider by registry name. Empty uses the
	// configured default.
	Provider string `json:"provider,omitempty"`
	// Model overrides the provider's configured model.
	Model string `json:"model,omitempty"`
	// Style is prepended to every prompt as rendering guidance.
	Style string `json:"style,omitempty"`
	// Size is the requested image dimensions, e.g. "1024x1024".
	Size string `json:"size,omitempty"`
	// BorderStyle asks for a decorative frame drawn around the art,
	// e.g. "rounded" or "scalloped".
	BorderStyle string `json:"border_style,omitempty"`
	// Bleed extends the artwork to the page edges for full-bleed printing
	// instead of keeping a safe margin.
	Bleed bool `json:"bleed,omitempty"`
}

// Consumed returns the number of prompts already resolved, one way or the
// other. It is the expected index of the next delivery: a delivery whose
// index is below it is a duplicate, and one above it has skipped work.
func (j *GenerationJob) Consumed() int {
	return j.CompletedCount + j.FailedCount
}

// Remaining returns how many prompts have not been resolved yet.
func (j *GenerationJob) Remaining() int {
	n := len(j.Prompts) - j.Consumed() - j.SkippedCount
	if n < 0 {
		return 0
	}
	return n
}

// View projects the job into the unified job view returned by the API.
func (j *GenerationJob) View() View {
	return View{
		ID:      j.ID,
		Kind:    KindGeneration,
		BookID:  j.BookID,
		OwnerID: j.OwnerID,
		Status:  j.Status,
		Progress: Progress{
			Processed: j.CompletedCount,
			Failed:    j.FailedCount,
			Skipped:   j.SkippedCount,
			Total:     len(j.Prompts),
		},
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
