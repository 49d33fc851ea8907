package jobs

import "time"

// View is the kind-agnostic job representation served by the jobs API.
// Pollers only need status and progress; everything else is informational.
type View struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	BookID      string    `json:"book_id"`
	OwnerID     string    `json:"owner_id"`
	Status      Status    `json:"status"`
	Progress    Progress  `json:"progress"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress summarizes how far a job has come. For exports Failed and Skipped
// are always zero; a page that cannot be staged fails the whole job.
type Progress struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed,omitempty"`
	Skipped   int `json:"skipped,omitempty"`
	Total     int `json:"total"`
}

// Done reports whether every unit has been accounted for.
func (p Progress) Done() bool {
	return p.Processed+p.Failed+p.Skipped >= p.Total
}
