package jobs

import "time"

// ExportJob tracks the assembly of one book into a single downloadable
// artifact. Pages are staged one per queue delivery; Cursor is the ordinal of
// the next page to stage and always equals ProcessedPages. TotalPages is
// snapshotted when the job first moves to processing, so pages added to the
// book afterwards do not stretch a running export.
type ExportJob struct {
	ID      string `json:"id"`
	BookID  string `json:"book_id"`
	OwnerID string `json:"owner_id"`

	// BookTitle is captured at creation and names the artifact, so a
	// rename mid-export does not change the filename the caller was
	// promised.
	BookTitle string `json:"book_title,omitempty"`

	Format Format `json:"format"`
	Status Status `json:"status"`

	Cursor         int `json:"cursor"`
	ProcessedPages int `json:"processed_pages"`
	TotalPages     int `json:"total_pages"`

	// ArtifactKey is the blob key of the finished archive, set on completion.
	ArtifactKey string `json:"artifact_key,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Remaining returns how many pages are still to be staged.
func (j *ExportJob) Remaining() int {
	if j.TotalPages < j.Cursor {
		return 0
	}
	return j.TotalPages - j.Cursor
}

// View projects the job into the unified job view returned by the API.
func (j *ExportJob) View() View {
	return View{
		ID:          j.ID,
		Kind:        KindExport,
		BookID:      j.BookID,
		OwnerID:     j.OwnerID,
		Status:      j.Status,
		Progress:    Progress{Processed: j.ProcessedPages, Total: j.TotalPages},
		ArtifactKey: j.ArtifactKey,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
