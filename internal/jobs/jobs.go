// Package jobs defines the persistent job records for background work:
// export jobs that bundle a book's pages into a downloadable artifact, and
// generation jobs that produce new pages from a list of prompts.
//
// Job state machines are intentionally small: pending -> processing ->
// completed | failed. Every state transition is persisted before the next
// unit of work is attempted, so a worker can die at any point and a retry
// resumes from the recorded counters instead of redoing or skipping work.
package jobs

import "fmt"

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final. Terminal jobs are never
// transitioned again; late deliveries against them are acknowledged no-ops.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind discriminates the two job families in the unified job view.
type Kind string

const (
	KindExport     Kind = "export"
	KindGeneration Kind = "generation"
)

// Format is the artifact format of an export job.
type Format string

const (
	FormatZIP Format = "zip"
	FormatPDF Format = "pdf"
)

// ParseFormat validates a client-supplied format string. An empty string
// defaults to ZIP.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "zip":
		return FormatZIP, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format: %q", s)
	}
}

// Ext returns the artifact file extension, without the dot.
func (f Format) Ext() string {
	if f == FormatPDF {
		return "pdf"
	}
	return "zip"
}
