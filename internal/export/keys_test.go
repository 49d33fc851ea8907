package export

import (
	"strings"
	"testing"
	"time"

	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/types"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Dragons", "my-dragons"},
		{"My  Dragons!!", "my-dragons"},
		{"sea creatures: vol. 2", "sea-creatures-vol-2"},
		{"---", "book"},
		{"", "book"},
		{"Günter's Book", "g-nter-s-book"},
		{strings.Repeat("a", 100), strings.Repeat("a", 60)},
	}
	for _, tt := range tests {
		if got := SanitizeTitle(tt.in); got != tt.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStagingKey(t *testing.T) {
	page := &types.Page{ID: "abcdef123456", Position: 7, Format: "png"}
	got := StagingKey("job-1", page)
	want := "staging/exports/job-1/page-0007-abcdef.png"
	if got != want {
		t.Errorf("StagingKey = %q, want %q", got, want)
	}

	// Short page ids are used whole.
	page = &types.Page{ID: "ab12", Position: 0, Format: "jpeg"}
	got = StagingKey("job-1", page)
	want = "staging/exports/job-1/page-0000-ab12.jpg"
	if got != want {
		t.Errorf("StagingKey = %q, want %q", got, want)
	}
}

func TestArtifactKey(t *testing.T) {
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	got := ArtifactKey("owner-1", "My Dragons", jobs.FormatZIP, at)
	want := "exports/owner-1/my-dragons-20260825-103000.zip"
	if got != want {
		t.Errorf("ArtifactKey = %q, want %q", got, want)
	}

	got = ArtifactKey("owner-1", "My Dragons", jobs.FormatPDF, at)
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("ArtifactKey for pdf format = %q, want .pdf suffix", got)
	}
}

func TestJobIDFromStagingKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"staging/exports/job-1/page-0001-abc.png", "job-1"},
		{"staging/exports/job-1/", ""},
		{"exports/owner/file.zip", ""},
		{"staging/other/job-1/x", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := jobIDFromStagingKey(tt.key); got != tt.want {
			t.Errorf("jobIDFromStagingKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
