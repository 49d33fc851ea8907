package export

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/types"
)

var unsafeTitleChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// SanitizeTitle reduces a book title to a safe artifact filename stem:
// lowercase, runs of non-alphanumerics collapsed to single dashes,
// capped at 60 characters. An empty result falls back to "book".
func SanitizeTitle(title string) string {
	s := unsafeTitleChars.ReplaceAllString(title, "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	if s == "" {
		return "book"
	}
	return strings.ToLower(s)
}

// StagingPrefix is the key prefix under which an export job stages
// page images.
func StagingPrefix(jobID string) string {
	return fmt.Sprintf("staging/exports/%s/", jobID)
}

// StagingKey names one staged page image. The zero-padded position
// keeps a lexicographic listing in page order; the short page-id
// suffix keeps keys stable across retries and distinct across pages
// that might share a position historically.
func StagingKey(jobID string, page *types.Page) string {
	return fmt.Sprintf("%spage-%04d-%s.%s", StagingPrefix(jobID), page.Position, shortID(page.ID), page.Ext())
}

// ArtifactKey names the finished archive for download.
func ArtifactKey(ownerID, title string, format jobs.Format, now time.Time) string {
	return fmt.Sprintf("exports/%s/%s-%s.%s",
		ownerID, SanitizeTitle(title), now.UTC().Format("20060102-150405"), format.Ext())
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}

// jobIDFromStagingKey extracts the job id from a staged object key,
// returning "" for keys outside the staging layout.
func jobIDFromStagingKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) < 4 || parts[0] != "staging" || parts[1] != "exports" {
		return ""
	}
	return parts[2]
}
