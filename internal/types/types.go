// Package types provides shared types used across multiple packages.
// This package has no dependencies on other inkwell packages to avoid import cycles.
package types

import "time"

// Book is a coloring book owned by a single user.
type Book struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page is a single printable page of a book. Position is the ordering key
// within the book; positions are unique per book but not necessarily
// contiguous after deletions.
type Page struct {
	ID       string    `json:"id"`
	BookID   string    `json:"book_id"`
	Position int       `json:"position"`
	Prompt   string    `json:"prompt,omitempty"`
	Format   string    `json:"format"`
	Style    PageStyle `json:"style"`

	// ArtifactKey references the page image in object storage, when one
	// was written there. Empty for pages that only live in the database.
	ArtifactKey string `json:"artifact_key,omitempty"`

	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// PageStyle records the rendering options a page was generated with. The
// print-time transforms that apply border and bleed live outside this
// system; the page carries what was asked for.
type PageStyle struct {
	Style       string `json:"style,omitempty"`
	BorderStyle string `json:"border_style,omitempty"`
	Bleed       bool   `json:"bleed,omitempty"`
}

// MIME returns the content type for the page's image format.
func (p Page) MIME() string {
	switch p.Format {
	case "jpeg", "jpg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// Ext returns the file extension for the page's image format, without the dot.
func (p Page) Ext() string {
	switch p.Format {
	case "jpeg", "jpg":
		return "jpg"
	default:
		return "png"
	}
}
