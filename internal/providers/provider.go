package providers

import (
	"context"
	"strings"
	"time"
)

// ImageProvider generates a single line-art image from a text prompt.
// Implementations must be safe for concurrent use.
type ImageProvider interface {
	// Name returns the provider identifier used in configuration,
	// job options, and usage records.
	Name() string

	// Generate renders one image for the request prompt. Errors that
	// should abandon the whole job (auth, quota, rate limiting) are
	// returned as *HTTPError with a fatal status code.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// RequestsPerSecond returns the provider's rate limit.
	// Zero means unlimited.
	RequestsPerSecond() float64
}

// GenerateRequest describes one image to render.
type GenerateRequest struct {
	// Prompt is the subject description, e.g. "a friendly octopus".
	Prompt string

	// Style adjusts the prompt toward a drawing style. Optional.
	Style string

	// Border asks for a decorative frame drawn around the art,
	// e.g. "rounded". Optional.
	Border string

	// Bleed extends the artwork to the page edges instead of keeping a
	// safe margin.
	Bleed bool

	// Model overrides the provider's configured model for this request.
	// Optional; providers ignore values they do not recognize as theirs.
	Model string

	// Size is the requested output dimensions, e.g. "1024x1024".
	// Providers snap unsupported sizes to the nearest supported one.
	Size string

	// RequestID correlates provider calls with job log lines. Optional.
	RequestID string
}

// GenerateResult is the rendered image plus accounting metadata.
type GenerateResult struct {
	// Data is the raw image bytes.
	Data []byte

	// Format is "png" or "jpeg".
	Format string

	// Model is the concrete model that produced the image.
	Model string

	// CostUSD is the estimated cost of this generation.
	CostUSD float64

	// ExecutionTime is how long the provider call took.
	ExecutionTime time.Duration
}

// BuildPrompt frames a page subject as a coloring page prompt. Image
// models need the line-art constraints restated on every request or
// they drift into shaded, full-color output. Border and bleed are
// rendering requests only; the print pipeline applies the real
// transforms.
func BuildPrompt(req *GenerateRequest) string {
	var b strings.Builder
	b.WriteString("Black and white line art for a children's coloring book page: ")
	b.WriteString(req.Prompt)
	if req.Style != "" {
		b.WriteString(", drawn in a ")
		b.WriteString(req.Style)
		b.WriteString(" style")
	}
	if req.Border != "" {
		b.WriteString(", framed by a ")
		b.WriteString(req.Border)
		b.WriteString(" border")
	}
	if req.Bleed {
		b.WriteString(", with the artwork extending to the page edges")
	}
	b.WriteString(". Clean bold outlines, no shading, no color, plain white background.")
	return b.String()
}
