package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"image"
	"image/png"
	"strings"
	"sync"
	"time"
)

// MockConfig configures the mock image provider.
type MockConfig struct {
	// Name overrides the provider name, for registering several mocks.
	Name string

	// Latency adds an artificial delay per request.
	Latency time.Duration

	// RateLimit is the advertised requests per second. Zero means
	// unlimited.
	RateLimit float64

	// CostPerImageUSD is the accounting cost per image.
	CostPerImageUSD float64

	// Fail maps prompt substrings to the error returned when the
	// incoming prompt contains them.
	Fail map[string]error
}

// Mock is a deterministic in-process provider for development and
// tests. The same prompt always produces the same valid PNG.
type Mock struct {
	cfg MockConfig

	mu    sync.Mutex
	calls int
	last  *GenerateRequest
}

var _ ImageProvider = (*Mock)(nil)

// NewMock builds a mock provider.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	return &Mock{cfg: cfg}
}

func (m *Mock) Name() string { return m.cfg.Name }

func (m *Mock) RequestsPerSecond() float64 { return m.cfg.RateLimit }

// Calls returns how many Generate calls the mock has served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request the mock served, or nil.
func (m *Mock) LastRequest() *GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Mock) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()

	start := time.Now()
	if m.cfg.Latency > 0 {
		timer := time.NewTimer(m.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	for substr, err := range m.cfg.Fail {
		if strings.Contains(req.Prompt, substr) {
			return nil, err
		}
	}

	model := "mock-v1"
	if req.Model != "" {
		model = req.Model
	}
	return &GenerateResult{
		Data:          renderMockImage(req.Prompt),
		Format:        "png",
		Model:         model,
		CostUSD:       m.cfg.CostPerImageUSD,
		ExecutionTime: time.Since(start),
	}, nil
}

// renderMockImage produces a small PNG whose pixels derive from the
// prompt, so downstream archive and PDF stages see decodable images.
func renderMockImage(prompt string) []byte {
	sum := sha256.Sum256([]byte(prompt))
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = sum[i%len(sum)]
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err) // encoding to a bytes.Buffer cannot fail
	}
	return buf.Bytes()
}
