package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	defaultStabilityEngine  = "stable-diffusion-xl-1024-v1-0"
	defaultStabilityBaseURL = "https://api.stability.ai"
	defaultStabilityRate    = 1.0
	defaultStabilityCostUSD = 0.004
	defaultStabilityTimeout = 90 * time.Second
)

// StabilityConfig configures the Stability AI image provider.
type StabilityConfig struct {
	// APIKey is the Stability API key. Required.
	APIKey string

	// Engine selects the generation engine.
	Engine string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// Size is the default output size when a job does not specify one.
	// Unsupported sizes fall back to 1024x1024.
	Size string

	// StylePreset is passed through to the API. Defaults to line-art,
	// which matches coloring page output.
	StylePreset string

	// RateLimit is the sustained requests per second. Defaults to 1.
	RateLimit float64

	// MaxRetries caps retries for transient upstream failures.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Defaults to 1s.
	RetryDelay time.Duration

	// Timeout bounds a single generation request.
	Timeout time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client

	// CostPerImageUSD is the accounting cost per image.
	CostPerImageUSD float64

	Logger *slog.Logger
}

// Stability generates images through the Stability AI REST API.
type Stability struct {
	cfg        StabilityConfig
	httpClient *http.Client
	logger     *slog.Logger
}

var _ ImageProvider = (*Stability)(nil)

// NewStability builds a Stability image provider.
func NewStability(cfg StabilityConfig) (*Stability, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stability: API key is required")
	}
	if cfg.Engine == "" {
		cfg.Engine = defaultStabilityEngine
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultStabilityBaseURL
	}
	if cfg.StylePreset == "" {
		cfg.StylePreset = "line-art"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultStabilityRate
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStabilityTimeout
	}
	if cfg.CostPerImageUSD <= 0 {
		cfg.CostPerImageUSD = defaultStabilityCostUSD
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Stability{cfg: cfg, httpClient: httpClient, logger: cfg.Logger}, nil
}

func (p *Stability) Name() string { return "stability" }

func (p *Stability) RequestsPerSecond() float64 { return p.cfg.RateLimit }

type stabilityPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type stabilityRequest struct {
	TextPrompts []stabilityPrompt `json:"text_prompts"`
	CfgScale    float64           `json:"cfg_scale"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Samples     int               `json:"samples"`
	Steps       int               `json:"steps"`
	StylePreset string            `json:"style_preset,omitempty"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Generate renders one image via text-to-image.
func (p *Stability) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()

	size := req.Size
	if size == "" {
		size = p.cfg.Size
	}
	width, height := normalizeStabilitySize(size)
	engine := p.cfg.Engine
	if req.Model != "" {
		engine = req.Model
	}

	payload, err := json.Marshal(stabilityRequest{
		TextPrompts: []stabilityPrompt{{Text: BuildPrompt(req), Weight: 1}},
		CfgScale:    7,
		Width:       width,
		Height:      height,
		Samples:     1,
		Steps:       30,
		StylePreset: p.cfg.StylePreset,
	})
	if err != nil {
		return nil, fmt.Errorf("stability: encoding request: %w", err)
	}

	body, err := p.doRequest(ctx, engine, payload, req.RequestID)
	if err != nil {
		return nil, err
	}

	var parsed stabilityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("stability: decoding response: %w", err)
	}
	if len(parsed.Artifacts) == 0 {
		return nil, fmt.Errorf("stability: response contained no artifacts")
	}
	artifact := parsed.Artifacts[0]
	if artifact.FinishReason == "ERROR" || artifact.FinishReason == "CONTENT_FILTERED" {
		return nil, fmt.Errorf("stability: generation finished with %s", strings.ToLower(artifact.FinishReason))
	}

	data, err := base64.StdEncoding.DecodeString(artifact.Base64)
	if err != nil {
		return nil, fmt.Errorf("stability: decoding image payload: %w", err)
	}

	elapsed := time.Since(start)
	p.logger.Debug("stability image generated",
		"engine", engine,
		"size", size,
		"bytes", len(data),
		"duration", elapsed,
		"request_id", req.RequestID)

	return &GenerateResult{
		Data:          data,
		Format:        "png",
		Model:         engine,
		CostUSD:       p.cfg.CostPerImageUSD,
		ExecutionTime: elapsed,
	}, nil
}

// doRequest sends the generation request, retrying transient upstream
// failures with jittered exponential backoff. Fatal statuses return
// immediately so the caller can abandon the job.
func (p *Stability) doRequest(ctx context.Context, engine string, payload []byte, requestID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image",
		strings.TrimRight(p.cfg.BaseURL, "/"), engine)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			p.logger.Debug("retrying stability request",
				"attempt", attempt, "request_id", requestID, "last_error", lastErr)
			if err := sleepWithJitter(ctx, attempt, p.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("stability: building request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("stability: sending request: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("stability: reading response: %w", readErr)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		httpErr := &HTTPError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    stabilityMessage(body),
			RetryAfter: retryAfterDuration(resp.Header.Get("Retry-After")),
		}
		if IsFatal(httpErr) {
			return nil, httpErr
		}
		if resp.StatusCode < 500 {
			return nil, httpErr
		}
		lastErr = httpErr
	}

	return nil, fmt.Errorf("stability: giving up after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

func stabilityMessage(body []byte) string {
	var e struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// sleepWithJitter waits base*2^(attempt-1) capped at 10s, scaled by a
// random factor in [0.8, 1.3), honoring context cancellation.
func sleepWithJitter(ctx context.Context, attempt int, base time.Duration) error {
	shift := attempt - 1
	if shift > 4 {
		shift = 4
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	jittered := time.Duration(float64(delay) * (0.8 + 0.5*rand.Float64()))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var stabilitySizes = map[string][2]int{
	"1024x1024": {1024, 1024},
	"1152x896":  {1152, 896},
	"896x1152":  {896, 1152},
	"1216x832":  {1216, 832},
	"832x1216":  {832, 1216},
	"1344x768":  {1344, 768},
	"768x1344":  {768, 1344},
}

func normalizeStabilitySize(size string) (int, int) {
	if dims, ok := stabilitySizes[size]; ok {
		return dims[0], dims[1]
	}
	return 1024, 1024
}
