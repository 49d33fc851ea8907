package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultOpenAIModel   = "gpt-image-1"
	defaultOpenAISize    = "1024x1024"
	defaultOpenAICostUSD = 0.04
	defaultOpenAIRate    = 0.5
)

// OpenAIImageConfig configures the OpenAI image provider.
type OpenAIImageConfig struct {
	// APIKey is the OpenAI API key. Required.
	APIKey string

	// Model selects the image model. Defaults to gpt-image-1.
	Model string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// Size is the default output size when a job does not specify one.
	Size string

	// RateLimit is the sustained requests per second. Defaults to 0.5.
	RateLimit float64

	// MaxRetries caps the client's built-in retries for transient
	// failures. Defaults to 2.
	MaxRetries int

	// Timeout bounds a single generation request.
	Timeout time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client

	// CostPerImageUSD is the accounting cost per image. Defaults to
	// the published gpt-image-1 medium-quality price.
	CostPerImageUSD float64

	Logger *slog.Logger
}

// OpenAIImage generates images through the OpenAI Images API.
type OpenAIImage struct {
	client openai.Client
	cfg    OpenAIImageConfig
	logger *slog.Logger
}

var _ ImageProvider = (*OpenAIImage)(nil)

// NewOpenAIImage builds an OpenAI image provider.
func NewOpenAIImage(cfg OpenAIImageConfig) (*OpenAIImage, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Size == "" {
		cfg.Size = defaultOpenAISize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultOpenAIRate
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.CostPerImageUSD <= 0 {
		cfg.CostPerImageUSD = defaultOpenAICostUSD
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIImage{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

func (p *OpenAIImage) Name() string { return "openai" }

func (p *OpenAIImage) RequestsPerSecond() float64 { return p.cfg.RateLimit }

// Generate renders one image. gpt-image-* models always return base64
// payloads; dall-e models need ResponseFormat set explicitly or they
// hand back a URL instead.
func (p *OpenAIImage) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()

	size := req.Size
	if size == "" {
		size = p.cfg.Size
	}
	model := p.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ImageGenerateParams{
		Prompt: BuildPrompt(req),
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
		Size:   normalizeOpenAISize(size),
	}
	if strings.HasPrefix(model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("openai: response contained no image data")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai: decoding image payload: %w", err)
	}

	elapsed := time.Since(start)
	p.logger.Debug("openai image generated",
		"model", model,
		"size", size,
		"bytes", len(data),
		"duration", elapsed,
		"request_id", req.RequestID)

	return &GenerateResult{
		Data:          data,
		Format:        "png",
		Model:         model,
		CostUSD:       p.cfg.CostPerImageUSD,
		ExecutionTime: elapsed,
	}, nil
}

func (p *OpenAIImage) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		httpErr := &HTTPError{
			Provider:   p.Name(),
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
		if apiErr.Response != nil {
			httpErr.RetryAfter = retryAfterDuration(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return fmt.Errorf("openai image generation: %w", err)
}

func normalizeOpenAISize(size string) openai.ImageGenerateParamsSize {
	switch size {
	case "256x256":
		return openai.ImageGenerateParamsSize256x256
	case "512x512":
		return openai.ImageGenerateParamsSize512x512
	case "1536x1024":
		return openai.ImageGenerateParamsSize1536x1024
	case "1024x1536":
		return openai.ImageGenerateParamsSize1024x1536
	default:
		return openai.ImageGenerateParamsSize1024x1024
	}
}
