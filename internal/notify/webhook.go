package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultWebhookAttempts = 5
	defaultWebhookTimeout  = 30 * time.Second
	defaultRetryBase       = time.Second
	defaultRetryCap        = 2 * time.Minute
)

// WebhookConfig configures webhook event delivery.
type WebhookConfig struct {
	// URL receives a JSON POST per event without an address of its own.
	// Optional when every job supplies a notify address.
	URL string

	// MaxAttempts caps delivery attempts per event. Defaults to 5.
	MaxAttempts int

	// Timeout bounds a single POST. Defaults to 30s.
	Timeout time.Duration

	// RetryBase is the backoff base between attempts. Defaults to 1s.
	RetryBase time.Duration

	// RetryCap bounds the backoff. Defaults to 2m.
	RetryCap time.Duration

	// AllowPrivate permits loopback and private destination addresses,
	// for local development.
	AllowPrivate bool

	Logger *slog.Logger
}

// Webhook posts events to a configured URL with retries. Events are
// delivered from a goroutine so job processing never waits on a slow
// receiver.
type Webhook struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook validates the configured destination once up front and
// returns the notifier. Private and loopback destinations are rejected
// unless AllowPrivate is set, which keeps callbacks from probing the
// internal network. Per-job addresses go through the same check at
// delivery time.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL != "" {
		if err := validateURL(cfg.URL, cfg.AllowPrivate); err != nil {
			return nil, fmt.Errorf("webhook url: %w", err)
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultWebhookAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}, nil
}

// Notify serializes the event and delivers it asynchronously. Events
// carrying their own address are sent there after the same destination
// check; others go to the configured URL. Callers should pass a context
// that outlives the job, such as context.WithoutCancel of the worker
// context, so retries survive job completion but stop on shutdown.
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	dest := w.cfg.URL
	if ev.Address != "" {
		if err := validateURL(ev.Address, w.cfg.AllowPrivate); err != nil {
			w.logger.Warn("webhook: rejecting notify address", "job_id", ev.JobID, "error", err)
			return
		}
		dest = ev.Address
	}
	if dest == "" {
		w.logger.Debug("webhook: no destination for event", "job_id", ev.JobID)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("webhook: encoding event", "job_id", ev.JobID, "error", err)
		return
	}
	go w.deliver(ctx, dest, ev.JobID, payload)
}

func (w *Webhook) deliver(ctx context.Context, dest, jobID string, payload []byte) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := w.post(ctx, dest, payload)
		if err == nil {
			return
		}
		w.logger.Warn("webhook attempt failed",
			"attempt", attempt, "job_id", jobID, "error", err)
		if attempt < w.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.jitter(attempt)):
			}
		}
	}
	w.logger.Error("webhook: all retries exhausted", "job_id", jobID)
}

func (w *Webhook) post(ctx context.Context, dest string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// jitter returns a random duration between 0 and
// min(RetryCap, RetryBase * 2^attempt). Full jitter prevents
// synchronized retries when several events fail at the same time.
func (w *Webhook) jitter(attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	exp := w.cfg.RetryBase * (1 << uint(attempt))
	if exp > w.cfg.RetryCap || exp <= 0 {
		exp = w.cfg.RetryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate is set,
// private and internal destination addresses.
func validateURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}
