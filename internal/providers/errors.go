package providers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a provider API failure carrying the upstream status code.
// The status code drives the fatal-versus-transient decision for jobs.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string

	// RetryAfter is the server-suggested wait, when present.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsFatal reports whether err should abandon the job rather than retry.
// Rate limiting, exhausted quota, and failed auth will not heal on a
// retry loop that hammers the same credentials.
func IsFatal(err error) bool {
	httpErr, ok := AsHTTPError(err)
	if !ok {
		return false
	}
	switch httpErr.StatusCode {
	case 401, 402, 403, 429:
		return true
	}
	return false
}

// FatalReason returns a short human-readable cause for a fatal error,
// recorded on abandoned jobs. Returns "" for non-fatal errors.
func FatalReason(err error) string {
	httpErr, ok := AsHTTPError(err)
	if !ok {
		return ""
	}
	switch httpErr.StatusCode {
	case 429:
		return "rate limited"
	case 402:
		return "quota exhausted"
	case 401, 403:
		return "authentication failed"
	}
	return ""
}

// AsHTTPError unwraps err to an *HTTPError if one is in the chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// retryAfterDuration parses a Retry-After header given in seconds.
// HTTP-date values are ignored; providers in practice send seconds.
func retryAfterDuration(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
