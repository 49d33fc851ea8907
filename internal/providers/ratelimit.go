package providers

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter smooths outbound request rates for one provider and applies a
// penalty window after upstream 429 responses. Shared by every job that
// targets the same provider.
type Limiter struct {
	limiter *rate.Limiter

	mu              sync.Mutex
	consecutive429s int
	backoffUntil    time.Time
}

// NewLimiter builds a limiter for the given sustained rate.
// A rate of zero or less means unlimited.
func NewLimiter(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	burst := int(math.Ceil(requestsPerSecond))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Wait blocks until a request slot is available or ctx is done. Any
// active 429 penalty is served before the steady-state rate applies.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	penalty := time.Until(l.backoffUntil)
	l.mu.Unlock()

	if penalty > 0 {
		timer := time.NewTimer(penalty)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.limiter.Wait(ctx)
}

// Record429 registers an upstream rate-limit response. Consecutive 429s
// push the next permitted request out exponentially, capped at 30s, or
// further if the server asked for a longer Retry-After.
func (l *Limiter) Record429(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutive429s++
	shift := l.consecutive429s - 1
	if shift > 5 {
		shift = 5
	}
	backoff := time.Second * time.Duration(1<<uint(shift))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	if retryAfter > backoff {
		backoff = retryAfter
	}
	l.backoffUntil = time.Now().Add(backoff)
}

// RecordSuccess clears any 429 penalty state.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutive429s = 0
	l.backoffUntil = time.Time{}
}

// Penalty returns the remaining 429 backoff, zero when none is active.
func (l *Limiter) Penalty() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := time.Until(l.backoffUntil); p > 0 {
		return p
	}
	return 0
}
