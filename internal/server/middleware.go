package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

const requestIDHeader = "X-Request-Id"

// requestID assigns each request an identifier, honoring one supplied by the
// caller so IDs survive proxy hops. The ID is echoed back in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r.Header.Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start).Round(time.Microsecond).String(),
				"request_id", r.Header.Get(requestIDHeader))
		})
	}
}

// rateLimit applies a per-client token bucket keyed by remote IP. Stale
// entries are swept every minute so the map does not grow unbounded.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authState holds the resolved credentials. Config reload swaps the whole
// set, so a token added to the config file takes effect without a restart.
type authState struct {
	mu           sync.RWMutex
	userTokens   map[string]string
	serviceToken string
}

func (a *authState) update(cfg *config.Config) {
	tokens := cfg.ResolveUserTokens()
	service := cfg.ResolveServiceToken()
	a.mu.Lock()
	a.userTokens = tokens
	a.serviceToken = service
	a.mu.Unlock()
}

func (a *authState) lookup(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, ok := a.userTokens[token]
	return owner, ok
}

func (a *authState) service() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.serviceToken
}

// open reports whether no credentials are configured at all. With nothing to
// check against, auth is disabled rather than locking every request out.
func (a *authState) open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.userTokens) == 0 && a.serviceToken == ""
}

// authenticate resolves the caller's identity before the request reaches an
// endpoint. Health and docs paths stay public. The service token grants
// internal access for queue-driven callbacks; bearer tokens map to owners.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		if token := r.Header.Get("X-Internal-Token"); token != "" {
			service := s.auth.service()
			if service == "" || token != service {
				writeMiddlewareError(w, http.StatusUnauthorized, "invalid service credential")
				return
			}
			next.ServeHTTP(w, r.WithContext(svcctx.WithInternal(ctx)))
			return
		}

		if s.auth.open() {
			// Local development: no tokens configured, everything runs
			// as the default owner with internal access.
			ctx = svcctx.WithOwner(ctx, "default")
			ctx = svcctx.WithInternal(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeMiddlewareError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, ok := s.auth.lookup(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
		if !ok || owner == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(svcctx.WithOwner(ctx, owner)))
	})
}

func publicPath(path string) bool {
	switch path {
	case "/health", "/ready", "/status", "/docs":
		return true
	}
	return strings.HasPrefix(path, "/docs/")
}

func writeMiddlewareError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
