package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the configured image providers and one rate limiter
// per provider. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ImageProvider
	limiters  map[string]*Limiter
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]ImageProvider),
		limiters:  make(map[string]*Limiter),
		logger:    logger,
	}
}

// Register adds or replaces a provider. The limiter is derived from the
// provider's advertised rate; replacing a provider resets its limiter.
func (r *Registry) Register(p ImageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	r.limiters[name] = NewLimiter(p.RequestsPerSecond())
	r.logger.Debug("registered image provider",
		"provider", name,
		"requests_per_second", p.RequestsPerSecond())
}

// Unregister removes a provider and its limiter.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	delete(r.limiters, name)
}

// Get returns the named provider.
func (r *Registry) Get(name string) (ImageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("image provider %q not registered", name)
	}
	return p, nil
}

// Limiter returns the rate limiter for the named provider. Unknown
// names get an unlimited limiter so callers need not special-case.
func (r *Registry) Limiter(name string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	return NewLimiter(0)
}

// Has reports whether a provider with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all providers, used when configuration is reloaded.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]ImageProvider)
	r.limiters = make(map[string]*Limiter)
}
