package providers

import (
	"fmt"
	"log/slog"
)

// RegistryConfig defines the provider set to run, keyed by registry
// name. API keys must arrive resolved; the registry never reads the
// environment.
type RegistryConfig struct {
	Providers map[string]ProviderConfig
}

// ProviderConfig is one provider's settings.
type ProviderConfig struct {
	// Type selects the implementation: "openai", "stability" or "mock".
	Type string

	// Model is the image model, or the engine for stability.
	Model string

	// APIKey is the resolved credential. Ignored by the mock type.
	APIKey string

	// RateLimit is the sustained requests per second.
	RateLimit float64

	// CostPerImageUSD overrides the implementation's accounting price.
	CostPerImageUSD float64

	Enabled bool
}

// usable reports whether the entry can produce a provider at all.
// Disabled entries and keyless entries (except the keyless mock) are
// skipped rather than failed, so one unset environment variable does
// not take the whole config down.
func (c ProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	return c.APIKey != "" || c.Type == "mock"
}

// NewRegistryFromConfig builds a registry holding every usable provider
// in cfg.
func NewRegistryFromConfig(cfg RegistryConfig, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Reload(cfg)
	return r
}

// Reload reconciles the registry with cfg: new entries are registered,
// changed entries recreated, and entries gone from the config
// unregistered. Unchanged providers keep their limiter, so a config
// touch does not clear accumulated backoff state.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if !pc.usable() {
			continue
		}
		want[name] = true

		existing, ok := r.providers[name]
		if ok && !needsUpdate(existing, pc) {
			continue
		}
		provider, err := createProvider(name, pc, r.logger)
		if err != nil {
			r.logger.Error("skipping misconfigured image provider", "provider", name, "error", err)
			delete(want, name)
			continue
		}
		r.providers[name] = provider
		r.limiters[name] = NewLimiter(provider.RequestsPerSecond())
		if ok {
			r.logger.Info("updated image provider", "provider", name, "type", pc.Type)
		} else {
			r.logger.Info("registered image provider", "provider", name, "type", pc.Type)
		}
	}

	for name := range r.providers {
		if !want[name] {
			delete(r.providers, name)
			delete(r.limiters, name)
			r.logger.Info("unregistered image provider", "provider", name)
		}
	}
}

func createProvider(name string, cfg ProviderConfig, logger *slog.Logger) (ImageProvider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIImage(OpenAIImageConfig{
			APIKey:          cfg.APIKey,
			Model:           cfg.Model,
			RateLimit:       cfg.RateLimit,
			CostPerImageUSD: cfg.CostPerImageUSD,
			Logger:          logger,
		})
	case "stability":
		return NewStability(StabilityConfig{
			APIKey:          cfg.APIKey,
			Engine:          cfg.Model,
			RateLimit:       cfg.RateLimit,
			CostPerImageUSD: cfg.CostPerImageUSD,
			Logger:          logger,
		})
	case "mock":
		return NewMock(MockConfig{
			Name:            name,
			RateLimit:       cfg.RateLimit,
			CostPerImageUSD: cfg.CostPerImageUSD,
		}), nil
	default:
		return nil, fmt.Errorf("unknown image provider type %q", cfg.Type)
	}
}

// needsUpdate reports whether the running provider no longer matches its
// config entry. Constructors apply defaults, so zero-valued config
// fields count as matching whatever default is in effect.
func needsUpdate(existing ImageProvider, cfg ProviderConfig) bool {
	switch p := existing.(type) {
	case *OpenAIImage:
		return cfg.Type != "openai" ||
			p.cfg.APIKey != cfg.APIKey ||
			(cfg.Model != "" && p.cfg.Model != cfg.Model) ||
			(cfg.RateLimit > 0 && p.cfg.RateLimit != cfg.RateLimit)
	case *Stability:
		return cfg.Type != "stability" ||
			p.cfg.APIKey != cfg.APIKey ||
			(cfg.Model != "" && p.cfg.Engine != cfg.Model) ||
			(cfg.RateLimit > 0 && p.cfg.RateLimit != cfg.RateLimit)
	case *Mock:
		return cfg.Type != "mock" ||
			(cfg.RateLimit > 0 && p.cfg.RateLimit != cfg.RateLimit)
	default:
		return true
	}
}
