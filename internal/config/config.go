// Package config loads and hot-reloads the inkwell configuration file.
// Defaults come from DefaultEntries, overrides from the YAML file and
// INKWELL_* environment variables; secrets stay referenced as
// ${ENV_VAR} until the moment of use.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"

	"github.com/inkwellhq/inkwell/internal/providers"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config. The
// loaded tree is validated against the embedded schema; a config file
// that does not parse or validate fails creation rather than starting a
// server on garbage.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	for _, entry := range DefaultEntries() {
		cm.v.SetDefault(entry.Key, entry.Value)
	}

	// Environment variables with INKWELL_ prefix override file values,
	// e.g. INKWELL_SERVER_PORT.
	cm.v.SetEnvPrefix("INKWELL")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.inkwell")
	}

	// The config file is optional; defaults alone are a working dev setup.
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses and validates the current viper state.
func (cm *Manager) load() (*Config, error) {
	if err := validateSettings(cm.v.AllSettings()); err != nil {
		return nil, err
	}
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading. A rewritten file that fails to
// parse or validate is ignored and the previous config stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the providers section to the
// registry's form, resolving all ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		Providers: make(map[string]providers.ProviderConfig, len(c.Providers)),
	}
	for name, p := range c.Providers {
		cfg.Providers[name] = providers.ProviderConfig{
			Type:            p.Type,
			Model:           p.Model,
			APIKey:          ResolveEnvVars(p.APIKey),
			RateLimit:       p.RateLimit,
			CostPerImageUSD: p.CostPerImageUSD,
			Enabled:         p.Enabled,
		}
	}
	return cfg
}

// ResolveUserTokens inverts auth.tokens into a bearer-token to owner-id
// index with ${ENV_VAR} references resolved. Owners whose token resolves
// empty are dropped; an unset variable must not become a valid
// zero-length credential.
func (c *Config) ResolveUserTokens() map[string]string {
	out := make(map[string]string, len(c.Auth.Tokens))
	for owner, token := range c.Auth.Tokens {
		resolved := ResolveEnvVars(token)
		if resolved == "" {
			continue
		}
		out[resolved] = owner
	}
	return out
}

// ResolveServiceToken returns the internal-endpoint credential with
// ${ENV_VAR} references resolved.
func (c *Config) ResolveServiceToken() string {
	return ResolveEnvVars(c.Auth.ServiceToken)
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Inkwell configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx INKWELL_SERVICE_TOKEN=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
