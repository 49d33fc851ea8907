package config

// Config holds inkwell configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server     ServerCfg              `mapstructure:"server" yaml:"server"`
	Database   DatabaseCfg            `mapstructure:"database" yaml:"database"`
	Redis      RedisCfg               `mapstructure:"redis" yaml:"redis"`
	Queue      QueueCfg               `mapstructure:"queue" yaml:"queue"`
	Storage    StorageCfg             `mapstructure:"storage" yaml:"storage"`
	Providers  map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Generation GenerationCfg          `mapstructure:"generation" yaml:"generation"`
	Notify     NotifyCfg              `mapstructure:"notify" yaml:"notify"`
	Auth       AuthCfg                `mapstructure:"auth" yaml:"auth"`
	Logging    LoggingCfg             `mapstructure:"logging" yaml:"logging"`
	Usage      UsageCfg               `mapstructure:"usage" yaml:"usage"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host           string  `mapstructure:"host" yaml:"host"`
	Port           string  `mapstructure:"port" yaml:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`     // Per-client requests per second
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"` // Per-client burst allowance
}

// DatabaseCfg configures the Postgres connection.
type DatabaseCfg struct {
	URL string `mapstructure:"url" yaml:"url"` // Connection string (supports ${ENV_VAR} syntax)
}

// RedisCfg configures the Redis connection backing the queue.
type RedisCfg struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"` // Supports ${ENV_VAR} syntax
	DB       int    `mapstructure:"db" yaml:"db"`
}

// QueueCfg configures continuation delivery.
type QueueCfg struct {
	Backend           string `mapstructure:"backend" yaml:"backend"` // "redis" or "local"
	Stream            string `mapstructure:"stream" yaml:"stream"`
	Group             string `mapstructure:"group" yaml:"group"`
	MaxAttempts       int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	VisibilitySeconds int    `mapstructure:"visibility_seconds" yaml:"visibility_seconds"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// StorageCfg configures object storage.
type StorageCfg struct {
	// Dir is the local blob root. Empty uses {home}/storage.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ProviderCfg configures one image provider.
type ProviderCfg struct {
	Type            string  `mapstructure:"type" yaml:"type"`     // "openai", "stability", "mock"
	Model           string  `mapstructure:"model" yaml:"model"`   // Model name, or engine for stability
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
	CostPerImageUSD float64 `mapstructure:"cost_per_image_usd" yaml:"cost_per_image_usd"`
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
}

// GenerationCfg tunes generation jobs.
type GenerationCfg struct {
	DefaultProvider       string `mapstructure:"default_provider" yaml:"default_provider"`
	InterUnitDelaySeconds int    `mapstructure:"inter_unit_delay_seconds" yaml:"inter_unit_delay_seconds"`
}

// NotifyCfg configures the terminal-event webhook.
type NotifyCfg struct {
	WebhookURL     string `mapstructure:"webhook_url" yaml:"webhook_url"`
	AllowPrivate   bool   `mapstructure:"allow_private" yaml:"allow_private"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// AuthCfg holds API credentials. Tokens maps owner ids to their bearer
// tokens; values support ${ENV_VAR} syntax so secrets stay out of the
// file.
type AuthCfg struct {
	Tokens       map[string]string `mapstructure:"tokens" yaml:"tokens"`
	ServiceToken string            `mapstructure:"service_token" yaml:"service_token"`
}

// LoggingCfg configures slog output.
type LoggingCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// UsageCfg tunes the usage recorder's background flusher.
type UsageCfg struct {
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds" yaml:"flush_interval_seconds"`
	BatchSize            int `mapstructure:"batch_size" yaml:"batch_size"`
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled provider entries.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
