// Package config provides configuration loading, validation, and per-class resolution
// for the streaming gateway. Configuration comes from an optional YAML file, is
// overridden by STREAMGATE_* environment variables, and is completed with defaults.
package config

import (
	"time"

	"streamgate/pkg/llm"
	"streamgate/pkg/middleware/resilience/circuit"
	"streamgate/pkg/middleware/resilience/concurrency"
	"streamgate/pkg/middleware/resilience/ratelimit"
	"streamgate/pkg/middleware/resilience/retry"
	"streamgate/pkg/middleware/resilience/timeout"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMGATE_"

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterNoop       = "noop"
)

// DefaultClass is the name used for endpoint classes without built-in defaults.
const DefaultClass = "default"

// DefaultPath is the completion endpoint path used when a service sets none.
const DefaultPath = "/v1/chat/completions"

// ClassConfig holds the limiter, breaker and retry settings of one endpoint class.
// Zero values take the class default.
type ClassConfig struct {
	MinInterval       time.Duration `yaml:"min_interval" json:"min_interval" validate:"gte=0"`
	MaxConcurrency    int           `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=0"`
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold  int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"gte=0"`
	MonitoringWindow  time.Duration `yaml:"monitoring_window" json:"monitoring_window" validate:"gte=0"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" json:"half_open_max_probes" validate:"gte=0"`
	MaxRetries        *int          `yaml:"max_retries" json:"max_retries" validate:"omitempty,gte=0"` // nil takes the default; 0 disables retries
	MinBackoff        time.Duration `yaml:"min_backoff" json:"min_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gte=0"`
}

// BreakerOverride replaces class breaker settings for a single service.
type BreakerOverride struct {
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold  int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"gte=0"`
	MonitoringWindow  time.Duration `yaml:"monitoring_window" json:"monitoring_window" validate:"gte=0"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" json:"half_open_max_probes" validate:"gte=0"`
}

// ServiceConfig describes one upstream provider endpoint.
type ServiceConfig struct {
	BaseURL  string            `yaml:"base_url" json:"base_url" validate:"required,url"`
	Path     string            `yaml:"path" json:"path"`
	Headers  map[string]string `yaml:"headers" json:"-"`                  // Static headers, ${VAR} placeholders expanded at load
	Fallback string            `yaml:"fallback" json:"fallback,omitempty"` // Answer served while the breaker is open
	Breaker  *BreakerOverride  `yaml:"breaker" json:"breaker,omitempty"`
}

// TimeoutConfig holds the data deadlines applied to every attempt.
type TimeoutConfig struct {
	FirstByte time.Duration `yaml:"first_byte" env:"FIRST_BYTE" validate:"gte=0"`
	Idle      time.Duration `yaml:"idle" env:"IDLE" validate:"gte=0"`
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Exporter string `yaml:"exporter" env:"EXPORTER" validate:"omitempty,oneof=prometheus noop"`
	QueryURL string `yaml:"query_url" env:"QUERY_URL" validate:"omitempty,url"` // Prometheus server scraping this gateway, for /v1/usage history
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// Config is the complete gateway configuration.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	Classes               map[string]ClassConfig   `yaml:"classes" validate:"dive"`
	Services              map[string]ServiceConfig `yaml:"services" validate:"dive"`
	Timeouts              TimeoutConfig            `yaml:"timeouts" envPrefix:"TIMEOUT_"`
	RateLimitLogThreshold time.Duration            `yaml:"rate_limit_log_threshold" env:"RATE_LIMIT_LOG_THRESHOLD" validate:"gte=0"`
	Metrics               MetricsConfig            `yaml:"metrics" envPrefix:"METRICS_"`
	Server                ServerConfig             `yaml:"server" envPrefix:"SERVER_"`
}

// Built-in defaults.
const (
	DefaultFirstByteTimeout      = 30 * time.Second
	DefaultIdleTimeout           = 60 * time.Second
	DefaultRateLimitLogThreshold = time.Second
	DefaultAddr                  = ":8080"
	DefaultShutdownTimeout       = 10 * time.Second
)

// ClassDefaults lists the built-in limiter settings per endpoint class.
//
//nolint:gochecknoglobals // Intentional global for class defaults
var ClassDefaults = map[string]ClassConfig{
	llm.ClassChat:  {MinInterval: 200 * time.Millisecond, MaxConcurrency: 5},
	llm.ClassImage: {MinInterval: 1000 * time.Millisecond, MaxConcurrency: 2},
	llm.ClassAudio: {MinInterval: 500 * time.Millisecond, MaxConcurrency: 2},
	DefaultClass:   {MinInterval: 200 * time.Millisecond, MaxConcurrency: 3},
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Class returns the resolved settings of an endpoint class. Classes that are not
// configured get their built-in defaults.
func (c *Config) Class(name string) ClassConfig {
	if cc, ok := c.Classes[name]; ok {
		return cc
	}
	return resolveClass(name, ClassConfig{})
}

// RateLimit returns the rate limiter settings of a class.
func (c *Config) RateLimit(class string) ratelimit.Config {
	return ratelimit.Config{MinInterval: c.Class(class).MinInterval}
}

// Concurrency returns the concurrency limiter settings of a class.
func (c *Config) Concurrency(class string) concurrency.Config {
	return concurrency.Config{MaxConcurrency: c.Class(class).MaxConcurrency}
}

// Retry returns the retry policy settings of a class.
func (c *Config) Retry(class string) retry.Config {
	cc := c.Class(class)
	cfg := retry.Config{MinBackoff: cc.MinBackoff, MaxBackoff: cc.MaxBackoff, MaxRetries: retry.DefaultConfig.MaxRetries}
	if cc.MaxRetries != nil {
		cfg.MaxRetries = *cc.MaxRetries
	}
	return cfg
}

// Breaker returns the breaker settings for service, taking class values for
// anything the service does not override.
func (c *Config) Breaker(service, class string) circuit.Config {
	cc := c.Class(class)
	cfg := circuit.Config{
		FailureThreshold:  cc.FailureThreshold,
		SuccessThreshold:  cc.SuccessThreshold,
		RecoveryTimeout:   cc.RecoveryTimeout,
		MonitoringWindow:  cc.MonitoringWindow,
		HalfOpenMaxProbes: cc.HalfOpenMaxProbes,
	}
	if svc, ok := c.Services[service]; ok && svc.Breaker != nil {
		o := svc.Breaker
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.SuccessThreshold > 0 {
			cfg.SuccessThreshold = o.SuccessThreshold
		}
		if o.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = o.RecoveryTimeout
		}
		if o.MonitoringWindow > 0 {
			cfg.MonitoringWindow = o.MonitoringWindow
		}
		if o.HalfOpenMaxProbes > 0 {
			cfg.HalfOpenMaxProbes = o.HalfOpenMaxProbes
		}
	}
	return cfg.WithDefaults()
}

// Timeout returns the per-attempt data deadlines.
func (c *Config) Timeout() timeout.Config {
	return timeout.Config{FirstByte: c.Timeouts.FirstByte, Idle: c.Timeouts.Idle}
}

// resolveClass fills zero fields of cc from the built-in defaults of class name.
func resolveClass(name string, cc ClassConfig) ClassConfig {
	base, ok := ClassDefaults[name]
	if !ok {
		base = ClassDefaults[DefaultClass]
	}

	if cc.MinInterval == 0 {
		cc.MinInterval = base.MinInterval
	}
	if cc.MaxConcurrency == 0 {
		cc.MaxConcurrency = base.MaxConcurrency
	}
	if cc.FailureThreshold == 0 {
		cc.FailureThreshold = circuit.DefaultConfig.FailureThreshold
	}
	if cc.SuccessThreshold == 0 {
		cc.SuccessThreshold = circuit.DefaultConfig.SuccessThreshold
	}
	if cc.RecoveryTimeout == 0 {
		cc.RecoveryTimeout = circuit.DefaultConfig.RecoveryTimeout
	}
	if cc.MonitoringWindow == 0 {
		cc.MonitoringWindow = circuit.DefaultConfig.MonitoringWindow
	}
	if cc.HalfOpenMaxProbes == 0 {
		cc.HalfOpenMaxProbes = circuit.DefaultConfig.HalfOpenMaxProbes
	}
	if cc.MaxRetries == nil {
		maxRetries := retry.DefaultConfig.MaxRetries
		cc.MaxRetries = &maxRetries
	}
	if cc.MinBackoff == 0 {
		cc.MinBackoff = retry.DefaultConfig.MinBackoff
	}
	if cc.MaxBackoff == 0 {
		cc.MaxBackoff = retry.DefaultConfig.MaxBackoff
	}
	return cc
}
