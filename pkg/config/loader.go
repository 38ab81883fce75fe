package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"streamgate/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path, applies environment overrides and defaults,
// and validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, logx.Wrap(err, "failed to read config file")
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg after replacing ${VAR} placeholders with environment
// values. Placeholders naming unset variables are left as they are.
func Parse(data []byte, cfg *Config) error {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return value
		}
		return match
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Classes == nil {
		cfg.Classes = make(map[string]ClassConfig)
	}
	for name := range ClassDefaults {
		if _, ok := cfg.Classes[name]; !ok {
			cfg.Classes[name] = ClassConfig{}
		}
	}
	for name, cc := range cfg.Classes {
		cfg.Classes[name] = resolveClass(name, cc)
	}

	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConfig)
	}
	for id, svc := range cfg.Services {
		if svc.Path == "" {
			svc.Path = DefaultPath
		}
		if svc.Headers == nil {
			svc.Headers = make(map[string]string)
		}
		cfg.Services[id] = svc
	}

	if cfg.Timeouts.FirstByte == 0 {
		cfg.Timeouts.FirstByte = DefaultFirstByteTimeout
	}
	if cfg.Timeouts.Idle == 0 {
		cfg.Timeouts.Idle = DefaultIdleTimeout
	}
	if cfg.RateLimitLogThreshold == 0 {
		cfg.RateLimitLogThreshold = DefaultRateLimitLogThreshold
	}
	if cfg.Metrics.Exporter == "" {
		cfg.Metrics.Exporter = ExporterPrometheus
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func validateConfig(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err //nolint:wrapcheck // Wrapped by Load
	}

	var errs []error
	for name, cc := range cfg.Classes {
		if cc.MaxBackoff < cc.MinBackoff {
			errs = append(errs, fmt.Errorf("class %s: max_backoff %s is below min_backoff %s", name, cc.MaxBackoff, cc.MinBackoff))
		}
	}
	return errors.Join(errs...)
}
