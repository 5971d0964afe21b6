// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/protogate/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Auth          InboundAuthConfig   `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig describes where service descriptors and templates live and
// the values injected into every call.
type GatewayConfig struct {
	SystemName    string `yaml:"system_name"`
	SystemVersion string `yaml:"system_version"`

	// ServiceDirectories are scanned for descriptor catalogs.
	ServiceDirectories []string `yaml:"service_directories"`
	// Services are declared inline and merged with the catalogs.
	Services map[string]model.ServiceDescriptor `yaml:"services"`

	TemplateDirectory string        `yaml:"template_directory"`
	TemplateCacheTTL  time.Duration `yaml:"template_cache_ttl"`
	TemplateCacheSize int           `yaml:"template_cache_size"`

	TokenExpiryBuffer time.Duration `yaml:"token_expiry_buffer"`
	MaxResponseBytes  int64         `yaml:"max_response_bytes"`
}

// InboundAuthConfig describes optional JWT verification on the HTTP
// front-end.
type InboundAuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	Algorithms []string `yaml:"algorithms"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogOutput string        `yaml:"log_output"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Gateway: GatewayConfig{
			SystemName:        "PROTOGATE",
			SystemVersion:     "1.0",
			TemplateDirectory: "templates",
			TemplateCacheTTL:  60 * time.Minute,
			TemplateCacheSize: 1000,
			TokenExpiryBuffer: 300 * time.Second,
			MaxResponseBytes:  10 << 20,
		},
		Auth: InboundAuthConfig{
			Algorithms: []string{"HS256"},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stdout",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Gateway.ServiceDirectories) == 0 && len(c.Gateway.Services) == 0 {
		errs = append(errs, "gateway.service_directories or gateway.services is required")
	}
	if c.Gateway.TemplateCacheTTL < 0 {
		errs = append(errs, "gateway.template_cache_ttl must not be negative")
	}
	if c.Gateway.TokenExpiryBuffer < 0 {
		errs = append(errs, "gateway.token_expiry_buffer must not be negative")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required when auth is enabled")
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PROTOGATE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROTOGATE_SERVER_PORT"); v != "" {
		if port, err := cast.ToIntE(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PROTOGATE_SERVICE_DIRECTORIES"); v != "" {
		cfg.Gateway.ServiceDirectories = splitList(v)
	}
	if v := os.Getenv("PROTOGATE_TEMPLATE_DIRECTORY"); v != "" {
		cfg.Gateway.TemplateDirectory = v
	}
	if v := os.Getenv("PROTOGATE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("PROTOGATE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("PROTOGATE_TRACING_ENABLED"); v != "" {
		if enabled, err := cast.ToBoolE(v); err == nil {
			cfg.Observability.Tracing.Enabled = enabled
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
