// Package config provides YAML configuration loading with validation and
// environment variable substitution for the AI gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Token          TokenConfig          `yaml:"token" json:"token"`
	Upstream       UpstreamConfig       `yaml:"upstream" json:"upstream"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Rollout        RolloutConfig        `yaml:"rollout" json:"rollout"`
	Instances      []InstanceConfig     `yaml:"instances" json:"instances"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RateLimitConfig holds the inbound per-client rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings. Admin endpoints are guarded by both
// the IP allowlist and a valid service token.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// TokenConfig holds service-to-service token settings.
type TokenConfig struct {
	Secret   string        `yaml:"secret" json:"-"`
	Issuer   string        `yaml:"issuer" json:"issuer"`
	Audience string        `yaml:"audience" json:"audience"`
	Subject  string        `yaml:"subject" json:"subject"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// UpstreamConfig holds the outbound call and retry settings applied to
// every instance.
type UpstreamConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
}

// CircuitBreakerConfig holds circuit breaker settings applied per instance.
type CircuitBreakerConfig struct {
	FailureThreshold uint          `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// RolloutConfig holds the initial traffic-splitting configuration. Mutable
// at runtime via the admin API and config hot reload.
type RolloutConfig struct {
	Strategy   string   `yaml:"strategy" json:"strategy"`
	Percentage int      `yaml:"percentage" json:"percentage"`
	UserGroups []string `yaml:"user_groups" json:"user_groups"`
}

// InstanceConfig is the identity of one upstream inference deployment.
type InstanceConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Version string `yaml:"version" json:"version"`
	Weight  int    `yaml:"weight" json:"weight"`
}

// PrimaryInstanceName is the instance designated as the fallback target.
const PrimaryInstanceName = "blue"

var validStrategies = map[string]bool{
	"blue":        true,
	"green":       true,
	"canary":      true,
	"gradual":     true,
	"user-groups": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Chat completions can be slow; leave headroom beyond the full
		// retry budget.
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 25
	}

	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = 15 * time.Minute
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = "ai-gateway"
	}
	if cfg.Token.Audience == "" {
		cfg.Token.Audience = "ai-inference"
	}
	if cfg.Token.Subject == "" {
		cfg.Token.Subject = "ai-gateway"
	}

	if cfg.Upstream.AttemptTimeout == 0 {
		cfg.Upstream.AttemptTimeout = 5 * time.Second
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 3
	}
	if cfg.Upstream.InitialDelay == 0 {
		cfg.Upstream.InitialDelay = time.Second
	}
	if cfg.Upstream.MaxDelay == 0 {
		cfg.Upstream.MaxDelay = 8 * time.Second
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 3
	}
	if cfg.CircuitBreaker.Cooldown == 0 {
		cfg.CircuitBreaker.Cooldown = 30 * time.Second
	}

	if cfg.Rollout.Strategy == "" {
		cfg.Rollout.Strategy = "blue"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}

	if cfg.Upstream.AttemptTimeout <= 0 {
		return fmt.Errorf("upstream.attempt_timeout must be positive")
	}
	if cfg.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be non-negative")
	}
	if cfg.Upstream.InitialDelay <= 0 {
		return fmt.Errorf("upstream.initial_delay must be positive")
	}
	if cfg.Upstream.MaxDelay < cfg.Upstream.InitialDelay {
		return fmt.Errorf("upstream.max_delay must be at least upstream.initial_delay")
	}

	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cfg.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive")
	}

	if !validStrategies[cfg.Rollout.Strategy] {
		return fmt.Errorf("rollout.strategy must be one of blue, green, canary, gradual, user-groups; got %q", cfg.Rollout.Strategy)
	}
	if cfg.Rollout.Percentage < 0 || cfg.Rollout.Percentage > 100 {
		return fmt.Errorf("rollout.percentage must be between 0 and 100, got %d", cfg.Rollout.Percentage)
	}

	if cfg.Admin.Enabled && len(cfg.Admin.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
	}

	if len(cfg.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}

	seen := make(map[string]bool)
	hasPrimary := false
	for i, inst := range cfg.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d].name is required", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instance name: %s", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Name == PrimaryInstanceName {
			hasPrimary = true
		}

		if inst.BaseURL == "" {
			return fmt.Errorf("instances[%d].base_url is required", i)
		}
		u, err := url.Parse(inst.BaseURL)
		if err != nil {
			return fmt.Errorf("instances[%d].base_url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("instances[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("instances[%d].base_url: host is required", i)
		}

		if inst.Weight < 0 || inst.Weight > 100 {
			return fmt.Errorf("instances[%d].weight must be between 0 and 100, got %d", i, inst.Weight)
		}
	}
	if !hasPrimary {
		return fmt.Errorf("an instance named %q must be configured as the fallback target", PrimaryInstanceName)
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Token.Secret, "${") {
		warnings = append(warnings, "token.secret contains unresolved environment variable")
	}
	if len(cfg.Instances) == 1 && cfg.Rollout.Strategy != "blue" {
		warnings = append(warnings, "rollout strategy targets a secondary instance but only one instance is configured")
	}
	return warnings
}
