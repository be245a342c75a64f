// Package config provides YAML configuration loading with validation,
// environment variable substitution and environment overrides for the
// kongjwt tools.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by kongjwt and apipoller.
type Config struct {
	Kong           KongConfig           `yaml:"kong" json:"kong"`
	Token          TokenConfig          `yaml:"token" json:"token"`
	Poller         PollerConfig         `yaml:"poller" json:"poller"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// KongConfig holds Kong Admin API client settings.
type KongConfig struct {
	AdminURL          string        `yaml:"admin_url" json:"admin_url" env:"KONG_ADMIN_URL"`
	AdminToken        string        `yaml:"admin_token" json:"admin_token" env:"KONG_ADMIN_TOKEN"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" env:"KONG_ADMIN_TIMEOUT"`
	// RequestsPerSecond paces Admin API calls; 0 means the default of 10
	// and a negative value turns pacing off.
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" env:"KONG_ADMIN_RPS"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size" env:"KONG_ADMIN_BURST"`
	ConsumerFilter    string        `yaml:"consumer_filter" json:"consumer_filter" env:"KONG_CONSUMER_FILTER"`
	DefaultConsumer   string        `yaml:"default_consumer" json:"default_consumer" env:"KONG_DEFAULT_CONSUMER"`
	// CAFile adds a PEM bundle to the roots trusted for an https admin_url.
	CAFile            string        `yaml:"ca_file" json:"ca_file,omitempty" env:"KONG_CA_FILE"`
}

// TokenConfig holds token construction settings.
type TokenConfig struct {
	Subject       string         `yaml:"subject" json:"subject" env:"KONGJWT_SUBJECT"`
	DefaultExpiry *time.Duration `yaml:"default_expiry" json:"default_expiry" env:"KONGJWT_EXPIRY"`
	Key           string         `yaml:"key" json:"key" env:"KONGJWT_KEY"`
	Secret        string         `yaml:"secret" json:"secret" env:"KONGJWT_SECRET"`
	GatewayURL    string         `yaml:"gateway_url" json:"gateway_url" env:"KONGJWT_GATEWAY_URL"`
	SamplePath    string         `yaml:"sample_path" json:"sample_path"`
}

// Expiry returns the configured default expiry. An explicit 0 means tokens
// never expire; an unset value means one hour.
func (t TokenConfig) Expiry() time.Duration {
	if t.DefaultExpiry == nil {
		return time.Hour
	}
	return *t.DefaultExpiry
}

// PollerConfig holds the random endpoint poller settings.
type PollerConfig struct {
	Interval         time.Duration     `yaml:"interval" json:"interval" env:"APIPOLLER_INTERVAL"`
	RequestTimeout   time.Duration     `yaml:"request_timeout" json:"request_timeout" env:"APIPOLLER_REQUEST_TIMEOUT"`
	Targets          []string          `yaml:"targets" json:"targets"`
	Headers          map[string]string `yaml:"headers" json:"headers,omitempty"`
	BodyPreviewBytes int               `yaml:"body_preview_bytes" json:"body_preview_bytes"`
	StatusAddr       string            `yaml:"status_addr" json:"status_addr" env:"APIPOLLER_STATUS_ADDR"`
	Credential       CredentialConfig  `yaml:"credential" json:"credential"`
	// CAFile adds a PEM bundle to the roots trusted for https targets.
	CAFile           string            `yaml:"ca_file" json:"ca_file,omitempty" env:"APIPOLLER_CA_FILE"`
}

// CredentialConfig tells the poller how to mint a bearer token per request.
// Either Consumer (fetched from Kong at startup) or Key+Secret may be set.
type CredentialConfig struct {
	Consumer string         `yaml:"consumer" json:"consumer" env:"APIPOLLER_CONSUMER"`
	Key      string         `yaml:"key" json:"key" env:"APIPOLLER_KEY"`
	Secret   string         `yaml:"secret" json:"secret" env:"APIPOLLER_SECRET"`
	Lifetime *time.Duration `yaml:"expiry" json:"expiry"`
}

// Enabled reports whether any credential source is configured.
func (c CredentialConfig) Enabled() bool {
	return c.Consumer != "" || c.Key != ""
}

// Expiry returns the lifetime of minted poller tokens. An explicit 0 means
// they never expire; an unset value means one hour, although Load fills it
// from token.default_expiry.
func (c CredentialConfig) Expiry() time.Duration {
	if c.Lifetime == nil {
		return time.Hour
	}
	return *c.Lifetime
}

// Equal compares two credential settings by value.
func (c CredentialConfig) Equal(o CredentialConfig) bool {
	return c.Consumer == o.Consumer && c.Key == o.Key && c.Secret == o.Secret &&
		(c.Lifetime == nil) == (o.Lifetime == nil) && c.Expiry() == o.Expiry()
}

// CircuitBreakerConfig holds circuit breaker settings applied to every poll target.
type CircuitBreakerConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" env:"LOG_LEVEL"`    // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format" env:"LOG_FORMAT"` // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output" env:"LOG_OUTPUT"` // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`        // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`        // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`      // max days to retain rotated files; default: 30
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

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
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

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution and overrides, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional behaves like Load, but falls back to defaults (plus
// environment overrides) when path does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return LoadFromBytes(nil)
	}
	return Load(path)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	k := &cfg.Kong
	if k.AdminURL == "" {
		k.AdminURL = "http://localhost:8001"
	}
	if k.Timeout == 0 {
		k.Timeout = 10 * time.Second
	}
	if k.RequestsPerSecond == 0 {
		k.RequestsPerSecond = 10
	}
	if k.BurstSize == 0 {
		k.BurstSize = 5
	}
	if k.ConsumerFilter == "" {
		k.ConsumerFilter = "maximo"
	}
	if k.DefaultConsumer == "" {
		k.DefaultConsumer = "maximo-hldev-api"
	}

	if cfg.Token.Subject == "" {
		cfg.Token.Subject = "maximo-client"
	}
	if cfg.Token.GatewayURL == "" {
		cfg.Token.GatewayURL = "http://localhost:8000"
	}
	if cfg.Token.SamplePath == "" {
		cfg.Token.SamplePath = "/api/v1/hldev/pm/workorders"
	}

	p := &cfg.Poller
	if p.Interval == 0 {
		p.Interval = 10 * time.Second
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 30 * time.Second
	}
	if p.BodyPreviewBytes == 0 {
		p.BodyPreviewBytes = 150
	}
	if p.Credential.Lifetime == nil {
		exp := cfg.Token.Expiry()
		p.Credential.Lifetime = &exp
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 0.5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 60 * time.Second
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 1
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
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

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if err := validateHTTPURL("kong.admin_url", cfg.Kong.AdminURL); err != nil {
		return err
	}
	if cfg.Kong.Timeout < 0 {
		return fmt.Errorf("kong.timeout must be positive")
	}
	if math.IsNaN(cfg.Kong.RequestsPerSecond) || math.IsInf(cfg.Kong.RequestsPerSecond, 0) {
		return fmt.Errorf("kong.requests_per_second must be a finite number")
	}
	if cfg.Kong.BurstSize <= 0 {
		return fmt.Errorf("kong.burst_size must be positive")
	}

	if exp := cfg.Token.Expiry(); exp < 0 || exp%time.Second != 0 {
		return fmt.Errorf("token.default_expiry must be a non-negative whole number of seconds, got %s", exp)
	}
	if err := validateHTTPURL("token.gateway_url", cfg.Token.GatewayURL); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Token.SamplePath, "/") {
		return fmt.Errorf("token.sample_path must start with /")
	}

	if cfg.Poller.Interval < 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if cfg.Poller.RequestTimeout < 0 {
		return fmt.Errorf("poller.request_timeout must be positive")
	}
	if cfg.Poller.BodyPreviewBytes < 0 {
		return fmt.Errorf("poller.body_preview_bytes must be non-negative")
	}
	for i, target := range cfg.Poller.Targets {
		if err := validateHTTPURL(fmt.Sprintf("poller.targets[%d]", i), target); err != nil {
			return err
		}
	}
	cred := cfg.Poller.Credential
	if cred.Consumer != "" && cred.Key != "" {
		return fmt.Errorf("poller.credential: consumer and key are mutually exclusive")
	}
	if cred.Key != "" && cred.Secret == "" {
		return fmt.Errorf("poller.credential.secret is required when key is set")
	}
	if exp := cred.Expiry(); exp < 0 || exp%time.Second != 0 {
		return fmt.Errorf("poller.credential.expiry must be a non-negative whole number of seconds, got %s", exp)
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.WindowSize < 1 {
		return fmt.Errorf("circuit_breaker.window_size must be positive")
	}
	if cb.FailureThreshold <= 0 || cb.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be between 0 (exclusive) and 1 (inclusive)")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.HalfOpenMax < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max must be positive")
	}
	if cb.SlowThreshold < 0 {
		return fmt.Errorf("circuit_breaker.slow_threshold must be non-negative")
	}

	// Logging validation
	if !ValidLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// ValidatePoller checks the settings apipoller needs beyond the shared ones.
func (c *Config) ValidatePoller() error {
	if len(c.Poller.Targets) == 0 {
		return fmt.Errorf("at least one poller target must be configured")
	}
	seen := make(map[string]bool, len(c.Poller.Targets))
	for _, target := range c.Poller.Targets {
		if seen[target] {
			return fmt.Errorf("duplicate poller target: %s", target)
		}
		seen[target] = true
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Token.Secret, "${") {
		warnings = append(warnings, "token.secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Kong.AdminToken, "${") {
		warnings = append(warnings, "kong.admin_token contains unresolved environment variable")
	}
	if strings.Contains(cfg.Poller.Credential.Secret, "${") {
		warnings = append(warnings, "poller.credential.secret contains unresolved environment variable")
	}
	for name, value := range cfg.Poller.Headers {
		if strings.Contains(value, "${") {
			warnings = append(warnings, fmt.Sprintf("poller.headers.%s contains unresolved environment variable", name))
		}
	}
	if cfg.Poller.Credential.Enabled() {
		for name := range cfg.Poller.Headers {
			if strings.EqualFold(name, "Authorization") {
				warnings = append(warnings, "poller.headers.Authorization is replaced by the minted credential token")
			}
		}
	}
	return warnings
}

// Redacted returns a copy of the config with secrets masked, suitable for logging.
func (c *Config) Redacted() Config {
	redacted := *c
	if redacted.Kong.AdminToken != "" {
		redacted.Kong.AdminToken = "***"
	}
	if redacted.Token.Secret != "" {
		redacted.Token.Secret = "***"
	}
	if redacted.Poller.Credential.Secret != "" {
		redacted.Poller.Credential.Secret = "***"
	}
	if len(c.Poller.Headers) > 0 {
		redacted.Poller.Headers = make(map[string]string, len(c.Poller.Headers))
		for k, v := range c.Poller.Headers {
			if isSensitiveHeader(k) {
				v = "***"
			}
			redacted.Poller.Headers[k] = v
		}
	}
	return redacted
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "maxauth", "kong-admin-token":
		return true
	}
	return false
}
