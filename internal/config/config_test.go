package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Kong.AdminURL != "http://localhost:8001" {
		t.Errorf("expected default admin_url, got %q", cfg.Kong.AdminURL)
	}
	if cfg.Kong.Timeout != 10*time.Second {
		t.Errorf("expected default timeout 10s, got %v", cfg.Kong.Timeout)
	}
	if cfg.Kong.ConsumerFilter != "maximo" {
		t.Errorf("expected default consumer_filter maximo, got %q", cfg.Kong.ConsumerFilter)
	}
	if cfg.Kong.DefaultConsumer != "maximo-hldev-api" {
		t.Errorf("expected default consumer maximo-hldev-api, got %q", cfg.Kong.DefaultConsumer)
	}
	if cfg.Token.Subject != "maximo-client" {
		t.Errorf("expected default subject maximo-client, got %q", cfg.Token.Subject)
	}
	if cfg.Token.Expiry() != time.Hour {
		t.Errorf("expected default expiry 1h, got %v", cfg.Token.Expiry())
	}
	if cfg.Poller.Interval != 10*time.Second {
		t.Errorf("expected default interval 10s, got %v", cfg.Poller.Interval)
	}
	if cfg.Poller.BodyPreviewBytes != 150 {
		t.Errorf("expected default body_preview_bytes 150, got %d", cfg.Poller.BodyPreviewBytes)
	}
	if cfg.Poller.Credential.Expiry() != time.Hour {
		t.Errorf("expected credential expiry to follow token expiry, got %v", cfg.Poller.Credential.Expiry())
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("expected metrics enabled by default")
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
kong:
  admin_url: "https://kong-admin.internal:8444"
  admin_token: "admin-token"
  timeout: 3s
  requests_per_second: 2
  burst_size: 1
  consumer_filter: "reporting"
token:
  subject: "reporting-client"
  default_expiry: 0s
  gateway_url: "https://api.example.com"
  sample_path: "/api/v1/reports"
poller:
  interval: 5s
  request_timeout: 2s
  targets:
    - "http://api.example.com:8000/api/v1/hldev/pm/workorders"
    - "http://api.example.com:8000/api/v1/hldev/labor"
  headers:
    Content-Type: "application/json"
    maxauth: "bWF4YWRtaW46emFxMXhzVzI="
  body_preview_bytes: 80
  status_addr: ":9090"
  credential:
    key: "maximo-hldev-key"
    secret: "hldev-maximo-secret-2024"
    expiry: 15m
circuit_breaker:
  window_size: 4
  failure_threshold: 0.75
  reset_timeout: 30s
  slow_threshold: 2s
logging:
  level: debug
  format: text
metrics:
  enabled: false
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Kong.AdminURL != "https://kong-admin.internal:8444" {
		t.Errorf("unexpected admin_url %q", cfg.Kong.AdminURL)
	}
	if cfg.Kong.RequestsPerSecond != 2 || cfg.Kong.BurstSize != 1 {
		t.Errorf("unexpected admin pacing %v/%d", cfg.Kong.RequestsPerSecond, cfg.Kong.BurstSize)
	}
	if cfg.Token.Expiry() != 0 {
		t.Errorf("expected explicit zero expiry to be kept, got %v", cfg.Token.Expiry())
	}
	if len(cfg.Poller.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(cfg.Poller.Targets))
	}
	if cfg.Poller.Headers["maxauth"] != "bWF4YWRtaW46emFxMXhzVzI=" {
		t.Errorf("expected maxauth header, got %q", cfg.Poller.Headers["maxauth"])
	}
	if !cfg.Poller.Credential.Enabled() {
		t.Error("expected credential to be enabled")
	}
	if cfg.Poller.Credential.Expiry() != 15*time.Minute {
		t.Errorf("expected credential expiry 15m, got %v", cfg.Poller.Credential.Expiry())
	}
	if cfg.CircuitBreaker.WindowSize != 4 || cfg.CircuitBreaker.HalfOpenMax != 1 {
		t.Errorf("unexpected circuit breaker config %+v", cfg.CircuitBreaker)
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("expected metrics disabled")
	}
	if err := cfg.ValidatePoller(); err != nil {
		t.Errorf("expected poller config to validate, got %v", err)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_KONGJWT_SECRET", "env-secret-value")

	yaml := []byte(`
token:
  key: "k"
  secret: "${TEST_KONGJWT_SECRET}"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Token.Secret != "env-secret-value" {
		t.Errorf("expected env var expansion, got %q", cfg.Token.Secret)
	}
}

func TestLoadFromBytes_EnvOverrides(t *testing.T) {
	t.Setenv("KONG_ADMIN_URL", "http://kong.override:8001")
	t.Setenv("KONGJWT_EXPIRY", "2h")
	t.Setenv("APIPOLLER_INTERVAL", "30s")
	t.Setenv("APIPOLLER_CA_FILE", "/etc/kongjwt/ca.pem")

	yaml := []byte(`
kong:
  admin_url: "http://kong.file:8001"
poller:
  interval: 5s
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kong.AdminURL != "http://kong.override:8001" {
		t.Errorf("expected env override of admin_url, got %q", cfg.Kong.AdminURL)
	}
	if cfg.Token.Expiry() != 2*time.Hour {
		t.Errorf("expected env override of expiry, got %v", cfg.Token.Expiry())
	}
	if cfg.Poller.Interval != 30*time.Second {
		t.Errorf("expected env override of interval, got %v", cfg.Poller.Interval)
	}
	if cfg.Poller.CAFile != "/etc/kongjwt/ca.pem" {
		t.Errorf("expected env override of ca_file, got %q", cfg.Poller.CAFile)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	os.Unsetenv("NONEXISTENT_SECRET")

	yaml := []byte(`
token:
  secret: "${NONEXISTENT_SECRET}"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected warning about unresolved environment variable")
	}
}

func TestLoadFromBytes_UnresolvedHeaderWarning(t *testing.T) {
	os.Unsetenv("NONEXISTENT_MAXAUTH")

	cfg, err := LoadFromBytes([]byte(`
poller:
  headers:
    maxauth: "${NONEXISTENT_MAXAUTH}"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "poller.headers.maxauth") {
		t.Errorf("expected header warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_AuthorizationHeaderWarning(t *testing.T) {
	yaml := []byte(`
poller:
  targets: ["http://localhost:8000/api"]
  headers:
    Authorization: "Bearer stale"
  credential:
    key: "k"
    secret: "s"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "Authorization") {
		t.Errorf("expected Authorization warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"admin_url with ftp scheme", `
kong:
  admin_url: "ftp://kong:8001"
`},
		{"admin_url without host", `
kong:
  admin_url: "http://"
`},
		{"nan requests_per_second", `
kong:
  requests_per_second: .nan
`},
		{"negative default_expiry", `
token:
  default_expiry: -10s
`},
		{"fractional default_expiry", `
token:
  default_expiry: 1500ms
`},
		{"sample_path without leading slash", `
token:
  sample_path: "api/v1"
`},
		{"target with file scheme", `
poller:
  targets: ["file:///etc/passwd"]
`},
		{"credential key without secret", `
poller:
  credential:
    key: "k"
`},
		{"credential consumer and key", `
poller:
  credential:
    consumer: "maximo-hldev-api"
    key: "k"
    secret: "s"
`},
		{"failure_threshold above one", `
circuit_breaker:
  failure_threshold: 1.5
`},
		{"unknown log level", `
logging:
  level: verbose
`},
		{"unknown log format", `
logging:
  format: xml
`},
		{"metrics path without slash", `
metrics:
  path: metrics
`},
		{"malformed yaml", `kong: [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidatePoller(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ValidatePoller(); err == nil {
		t.Error("expected error for missing targets")
	}

	cfg.Poller.Targets = []string{"http://a/x", "http://a/x"}
	if err := cfg.ValidatePoller(); err == nil {
		t.Error("expected error for duplicate targets")
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
kong:
  admin_token: "admin-token"
token:
  secret: "token-secret"
poller:
  headers:
    Cookie: "JSESSIONID=abc"
    Content-Type: "application/json"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := cfg.Redacted()
	if r.Kong.AdminToken != "***" || r.Token.Secret != "***" {
		t.Errorf("expected secrets to be masked, got %+v / %+v", r.Kong, r.Token)
	}
	if r.Poller.Headers["Cookie"] != "***" {
		t.Errorf("expected Cookie header masked, got %q", r.Poller.Headers["Cookie"])
	}
	if r.Poller.Headers["Content-Type"] != "application/json" {
		t.Errorf("expected Content-Type preserved, got %q", r.Poller.Headers["Content-Type"])
	}
	if cfg.Token.Secret != "token-secret" || cfg.Poller.Headers["Cookie"] != "JSESSIONID=abc" {
		t.Error("Redacted must not modify the original config")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Token.Subject != "maximo-client" {
		t.Errorf("expected defaults, got subject %q", cfg.Token.Subject)
	}
}

func TestLoad_FromFile(t *testing.T) {
	content := `
poller:
  targets: ["http://localhost:4000/test"]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poller.Targets[0] != "http://localhost:4000/test" {
		t.Errorf("expected target, got %q", cfg.Poller.Targets[0])
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_VALUE=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TEST_DOTENV_VALUE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_VALUE"); got != "from-dotenv" {
		t.Errorf("expected value from .env, got %q", got)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("expected missing .env to be ignored, got %v", err)
	}
}

func TestLoadFromBytes_CredentialExpiry(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{
			name: "explicit zero never expires",
			yaml: "poller:\n  credential:\n    key: k\n    secret: s\n    expiry: 0s\n",
			want: 0,
		},
		{
			name: "unset follows token default",
			yaml: "token:\n  default_expiry: 20m\npoller:\n  credential:\n    key: k\n    secret: s\n",
			want: 20 * time.Minute,
		},
		{
			name: "unset follows explicit zero token default",
			yaml: "token:\n  default_expiry: 0s\npoller:\n  credential:\n    key: k\n    secret: s\n",
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromBytes([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := cfg.Poller.Credential.Expiry(); got != tt.want {
				t.Errorf("credential expiry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialConfig_Equal(t *testing.T) {
	hour, alsoHour, zero := time.Hour, time.Hour, time.Duration(0)
	a := CredentialConfig{Key: "k", Secret: "s", Lifetime: &hour}
	if !a.Equal(CredentialConfig{Key: "k", Secret: "s", Lifetime: &alsoHour}) {
		t.Error("equal lifetimes behind different pointers should compare equal")
	}
	if a.Equal(CredentialConfig{Key: "k", Secret: "s", Lifetime: &zero}) {
		t.Error("different lifetimes should not compare equal")
	}
}

func TestLoadFromBytes_AdminPacing(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want float64
	}{
		{"unset defaults to 10", "kong:\n  timeout: 5s\n", 10},
		{"zero defaults to 10", "kong:\n  requests_per_second: 0\n", 10},
		{"negative disables pacing", "kong:\n  requests_per_second: -1\n", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromBytes([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Kong.RequestsPerSecond != tt.want {
				t.Errorf("requests_per_second = %v, want %v", cfg.Kong.RequestsPerSecond, tt.want)
			}
		})
	}
}
