package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("defaults should validate cleanly, got %v", errs)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	cfg.Browser.MaxSessions = 0
	cfg.Performance.ContextPool.Min = 9
	cfg.Performance.ContextPool.Max = 4
	cfg.LogLevel = "loud"

	errs := cfg.Validate()
	if len(errs) < 4 {
		t.Fatalf("expected at least 4 violations, got %d: %v", len(errs), errs)
	}

	joined := make([]string, len(errs))
	for i, e := range errs {
		joined[i] = e.Error()
	}
	all := strings.Join(joined, "; ")
	for _, want := range []string{"server.port", "maxSessions", "contextPool.min", "logLevel"} {
		if !strings.Contains(all, want) {
			t.Errorf("error list missing %q: %s", want, all)
		}
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"timeout minimum accepted", func(c *Config) { c.Server.Timeout = time.Second }, false},
		{"timeout maximum accepted", func(c *Config) { c.Server.Timeout = 300 * time.Second }, false},
		{"timeout below minimum", func(c *Config) { c.Server.Timeout = 999 * time.Millisecond }, true},
		{"timeout above maximum", func(c *Config) { c.Server.Timeout = 301 * time.Second }, true},
		{"memory below minimum", func(c *Config) { c.Performance.MemoryLimitMB = 255 }, true},
		{"hourly below per-window", func(c *Config) { c.Security.RateLimit.Hourly = 10 }, true},
		{"per-client above global", func(c *Config) { c.Performance.PerClientConcurrency = 99 }, true},
		{"metrics port conflict", func(c *Config) {
			c.Monitoring.EnableMetrics = true
			c.Monitoring.MetricsPort = c.Server.Port
		}, true},
		{"bin path traversal", func(c *Config) { c.Browser.BinPath = "/opt/../etc/chrome" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.wantErr && len(errs) == 0 {
				t.Error("expected validation failure, got none")
			}
			if !tt.wantErr && len(errs) != 0 {
				t.Errorf("expected clean validation, got %v", errs)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROWSERGATE_PORT", "9999")
	t.Setenv("BROWSERGATE_HEADLESS", "false")
	t.Setenv("BROWSERGATE_SESSION_TIMEOUT", "5m")
	t.Setenv("BROWSERGATE_ALLOWED_DOMAINS", "a.com, b.org ,")
	t.Setenv("BROWSERGATE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Browser.Headless {
		t.Error("headless should be overridden to false")
	}
	if cfg.Browser.SessionTimeout != 5*time.Minute {
		t.Errorf("session timeout = %s, want 5m", cfg.Browser.SessionTimeout)
	}
	if len(cfg.Security.AllowedDomains) != 2 || cfg.Security.AllowedDomains[0] != "a.com" {
		t.Errorf("allowed domains = %v", cfg.Security.AllowedDomains)
	}
}

func TestEnvInvalidFallsBack(t *testing.T) {
	t.Setenv("BROWSERGATE_PORT", "not-a-number")
	t.Setenv("BROWSERGATE_SESSION_TIMEOUT", "-3m")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("port = %d, want default %d", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Browser.SessionTimeout != def.Browser.SessionTimeout {
		t.Errorf("session timeout = %s, want default", cfg.Browser.SessionTimeout)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := `
server:
  port: 8200
security:
  allowedDomains:
    - example.com
    - api.example.com
performance:
  contextPool:
    max: 4
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BROWSERGATE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8200 {
		t.Errorf("port = %d, want 8200", cfg.Server.Port)
	}
	if len(cfg.Security.AllowedDomains) != 2 {
		t.Errorf("allowed domains = %v", cfg.Security.AllowedDomains)
	}
	if cfg.Performance.ContextPool.Max != 4 {
		t.Errorf("pool max = %d, want 4", cfg.Performance.ContextPool.Max)
	}
	// Untouched fields keep defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
}

func TestReloadAllowedDomains(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("security:\n  allowedDomains: [one.test]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.ConfigFile = path

	domains, err := cfg.ReloadAllowedDomains()
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 1 || domains[0] != "one.test" {
		t.Errorf("domains = %v, want [one.test]", domains)
	}

	if err := os.WriteFile(path, []byte("security:\n  allowedDomains: [one.test, two.test]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	domains, err = cfg.ReloadAllowedDomains()
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 2 {
		t.Errorf("domains = %v, want two entries", domains)
	}
}
