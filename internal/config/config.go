// Package config provides gateway configuration management. Values come
// from an optional YAML file plus environment overrides; out-of-range
// values produce a precise error list at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Hard bounds. Values outside these fail validation rather than being
// silently clamped.
const (
	minTimeout     = 1 * time.Second
	maxTimeout     = 300 * time.Second
	minMemoryMB    = 256
	maxMemoryMB    = 16384
	maxPoolSize    = 32
	maxSessionsCap = 500
)

// ServerConfig holds transport-facing settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConnections int           `yaml:"maxConnections"`
}

// BrowserConfig holds Chromium launch and session settings.
type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	BinPath        string        `yaml:"binPath"`
	Stealth        bool          `yaml:"stealth"`
	MaxSessions    int           `yaml:"maxSessions"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

// RateLimitConfig holds the dual-window limiter thresholds.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Hourly   int           `yaml:"hourly"`
}

// SecurityConfig holds the gate settings.
type SecurityConfig struct {
	AllowedDomains       []string        `yaml:"allowedDomains"`
	RateLimit            RateLimitConfig `yaml:"rateLimit"`
	AutoApproveLocalhost bool            `yaml:"autoApproveLocalhost"`
	PermissionTimeout    time.Duration   `yaml:"permissionTimeout"`
}

// ContextPoolConfig holds the warm-pool sizing knobs.
type ContextPoolConfig struct {
	Min             int           `yaml:"min"`
	Max             int           `yaml:"max"`
	MaxIdleTime     time.Duration `yaml:"maxIdleTime"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	WarmupOnStart   bool          `yaml:"warmupOnStart"`
	ReuseThreshold  int           `yaml:"reuseThreshold"`
}

// PerformanceConfig holds resource budgets and concurrency caps.
type PerformanceConfig struct {
	MemoryLimitMB        int               `yaml:"memoryLimitMB"`
	DiskLimitMB          int               `yaml:"diskLimitMB"`
	Concurrency          int               `yaml:"concurrency"`
	PerClientConcurrency int               `yaml:"perClientConcurrency"`
	EnableContextPooling bool              `yaml:"enableContextPooling"`
	ContextPool          ContextPoolConfig `yaml:"contextPool"`
}

// MonitoringConfig holds health/metrics endpoints.
type MonitoringConfig struct {
	EnableHealthCheck bool `yaml:"enableHealthCheck"`
	EnableMetrics     bool `yaml:"enableMetrics"`
	MetricsPort       int  `yaml:"metricsPort"`
}

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Security    SecurityConfig    `yaml:"security"`
	Performance PerformanceConfig `yaml:"performance"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`

	ArtifactsDir string `yaml:"artifactsDir"`
	MacrosDir    string `yaml:"macrosDir"`
	LogLevel     string `yaml:"logLevel"`

	// ConfigFile is the YAML file the config was loaded from, if any.
	// The allowlist watcher re-reads this path on change.
	ConfigFile string `yaml:"-"`
}

// Default returns the documented defaults.
func Default() *Config {
	tmp := filepath.Join(os.TempDir(), "browsergate")
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8137,
			Timeout:        60 * time.Second,
			MaxConnections: 32,
		},
		Browser: BrowserConfig{
			Headless:       true,
			MaxSessions:    20,
			SessionTimeout: 10 * time.Minute,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Requests: 60,
				Window:   time.Minute,
				Hourly:   1000,
			},
			AutoApproveLocalhost: true,
			PermissionTimeout:    30 * time.Second,
		},
		Performance: PerformanceConfig{
			MemoryLimitMB:        2048,
			DiskLimitMB:          1024,
			Concurrency:          8,
			PerClientConcurrency: 4,
			EnableContextPooling: true,
			ContextPool: ContextPoolConfig{
				Min:             1,
				Max:             8,
				MaxIdleTime:     5 * time.Minute,
				CleanupInterval: time.Minute,
				WarmupOnStart:   true,
				ReuseThreshold:  25,
			},
		},
		Monitoring: MonitoringConfig{
			EnableHealthCheck: true,
			EnableMetrics:     false,
			MetricsPort:       9137,
		},
		ArtifactsDir: tmp,
		MacrosDir:    filepath.Join(tmp, "macros"),
		LogLevel:     "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BROWSERGATE_CONFIG (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("BROWSERGATE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	cfg.applyEnv()
	return cfg, nil
}

// loadFile merges a YAML file over the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ReloadAllowedDomains re-reads only the allowlist from the config file.
// Used by the fsnotify watcher so a bad edit elsewhere in the file cannot
// disturb a running gateway.
func (c *Config) ReloadAllowedDomains() ([]string, error) {
	if c.ConfigFile == "" {
		return nil, fmt.Errorf("no config file to reload")
	}
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	var partial struct {
		Security struct {
			AllowedDomains []string `yaml:"allowedDomains"`
		} `yaml:"security"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return nil, err
	}
	return partial.Security.AllowedDomains, nil
}

// applyEnv overlays BROWSERGATE_* environment variables.
func (c *Config) applyEnv() {
	c.Server.Host = envString("BROWSERGATE_HOST", c.Server.Host)
	c.Server.Port = envInt("BROWSERGATE_PORT", c.Server.Port)
	c.Server.Timeout = envDuration("BROWSERGATE_SERVER_TIMEOUT", c.Server.Timeout)
	c.Server.MaxConnections = envInt("BROWSERGATE_MAX_CONNECTIONS", c.Server.MaxConnections)

	c.Browser.Headless = envBool("BROWSERGATE_HEADLESS", c.Browser.Headless)
	c.Browser.BinPath = envString("BROWSERGATE_BROWSER_PATH", c.Browser.BinPath)
	c.Browser.Stealth = envBool("BROWSERGATE_STEALTH", c.Browser.Stealth)
	c.Browser.MaxSessions = envInt("BROWSERGATE_MAX_SESSIONS", c.Browser.MaxSessions)
	c.Browser.SessionTimeout = envDuration("BROWSERGATE_SESSION_TIMEOUT", c.Browser.SessionTimeout)

	c.Security.AllowedDomains = envStringSlice("BROWSERGATE_ALLOWED_DOMAINS", c.Security.AllowedDomains)
	c.Security.RateLimit.Requests = envInt("BROWSERGATE_RATE_LIMIT_REQUESTS", c.Security.RateLimit.Requests)
	c.Security.RateLimit.Window = envDuration("BROWSERGATE_RATE_LIMIT_WINDOW", c.Security.RateLimit.Window)
	c.Security.RateLimit.Hourly = envInt("BROWSERGATE_RATE_LIMIT_HOURLY", c.Security.RateLimit.Hourly)
	c.Security.AutoApproveLocalhost = envBool("BROWSERGATE_AUTO_APPROVE_LOCALHOST", c.Security.AutoApproveLocalhost)
	c.Security.PermissionTimeout = envDuration("BROWSERGATE_PERMISSION_TIMEOUT", c.Security.PermissionTimeout)

	c.Performance.MemoryLimitMB = envInt("BROWSERGATE_MEMORY_LIMIT_MB", c.Performance.MemoryLimitMB)
	c.Performance.DiskLimitMB = envInt("BROWSERGATE_DISK_LIMIT_MB", c.Performance.DiskLimitMB)
	c.Performance.Concurrency = envInt("BROWSERGATE_CONCURRENCY", c.Performance.Concurrency)
	c.Performance.PerClientConcurrency = envInt("BROWSERGATE_PER_CLIENT_CONCURRENCY", c.Performance.PerClientConcurrency)
	c.Performance.EnableContextPooling = envBool("BROWSERGATE_CONTEXT_POOLING", c.Performance.EnableContextPooling)
	c.Performance.ContextPool.Min = envInt("BROWSERGATE_POOL_MIN", c.Performance.ContextPool.Min)
	c.Performance.ContextPool.Max = envInt("BROWSERGATE_POOL_MAX", c.Performance.ContextPool.Max)
	c.Performance.ContextPool.MaxIdleTime = envDuration("BROWSERGATE_POOL_MAX_IDLE", c.Performance.ContextPool.MaxIdleTime)
	c.Performance.ContextPool.CleanupInterval = envDuration("BROWSERGATE_POOL_CLEANUP_INTERVAL", c.Performance.ContextPool.CleanupInterval)
	c.Performance.ContextPool.WarmupOnStart = envBool("BROWSERGATE_POOL_WARMUP", c.Performance.ContextPool.WarmupOnStart)
	c.Performance.ContextPool.ReuseThreshold = envInt("BROWSERGATE_POOL_REUSE_THRESHOLD", c.Performance.ContextPool.ReuseThreshold)

	c.Monitoring.EnableHealthCheck = envBool("BROWSERGATE_HEALTH_CHECK", c.Monitoring.EnableHealthCheck)
	c.Monitoring.EnableMetrics = envBool("BROWSERGATE_METRICS", c.Monitoring.EnableMetrics)
	c.Monitoring.MetricsPort = envInt("BROWSERGATE_METRICS_PORT", c.Monitoring.MetricsPort)

	c.ArtifactsDir = envString("BROWSERGATE_ARTIFACTS_DIR", c.ArtifactsDir)
	c.MacrosDir = envString("BROWSERGATE_MACROS_DIR", c.MacrosDir)
	c.LogLevel = envString("BROWSERGATE_LOG_LEVEL", c.LogLevel)
}

// Validate checks every field and returns the full list of violations.
// An invalid configuration refuses to start the gateway.
func (c *Config) Validate() []error {
	var errs []error

	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d outside [0, 65535]", c.Server.Port)
	}
	if c.Server.Timeout < minTimeout || c.Server.Timeout > maxTimeout {
		add("server.timeout %s outside [%s, %s]", c.Server.Timeout, minTimeout, maxTimeout)
	}
	if c.Server.MaxConnections < 1 {
		add("server.maxConnections %d must be at least 1", c.Server.MaxConnections)
	}

	if c.Browser.BinPath != "" && strings.Contains(c.Browser.BinPath, "..") {
		add("browser.binPath contains path traversal sequence")
	}
	if c.Browser.MaxSessions < 1 || c.Browser.MaxSessions > maxSessionsCap {
		add("browser.maxSessions %d outside [1, %d]", c.Browser.MaxSessions, maxSessionsCap)
	}
	if c.Browser.SessionTimeout < 10*time.Second || c.Browser.SessionTimeout > 24*time.Hour {
		add("browser.sessionTimeout %s outside [10s, 24h]", c.Browser.SessionTimeout)
	}

	if c.Security.RateLimit.Requests < 1 {
		add("security.rateLimit.requests %d must be at least 1", c.Security.RateLimit.Requests)
	}
	if c.Security.RateLimit.Window <= 0 {
		add("security.rateLimit.window %s must be positive", c.Security.RateLimit.Window)
	}
	if c.Security.RateLimit.Hourly < c.Security.RateLimit.Requests {
		add("security.rateLimit.hourly %d below per-window limit %d",
			c.Security.RateLimit.Hourly, c.Security.RateLimit.Requests)
	}
	if c.Security.PermissionTimeout <= 0 {
		add("security.permissionTimeout %s must be positive", c.Security.PermissionTimeout)
	}

	if c.Performance.MemoryLimitMB < minMemoryMB || c.Performance.MemoryLimitMB > maxMemoryMB {
		add("performance.memoryLimitMB %d outside [%d, %d]", c.Performance.MemoryLimitMB, minMemoryMB, maxMemoryMB)
	}
	if c.Performance.DiskLimitMB < 1 {
		add("performance.diskLimitMB %d must be at least 1", c.Performance.DiskLimitMB)
	}
	if c.Performance.Concurrency < 1 {
		add("performance.concurrency %d must be at least 1", c.Performance.Concurrency)
	}
	if c.Performance.PerClientConcurrency < 1 || c.Performance.PerClientConcurrency > c.Performance.Concurrency {
		add("performance.perClientConcurrency %d outside [1, concurrency=%d]",
			c.Performance.PerClientConcurrency, c.Performance.Concurrency)
	}

	pool := c.Performance.ContextPool
	if pool.Min < 0 {
		add("performance.contextPool.min %d must not be negative", pool.Min)
	}
	if pool.Max < 1 || pool.Max > maxPoolSize {
		add("performance.contextPool.max %d outside [1, %d]", pool.Max, maxPoolSize)
	}
	if pool.Min > pool.Max {
		add("performance.contextPool.min %d exceeds max %d", pool.Min, pool.Max)
	}
	if pool.MaxIdleTime <= 0 {
		add("performance.contextPool.maxIdleTime %s must be positive", pool.MaxIdleTime)
	}
	if pool.CleanupInterval <= 0 {
		add("performance.contextPool.cleanupInterval %s must be positive", pool.CleanupInterval)
	}
	if pool.ReuseThreshold < 1 {
		add("performance.contextPool.reuseThreshold %d must be at least 1", pool.ReuseThreshold)
	}

	if c.Monitoring.MetricsPort < 0 || c.Monitoring.MetricsPort > 65535 {
		add("monitoring.metricsPort %d outside [0, 65535]", c.Monitoring.MetricsPort)
	}
	if c.Monitoring.EnableMetrics && c.Monitoring.MetricsPort == c.Server.Port {
		add("monitoring.metricsPort %d conflicts with server.port", c.Monitoring.MetricsPort)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("logLevel %q is not one of trace/debug/info/warn/error/fatal", c.LogLevel)
	}

	return errs
}

// Helper functions for environment variable parsing.

func envString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func envStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
