// Package main provides the entry point for the browser gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/breaker"
	"github.com/browsergate/browsergate/internal/browser"
	"github.com/browsergate/browsergate/internal/config"
	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/har"
	"github.com/browsergate/browsergate/internal/macro"
	"github.com/browsergate/browsergate/internal/metrics"
	"github.com/browsergate/browsergate/internal/recovery"
	"github.com/browsergate/browsergate/internal/report"
	"github.com/browsergate/browsergate/internal/resource"
	"github.com/browsergate/browsergate/internal/scheduler"
	"github.com/browsergate/browsergate/internal/security"
	"github.com/browsergate/browsergate/internal/session"
	"github.com/browsergate/browsergate/internal/tools"
	"github.com/browsergate/browsergate/internal/transport"
	"github.com/browsergate/browsergate/pkg/version"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Setup logging first so validation errors are visible. Everything logs
	// to stderr: stdout is the stdio protocol channel.
	setupLogging(cfg.LogLevel)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error().Err(e).Msg("Invalid configuration")
		}
		log.Fatal().Int("errors", len(errs)).Msg("Configuration rejected")
	}

	printBanner()

	// Launch the shared Chromium instance
	root, browserCleanup, err := browser.Launch(&cfg.Browser)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to launch browser")
	}

	poolCfg := browser.PoolConfig{
		Min:             cfg.Performance.ContextPool.Min,
		Max:             cfg.Performance.ContextPool.Max,
		MaxIdleTime:     cfg.Performance.ContextPool.MaxIdleTime,
		CleanupInterval: cfg.Performance.ContextPool.CleanupInterval,
		WarmupOnStart:   cfg.Performance.ContextPool.WarmupOnStart,
		ReuseThreshold:  cfg.Performance.ContextPool.ReuseThreshold,
		Stealth:         cfg.Browser.Stealth,
	}
	if !cfg.Performance.EnableContextPooling {
		// Contexts are still created through the pool, just never kept warm.
		poolCfg.Min = 0
		poolCfg.WarmupOnStart = false
		poolCfg.ReuseThreshold = 1
	}
	pool := browser.NewPool(root, poolCfg)

	resources := resource.NewSet(resource.Config{
		MemoryLimitBytes: int64(cfg.Performance.MemoryLimitMB) << 20,
		DiskLimitBytes:   int64(cfg.Performance.DiskLimitMB) << 20,
		CPUSlots:         int64(cfg.Performance.Concurrency),
	})

	hub := transport.NewHub()

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions:    cfg.Browser.MaxSessions,
		SessionTimeout: cfg.Browser.SessionTimeout,
	}, pool, resources, hub)

	gate := security.NewGate(security.GateConfig{
		AllowedDomains:       cfg.Security.AllowedDomains,
		AutoApproveLocalhost: cfg.Security.AutoApproveLocalhost,
		PermissionTimeout:    cfg.Security.PermissionTimeout,
	}, hub)

	limiter := security.NewLimiter(security.LimiterConfig{
		PerWindow: cfg.Security.RateLimit.Requests,
		Window:    cfg.Security.RateLimit.Window,
		PerHour:   cfg.Security.RateLimit.Hourly,
	})

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	engine := recovery.NewEngine(sessions, breakers)

	sched := scheduler.New(scheduler.Config{
		Concurrency:    cfg.Performance.Concurrency,
		PerClient:      cfg.Performance.PerClientConcurrency,
		DefaultTimeout: cfg.Server.Timeout,
	})

	macroStore, err := macro.NewStore(cfg.MacrosDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open macro store")
	}
	macros := macro.NewService(macroStore)

	harExporter, err := har.NewExporter(cfg.ArtifactsDir, version.Full(), resources)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare artifact directory")
	}
	reports, err := report.NewService(cfg.ArtifactsDir, resources)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare report service")
	}

	d := dispatch.New(dispatch.Deps{
		Sessions: sessions,
		Gate:     gate,
		Limiter:  limiter,
		Breakers: breakers,
		Engine:   engine,
		Sched:    sched,
		Hub:      hub,
		Recorder: macros,
	})
	macros.SetExecutor(d.Invoke)

	tools.RegisterAll(d, tools.Deps{
		Sessions: sessions,
		Macros:   macros,
		HAR:      harExporter,
		Reports:  reports,
	})

	// A dropped client loses its queued work and its sessions.
	onDisconnect := func(clientID string) {
		canceled := sched.CancelClient(clientID)
		destroyed := sessions.DestroyForClient(clientID)
		if canceled > 0 || destroyed > 0 {
			log.Info().
				Str("client_id", clientID).
				Int("canceled", canceled).
				Int("sessions_destroyed", destroyed).
				Msg("Client state reclaimed")
		}
	}

	healthFn := func() map[string]any {
		host := resource.Host(cfg.ArtifactsDir)
		return map[string]any{
			"status":      "ok",
			"version":     version.Full(),
			"sessions":    sessions.Count(),
			"connections": hub.Len(),
			"pool":        pool.Stats(),
			"host":        host,
		}
	}

	wsServer := transport.NewServer(transport.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Timeout:           cfg.Server.Timeout,
		MaxConnections:    cfg.Server.MaxConnections,
		EnableHealthCheck: cfg.Monitoring.EnableHealthCheck,
	}, d, hub, healthFn, onDisconnect)

	// Hot-reload the domain allowlist when the config file changes.
	var watcher *config.Watcher
	if cfg.ConfigFile != "" {
		watcher, err = config.NewWatcher(cfg, gate.SetAllowedDomains)
		if err != nil {
			log.Warn().Err(err).Msg("Allowlist watcher unavailable")
		}
	}

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.Monitoring.EnableMetrics {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartRuntimeCollector(10*time.Second, stopCh)
		go refreshGauges(pool, sessions, breakers, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.Monitoring.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Start WebSocket transport in goroutine
	go func() {
		log.Info().
			Str("address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
			Int("max_sessions", cfg.Browser.MaxSessions).
			Int("concurrency", cfg.Performance.Concurrency).
			Bool("metrics_enabled", cfg.Monitoring.EnableMetrics).
			Msg("Gateway is ready to accept clients")

		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Stdio transport in goroutine; EOF on stdin means the supervising
	// process went away, which is a shutdown signal of its own.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Stdout belongs to the stdio transport alone; one JSON message per line.
	stdio := transport.NewStdio(d, hub, os.Stdin, os.Stdout, onDisconnect)
	go func() {
		if err := stdio.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("Stdio transport failed")
		}
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	}()

	<-quit

	log.Info().Msg("Shutting down...")

	// Signal background tasks to stop
	close(stopCh)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if watcher != nil {
		watcher.Close()
	}

	limiter.Close()
	sched.Close()
	sessions.Close()
	pool.Shutdown()
	browserCleanup()

	log.Info().Msg("Shutdown complete")
}

// refreshGauges keeps the pool, session, and breaker gauges current.
func refreshGauges(pool *browser.Pool, sessions *session.Manager, breakers *breaker.Registry, stopCh <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	states := map[string]int{
		breaker.StateClosed.String():   int(breaker.StateClosed),
		breaker.StateOpen.String():     int(breaker.StateOpen),
		breaker.StateHalfOpen.String(): int(breaker.StateHalfOpen),
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			stats := pool.Stats()
			metrics.UpdatePoolGauges(stats.Idle, stats.Active)
			metrics.UpdateSessionCount(sessions.Count())
			for opClass, state := range breakers.States() {
				metrics.UpdateBreakerState(opClass, states[state])
			}
		}
	}
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner logs the startup banner to stderr.
func printBanner() {
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browsergate")
}
