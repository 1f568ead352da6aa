// Package metrics provides Prometheus metrics for monitoring the gateway.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ToolCallsTotal counts tool invocations by tool and status.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergate_tool_calls_total",
			Help: "Total number of tool calls processed",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration tracks tool execution time by operation class.
	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsergate_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"op_class"},
	)

	// QueueWait tracks scheduler queue wait time.
	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsergate_queue_wait_seconds",
			Help:    "Time operations spend queued before execution",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	// ActiveSessions shows current live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergate_active_sessions",
			Help: "Number of live sessions",
		},
	)

	// PoolIdle shows warm contexts waiting in the pool.
	PoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergate_pool_idle_contexts",
			Help: "Idle browser contexts in the pool",
		},
	)

	// PoolActive shows contexts currently lent to sessions.
	PoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergate_pool_active_contexts",
			Help: "Browser contexts checked out of the pool",
		},
	)

	// PoolCreated counts context creations.
	PoolCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergate_pool_created_total",
			Help: "Total browser contexts created",
		},
	)

	// PoolReused counts warm-context reuses.
	PoolReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergate_pool_reused_total",
			Help: "Total acquisitions served from the warm pool",
		},
	)

	// PoolDestroyed counts context destructions.
	PoolDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergate_pool_destroyed_total",
			Help: "Total browser contexts destroyed",
		},
	)

	// BreakerState exposes each circuit breaker as 0=closed, 1=open,
	// 2=half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergate_breaker_state",
			Help: "Circuit breaker state per operation class (0 closed, 1 open, 2 half-open)",
		},
		[]string{"op_class"},
	)

	// RecoveryTotal counts recovery outcomes by strategy and result.
	RecoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergate_recovery_total",
			Help: "Recovery engine outcomes by strategy",
		},
		[]string{"strategy", "result"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergate_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergate_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergate_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ToolCallsTotal,
		ToolDuration,
		QueueWait,
		ActiveSessions,
		PoolIdle,
		PoolActive,
		PoolCreated,
		PoolReused,
		PoolDestroyed,
		BreakerState,
		RecoveryTotal,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartRuntimeCollector periodically updates process-level metrics until
// stopCh closes.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateRuntimeMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordToolCall records a completed tool invocation.
func RecordToolCall(tool, opClass string, success bool, queueWait, exec time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(opClass).Observe(exec.Seconds())
	QueueWait.Observe(queueWait.Seconds())
}

// RecordRecovery records a recovery engine outcome.
func RecordRecovery(strategy string, recovered bool) {
	result := "recovered"
	if !recovered {
		result = "failed"
	}
	RecoveryTotal.WithLabelValues(strategy, result).Inc()
}

// UpdatePoolGauges refreshes the pool occupancy gauges.
func UpdatePoolGauges(idle, active int) {
	PoolIdle.Set(float64(idle))
	PoolActive.Set(float64(active))
}

// UpdateSessionCount refreshes the live-session gauge.
func UpdateSessionCount(count int) {
	ActiveSessions.Set(float64(count))
}

// UpdateBreakerState refreshes one breaker's state gauge.
func UpdateBreakerState(opClass string, state int) {
	BreakerState.WithLabelValues(opClass).Set(float64(state))
}
