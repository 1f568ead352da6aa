package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	return w.Body.String()
}

func TestHandlerExposesGatewayMetrics(t *testing.T) {
	RecordToolCall("browser.goto", "navigation", true, 5*time.Millisecond, 120*time.Millisecond)
	RecordToolCall("browser.goto", "navigation", false, 0, 10*time.Millisecond)
	UpdatePoolGauges(2, 3)
	UpdateSessionCount(3)
	UpdateBreakerState("navigation", 0)
	RecordRecovery("RETRY", true)

	body := scrape(t)
	for _, metric := range []string{
		"browsergate_tool_calls_total",
		"browsergate_tool_duration_seconds",
		"browsergate_queue_wait_seconds",
		"browsergate_pool_idle_contexts",
		"browsergate_pool_active_contexts",
		"browsergate_active_sessions",
		"browsergate_breaker_state",
		"browsergate_recovery_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metric %q not exposed", metric)
		}
	}
	if !strings.Contains(body, `browsergate_tool_calls_total{status="error",tool="browser.goto"}`) {
		t.Error("error status label missing")
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "browsergate_build_info") {
		t.Error("build info metric missing")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("version label missing")
	}
}

func TestRuntimeCollectorStops(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		StartRuntimeCollector(time.Millisecond, stopCh)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
