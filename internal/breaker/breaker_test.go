package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Window:           time.Minute,
		MinRequests:      4,
		FailureThreshold: 0.5,
		Cooldown:         10 * time.Second,
	}
}

// newTestBreaker returns a breaker with a manually advanced clock.
func newTestBreaker() (*Breaker, *time.Time) {
	b := New("navigation", testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func tripBreaker(b *Breaker) {
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
}

func TestClosedAllowsAndCounts(t *testing.T) {
	b, _ := newTestBreaker()

	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow, got %v", err)
	}
	b.Record(true)
	b.Record(false)

	s, f := b.Counts()
	if s != 1 || f != 1 {
		t.Errorf("Counts = (%d, %d), want (1, 1)", s, f)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestOpensOnFailureRatio(t *testing.T) {
	b, _ := newTestBreaker()

	// Below min requests: never trips.
	b.Record(false)
	b.Record(false)
	b.Record(false)
	if b.State() != StateClosed {
		t.Fatal("breaker tripped below MinRequests")
	}

	b.Record(false)
	if b.State() != StateOpen {
		t.Fatalf("breaker should be OPEN after 4/4 failures, got %v", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Error("open breaker should reject")
	}
}

func TestStaysClosedUnderThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 7; i++ {
		b.Record(true)
	}
	b.Record(false)
	b.Record(false)
	b.Record(false) // 3/10 failures, below 0.5

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED at 30%% failures", b.State())
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b, now := newTestBreaker()
	tripBreaker(b)

	// Still open during cooldown.
	if err := b.Allow(); err == nil {
		t.Fatal("breaker should reject during cooldown")
	}

	*now = now.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("first call after cooldown should be allowed as probe, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	// A second concurrent call is rejected while the probe is in flight.
	if err := b.Allow(); err == nil {
		t.Error("second call during probe should be rejected")
	}

	b.Record(true)
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want CLOSED", b.State())
	}
}

func TestHalfOpenProbeReopens(t *testing.T) {
	b, now := newTestBreaker()
	tripBreaker(b)

	*now = now.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	b.Record(false)

	if b.State() != StateOpen {
		t.Errorf("state after failed probe = %v, want OPEN", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Error("re-opened breaker should reject")
	}
}

func TestWindowPruning(t *testing.T) {
	b, now := newTestBreaker()

	b.Record(false)
	b.Record(false)
	b.Record(false)

	// Old failures age out of the window; fresh traffic does not trip.
	*now = now.Add(2 * time.Minute)
	b.Record(false)
	b.Record(true)
	b.Record(true)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED after old outcomes pruned", b.State())
	}
}

func TestForceOpenAndClose(t *testing.T) {
	b, now := newTestBreaker()

	b.ForceOpen()
	if err := b.Allow(); err == nil {
		t.Fatal("forced-open breaker should reject")
	}

	// Cooldown does not release a forced-open breaker.
	*now = now.Add(time.Hour)
	if err := b.Allow(); err == nil {
		t.Error("forced-open breaker should reject even after cooldown")
	}

	b.ForceClose()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED after ForceClose", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("closed breaker should allow, got %v", err)
	}
}

func TestRegistryPerClassCells(t *testing.T) {
	r := NewRegistry(testConfig())

	nav := r.Get("navigation")
	tripBreaker(nav)

	if r.Get("navigation").State() != StateOpen {
		t.Error("navigation cell should be open")
	}
	if r.Get("interaction").State() != StateClosed {
		t.Error("interaction cell should be independent and closed")
	}

	states := r.States()
	if states["navigation"] != "OPEN" || states["interaction"] != "CLOSED" {
		t.Errorf("States() = %v", states)
	}
}
