// Package breaker provides a per-operation-class circuit breaker. Each cell
// tracks outcomes within a rolling monitoring window and fails fast while
// open, probing recovery with a single half-open call.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/types"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls when a breaker trips and recovers.
type Config struct {
	// Window is the rolling monitoring window for outcome counts.
	Window time.Duration

	// MinRequests is the minimum number of outcomes in the window before
	// the failure fraction is evaluated.
	MinRequests int

	// FailureThreshold is the failure fraction [0,1] that opens the breaker.
	FailureThreshold float64

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Window:           30 * time.Second,
		MinRequests:      5,
		FailureThreshold: 0.5,
		Cooldown:         15 * time.Second,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is one circuit cell, keyed by operation class in the Registry.
type Breaker struct {
	mu         sync.Mutex
	name       string
	cfg        Config
	state      State
	outcomes   []outcome
	changedAt  time.Time
	probing    bool // a half-open probe is in flight
	forcedOpen bool

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	return &Breaker{
		name:      name,
		cfg:       cfg,
		state:     StateClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns
// system/CIRCUIT_OPEN until the cooldown elapses; the first call after
// cooldown transitions to half-open and is allowed as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.forcedOpen || b.now().Sub(b.changedAt) < b.cfg.Cooldown {
			return b.rejectionLocked()
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return b.rejectionLocked()
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome into the cell and drives state transitions.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.outcomes = b.outcomes[:0]
			b.transitionLocked(StateClosed)
		} else {
			b.transitionLocked(StateOpen)
		}
		return
	}

	if b.state == StateOpen {
		// Late outcomes from calls admitted before the trip; ignored.
		return
	}

	b.outcomes = append(b.outcomes, outcome{at: now, ok: success})
	b.pruneLocked(now)

	total := len(b.outcomes)
	if total < b.cfg.MinRequests {
		return
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	if float64(failures)/float64(total) >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen)
	}
}

// ForceOpen latches the breaker open until ForceClose. Operator control.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = true
	if b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
}

// ForceClose clears a forced-open latch and closes the breaker.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = false
	b.probing = false
	b.outcomes = b.outcomes[:0]
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns success/failure totals within the monitoring window.
func (b *Breaker) Counts() (successes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	for _, o := range b.outcomes {
		if o.ok {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.outcomes = kept
}

func (b *Breaker) transitionLocked(next State) {
	prev := b.state
	b.state = next
	b.changedAt = b.now()
	log.Info().
		Str("breaker", b.name).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Circuit breaker state change")
}

func (b *Breaker) rejectionLocked() *types.Error {
	return types.SystemError(types.CodeCircuitOpen,
		"circuit breaker open for "+b.name).
		WithContext("operationClass", b.name).
		WithContext("state", b.state.String())
}

// Registry holds one breaker per operation-class key.
type Registry struct {
	mu    sync.Mutex
	cells map[string]*Breaker
	cfg   Config
}

// NewRegistry creates a registry; every cell shares the same config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cells: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for the operation class, creating it on first use.
func (r *Registry) Get(opClass string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.cells[opClass]
	if !ok {
		b = New(opClass, r.cfg)
		r.cells[opClass] = b
	}
	return b
}

// States returns a snapshot of every cell's state, keyed by operation class.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.cells))
	for k, b := range r.cells {
		out[k] = b.State().String()
	}
	return out
}
