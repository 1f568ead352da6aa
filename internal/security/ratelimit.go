package security

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxBuckets bounds the number of tracked (client, operation) pairs to
// prevent memory exhaustion. Stale buckets are evicted oldest-first.
const maxBuckets = 10000

// LimiterConfig configures the dual-window rate limiter.
type LimiterConfig struct {
	// PerWindow is the maximum number of allowed requests per Window.
	PerWindow int
	Window    time.Duration

	// PerHour is the long-window ceiling.
	PerHour int
}

// bucketKey identifies one rate-limit bucket.
type bucketKey struct {
	Client    string
	Operation string
}

// bucket holds the monotonic timestamps of recently allowed requests.
// Timestamps older than an hour are pruned on every check.
type bucket struct {
	allowed  []time.Time
	lastSeen time.Time
}

// Limiter enforces per-(client, operation-class) sliding-window limits.
// A request is allowed only when both the short and the hourly window are
// under their thresholds; allowed requests are recorded in both.
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	cfg     LimiterConfig

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time // injectable clock for tests
}

// NewLimiter creates a limiter and starts its stale-bucket sweeper.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.PerWindow <= 0 {
		cfg.PerWindow = 60
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = 1000
	}

	l := &Limiter{
		buckets: make(map[bucketKey]*bucket),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.sweepRoutine()
	}()

	return l
}

// Allow reports whether a request from the client for the given operation
// class is permitted, recording the request timestamp when it is.
func (l *Limiter) Allow(client, operation string) bool {
	now := l.now()
	key := bucketKey{Client: client, Operation: operation}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		if len(l.buckets) >= maxBuckets {
			l.evictOldestLocked()
		}
		b = &bucket{}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Prune everything outside the hourly window; the short window is a
	// suffix of what remains.
	hourCutoff := now.Add(-time.Hour)
	pruned := b.allowed[:0]
	for _, ts := range b.allowed {
		if ts.After(hourCutoff) {
			pruned = append(pruned, ts)
		}
	}
	b.allowed = pruned

	if len(b.allowed) >= l.cfg.PerHour {
		return false
	}

	shortCutoff := now.Add(-l.cfg.Window)
	short := 0
	for i := len(b.allowed) - 1; i >= 0; i-- {
		if !b.allowed[i].After(shortCutoff) {
			break
		}
		short++
	}
	if short >= l.cfg.PerWindow {
		return false
	}

	b.allowed = append(b.allowed, now)
	return true
}

// Count returns the number of allowed requests in the short window for a
// (client, operation) pair.
func (l *Limiter) Count(client, operation string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[bucketKey{Client: client, Operation: operation}]
	if !exists {
		return 0
	}
	cutoff := now.Add(-l.cfg.Window)
	n := 0
	for i := len(b.allowed) - 1; i >= 0; i-- {
		if !b.allowed[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// evictOldestLocked removes the least recently seen bucket. Caller holds mu.
func (l *Limiter) evictOldestLocked() {
	var oldestKey bucketKey
	var oldest time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = b.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

// sweepRoutine periodically drops buckets idle for longer than two hours.
func (l *Limiter) sweepRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweepStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweepStale() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*time.Hour {
			delete(l.buckets, k)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept stale rate-limit buckets")
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}
