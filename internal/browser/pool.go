package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergate/browsergate/internal/types"
)

// Fingerprint identifies the reusable shape of a browser context. A pooled
// context is only handed to a session whose fingerprint matches exactly.
type Fingerprint struct {
	Width     int
	Height    int
	UserAgent string
}

// DefaultFingerprint is used when a session requests no overrides.
var DefaultFingerprint = Fingerprint{Width: 1280, Height: 720}

// PooledContext is one incognito browser context plus its reuse bookkeeping.
type PooledContext struct {
	ID          string
	fingerprint Fingerprint
	browser     *rod.Browser
	createdAt   time.Time
	lastUsed    time.Time
	useCount    int
	temporary   bool
}

// Fingerprint returns the context's fingerprint.
func (pc *PooledContext) Fingerprint() Fingerprint { return pc.fingerprint }

// UseCount returns how many sessions have used this context.
func (pc *PooledContext) UseCount() int { return pc.useCount }

// Temporary reports whether this context bypassed the pool cap and will be
// destroyed on release rather than returned.
func (pc *PooledContext) Temporary() bool { return pc.temporary }

// PoolConfig holds the warm-pool sizing knobs.
type PoolConfig struct {
	Min             int
	Max             int
	MaxIdleTime     time.Duration
	CleanupInterval time.Duration
	WarmupOnStart   bool
	ReuseThreshold  int
	Stealth         bool
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Idle      int   `json:"idle"`
	Active    int   `json:"active"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Destroyed int64 `json:"destroyed"`
	ResetFail int64 `json:"resetFailures"`
}

// Pool maintains warm incognito contexts keyed by fingerprint so that a new
// session usually skips context creation entirely.
//
// Lock ordering: mu guards idle/active/pending only. Never hold mu while
// talking to the browser; collect work under the lock, perform it outside.
type Pool struct {
	mu      sync.Mutex
	idle    []*PooledContext // insertion order, oldest first
	active  map[string]*PooledContext
	pending int // contexts being created, counted against Max

	root   *rod.Browser
	cfg    PoolConfig
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	created   atomic.Int64
	reused    atomic.Int64
	destroyed atomic.Int64
	resetFail atomic.Int64
}

// NewPool builds the pool over the shared browser. When WarmupOnStart is set
// it creates Min contexts with the default fingerprint before returning;
// warmup failures are logged but not fatal, the pool tops itself up later.
func NewPool(root *rod.Browser, cfg PoolConfig) *Pool {
	p := &Pool{
		root:   root,
		active: make(map[string]*PooledContext),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if cfg.WarmupOnStart {
		for i := 0; i < cfg.Min; i++ {
			pc, err := p.create(DefaultFingerprint, false)
			if err != nil {
				log.Warn().Err(err).Int("index", i).Msg("Context warmup failed")
				break
			}
			p.mu.Lock()
			p.idle = append(p.idle, pc)
			p.mu.Unlock()
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain()
	}()

	log.Info().
		Int("min", cfg.Min).
		Int("max", cfg.Max).
		Int("warm", len(p.idle)).
		Msg("Context pool initialized")
	return p
}

// Acquire hands out an idle context with a matching fingerprint, creating a
// fresh one when none matches. When the pool is at capacity the returned
// context is temporary: it exists outside the cap and dies on release.
func (p *Pool) Acquire(ctx context.Context, fp Fingerprint) (*PooledContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	p.mu.Lock()
	for i, pc := range p.idle {
		if pc.fingerprint != fp {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		pc.useCount++
		pc.lastUsed = time.Now()
		p.active[pc.ID] = pc
		p.mu.Unlock()

		p.reused.Add(1)
		log.Debug().
			Str("context_id", pc.ID).
			Int("use_count", pc.useCount).
			Msg("Context reused from pool")
		return pc, nil
	}

	temporary := len(p.idle)+len(p.active)+p.pending >= p.cfg.Max
	p.pending++
	p.mu.Unlock()

	pc, err := p.create(fp, temporary)

	p.mu.Lock()
	p.pending--
	if err == nil {
		pc.useCount = 1
		p.active[pc.ID] = pc
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Release returns a context to the pool and re-runs the sizing pass, so a
// release can immediately evict stale idle contexts instead of waiting for
// the cleanup ticker. Temporary contexts, contexts past the reuse threshold,
// and contexts that fail reset are destroyed instead.
func (p *Pool) Release(pc *PooledContext) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	delete(p.active, pc.ID)
	closed := p.closed.Load()
	p.mu.Unlock()

	if closed || pc.temporary || pc.useCount >= p.cfg.ReuseThreshold {
		p.destroy(pc)
		return
	}

	if err := p.reset(pc); err != nil {
		p.resetFail.Add(1)
		log.Warn().Err(err).Str("context_id", pc.ID).Msg("Context reset failed, destroying")
		p.destroy(pc)
		return
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()

	log.Debug().Str("context_id", pc.ID).Int("use_count", pc.useCount).Msg("Context released to pool")
	p.sweep()
}

// Destroy removes a context permanently, bypassing reuse. Used when a
// session's context has crashed or been poisoned.
func (p *Pool) Destroy(pc *PooledContext) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	delete(p.active, pc.ID)
	p.mu.Unlock()
	p.destroy(pc)
}

// OpenPage creates a fresh page inside the context with the fingerprint
// applied. Stealth mode injects the evasion script before any site code runs.
func (p *Pool) OpenPage(pc *PooledContext) (*rod.Page, error) {
	var page *rod.Page
	var err error
	if p.cfg.Stealth {
		page, err = stealth.Page(pc.browser)
	} else {
		page, err = pc.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, err
	}
	if err := applyFingerprint(page, pc.fingerprint); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

func applyFingerprint(page *rod.Page, fp Fingerprint) error {
	if fp.Width > 0 && fp.Height > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.Width,
			Height:            fp.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return err
		}
	}
	if fp.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: fp.UserAgent,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// create spawns a new incognito context.
func (p *Pool) create(fp Fingerprint, temporary bool) (*PooledContext, error) {
	incognito, err := p.root.Incognito()
	if err != nil {
		return nil, types.BrowserError(types.CodeContextCrashed, "failed to create browser context").WithCause(err)
	}

	pc := &PooledContext{
		ID:          uuid.NewString(),
		fingerprint: fp,
		browser:     incognito,
		createdAt:   time.Now(),
		lastUsed:    time.Now(),
		temporary:   temporary,
	}
	p.created.Add(1)

	log.Debug().
		Str("context_id", pc.ID).
		Bool("temporary", temporary).
		Int("width", fp.Width).
		Int("height", fp.Height).
		Msg("Context created")
	return pc, nil
}

// reset scrubs a context for reuse: close extra pages, blank the remaining
// one, clear storage best-effort, clear cookies. The next session sees no
// trace of the previous one.
func (p *Pool) reset(pc *PooledContext) error {
	pages, err := pc.browser.Pages()
	if err != nil {
		return err
	}
	for _, page := range pages[min(len(pages), 1):] {
		if err := page.Close(); err != nil {
			return err
		}
	}
	if len(pages) > 0 {
		page := pages[0]
		if err := page.Navigate("about:blank"); err != nil {
			return err
		}
		// Storage clearing is best-effort; cookie clearing is not.
		err := proto.StorageClearDataForOrigin{
			Origin:       "*",
			StorageTypes: "all",
		}.Call(page)
		if err != nil {
			log.Debug().Err(err).Str("context_id", pc.ID).Msg("Storage clear failed during reset")
		}
	}
	// nil clears all cookies in the context.
	return pc.browser.SetCookies(nil)
}

// destroy disposes the underlying browser context.
func (p *Pool) destroy(pc *PooledContext) {
	err := proto.TargetDisposeBrowserContext{
		BrowserContextID: pc.browser.BrowserContextID,
	}.Call(p.root)
	if err != nil {
		log.Warn().Err(err).Str("context_id", pc.ID).Msg("Error disposing browser context")
	}
	p.destroyed.Add(1)
	log.Debug().Str("context_id", pc.ID).Int("use_count", pc.useCount).Msg("Context destroyed")
}

// maintain evicts idle contexts past MaxIdleTime and tops the pool back up
// to Min. Eviction never drops the warm set below Min.
func (p *Pool) maintain() {
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var evict []*PooledContext
	kept := make([]*PooledContext, 0, len(p.idle))
	remaining := len(p.idle)
	for _, pc := range p.idle {
		if now.Sub(pc.lastUsed) > p.cfg.MaxIdleTime && remaining > p.cfg.Min {
			evict = append(evict, pc)
			remaining--
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	deficit := p.cfg.Min - len(p.idle) - len(p.active) - p.pending
	p.mu.Unlock()

	for _, pc := range evict {
		log.Debug().Str("context_id", pc.ID).Msg("Evicting idle context")
		p.destroy(pc)
	}

	for i := 0; i < deficit; i++ {
		pc, err := p.create(DefaultFingerprint, false)
		if err != nil {
			log.Warn().Err(err).Msg("Pool top-up failed")
			return
		}
		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			p.destroy(pc)
			return
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle, active := len(p.idle), len(p.active)
	p.mu.Unlock()
	return PoolStats{
		Idle:      idle,
		Active:    active,
		Created:   p.created.Load(),
		Reused:    p.reused.Load(),
		Destroyed: p.destroyed.Load(),
		ResetFail: p.resetFail.Load(),
	}
}

// Shutdown destroys every idle context and stops the maintainer. Active
// contexts are destroyed as sessions release them. Safe to call once.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	contexts := make([]*PooledContext, len(p.idle))
	copy(contexts, p.idle)
	p.idle = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, pc := range contexts {
		pc := pc
		eg.Go(func() error {
			p.destroy(pc)
			return nil
		})
	}
	_ = eg.Wait()

	log.Info().
		Int64("created", p.created.Load()).
		Int64("reused", p.reused.Load()).
		Int64("destroyed", p.destroyed.Load()).
		Msg("Context pool shut down")
}
