package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergate/browsergate/internal/browser"
	"github.com/browsergate/browsergate/internal/resource"
	"github.com/browsergate/browsergate/internal/types"
)

// ManagerConfig holds session lifecycle settings.
type ManagerConfig struct {
	MaxSessions    int
	SessionTimeout time.Duration
}

// Notifier delivers server notifications to a specific client. The transport
// hub implements it; tests use a capture fake.
type Notifier interface {
	NotifyClient(clientID, method string, params any)
}

// Manager tracks every live session and reaps idle ones.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]map[string]bool
	reserved int // creations in flight, counted against MaxSessions

	pool      *browser.Pool
	resources *resource.Set
	notifier  Notifier
	cfg       ManagerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager builds the manager and starts the idle reaper.
func NewManager(cfg ManagerConfig, pool *browser.Pool, resources *resource.Set, notifier Notifier) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		byClient:  make(map[string]map[string]bool),
		pool:      pool,
		resources: resources,
		notifier:  notifier,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reapRoutine()
	}()

	log.Info().
		Int("max_sessions", cfg.MaxSessions).
		Dur("session_timeout", cfg.SessionTimeout).
		Msg("Session manager initialized")
	return m
}

// Create builds a new session for the client: reserve a slot, admit against
// the resource budgets, acquire a pooled context, open its page. Any failure
// rolls back in reverse order and leaves no residue.
func (m *Manager) Create(ctx context.Context, clientID string, fp browser.Fingerprint) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions)+m.reserved >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, types.ErrTooManySessions
	}
	m.reserved++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}

	id := uuid.NewString()

	if err := m.resources.Admit(id, resource.DefaultSessionMemoryBytes, resource.DefaultSessionDiskBytes, 1); err != nil {
		release()
		return nil, err
	}

	pc, err := m.pool.Acquire(ctx, fp)
	if err != nil {
		m.resources.Release(id)
		release()
		return nil, err
	}

	page, err := m.pool.OpenPage(pc)
	if err != nil {
		m.pool.Release(pc)
		m.resources.Release(id)
		release()
		return nil, types.BrowserError(types.CodeContextCrashed, "failed to open session page").WithCause(err)
	}

	sess := newSession(id, clientID, pc, page)
	sess.wireEvents(m.notifyFunc(clientID))

	m.mu.Lock()
	m.reserved--
	m.sessions[id] = sess
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]bool)
	}
	m.byClient[clientID][id] = true
	total := len(m.sessions)
	m.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("client_id", clientID).
		Int("total_sessions", total).
		Bool("context_reused", pc.UseCount() > 1).
		Msg("Session created")
	return sess, nil
}

func (m *Manager) notifyFunc(clientID string) func(method string, params any) {
	if m.notifier == nil {
		return nil
	}
	return func(method string, params any) {
		m.notifier.NotifyClient(clientID, method, params)
	}
}

// Get returns the session and refreshes its idle timestamp.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, types.ErrSessionNotFound
	}
	if sess.Destroyed() {
		return nil, types.ErrSessionDestroyed
	}
	sess.Touch()
	return sess, nil
}

// Owner checks that the session belongs to the client.
func (m *Manager) Owner(id, clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return ok && sess.ClientID == clientID
}

// Destroy tears a session down: page, then context, then resource
// reservations, strict reverse of creation. Idempotent; reports whether
// this call did the teardown.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if ids := m.byClient[sess.ClientID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byClient, sess.ClientID)
			}
		}
	}
	m.mu.Unlock()

	if !ok || sess.destroyed.Swap(true) {
		return false
	}

	m.teardown(sess)
	log.Info().
		Str("session_id", id).
		Dur("lifetime", time.Since(sess.CreatedAt)).
		Msg("Session destroyed")
	return true
}

// teardown releases a session's browser and budget resources. The destroyed
// flag must already be set.
func (m *Manager) teardown(sess *Session) {
	sess.execMu.Lock()
	defer sess.execMu.Unlock()

	if sess.page != nil {
		if err := sess.page.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("Error closing session page")
		}
	}
	m.pool.Release(sess.pc)
	m.resources.Release(sess.ID)
}

// DestroyForClient destroys every session the client owns. Called when a
// transport connection drops.
func (m *Manager) DestroyForClient(clientID string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.Destroy(id) {
			n++
		}
	}
	if n > 0 {
		log.Info().Str("client_id", clientID).Int("count", n).Msg("Client sessions destroyed")
	}
	return n
}

// Recreate replaces a session's crashed browser context with a fresh one,
// preserving identity and grants but dropping the ring buffers: the history
// belonged to the dead context. The old context is destroyed, not pooled.
func (m *Manager) Recreate(ctx context.Context, id string) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return types.ErrSessionNotFound
	}

	sess.execMu.Lock()
	defer sess.execMu.Unlock()

	if sess.destroyed.Load() {
		return types.ErrSessionDestroyed
	}

	pc, err := m.pool.Acquire(ctx, sess.pc.Fingerprint())
	if err != nil {
		return err
	}
	page, err := m.pool.OpenPage(pc)
	if err != nil {
		m.pool.Release(pc)
		return types.BrowserError(types.CodeContextCrashed, "failed to open replacement page").WithCause(err)
	}

	old := sess.pc
	if sess.page != nil {
		_ = sess.page.Close()
	}
	m.pool.Destroy(old)

	sess.pc = pc
	sess.page = page
	sess.console.Reset()
	sess.network.Reset()
	sess.Touch()
	sess.wireEvents(m.notifyFunc(sess.ClientID))

	log.Info().Str("session_id", id).Msg("Session context recreated")
	return nil
}

// List returns the IDs of all live sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// reapRoutine destroys sessions idle past the timeout. The check interval
// is a quarter of the timeout so expiry lag stays proportional.
func (m *Manager) reapRoutine() {
	interval := m.cfg.SessionTimeout / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle collects expired IDs under the read lock, then destroys them
// one by one so slow teardown never blocks session lookup.
func (m *Manager) reapIdle() {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, id := range expired {
		id := id
		eg.Go(func() error {
			if m.Destroy(id) {
				log.Info().Str("session_id", id).Msg("Idle session reaped")
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Close destroys every session and stops the reaper. Safe to call once.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.RLock()
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.RUnlock()

		eg := new(errgroup.Group)
		eg.SetLimit(4)
		for _, id := range ids {
			id := id
			eg.Go(func() error {
				m.Destroy(id)
				return nil
			})
		}
		_ = eg.Wait()

		log.Info().Msg("Session manager closed")
	})
}
