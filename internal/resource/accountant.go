// Package resource provides per-session memory, CPU, and disk accounting.
// Accountants are read-mostly: they admit or reject at registration time and
// expose cheap snapshots; they never block the request path afterwards.
package resource

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/browsergate/browsergate/internal/types"
)

// Per-session reservation defaults. A Chromium incognito context with one
// page costs roughly this much resident memory.
const (
	DefaultSessionMemoryBytes = 96 << 20 // 96 MiB
	DefaultSessionDiskBytes   = 16 << 20 // artifact headroom per session
)

// Kind identifies which resource an accountant guards.
type Kind string

const (
	KindMemory Kind = "memory"
	KindCPU    Kind = "cpu"
	KindDisk   Kind = "disk"
)

// Accountant tracks per-session reservations against a fixed budget.
type Accountant struct {
	mu         sync.Mutex
	kind       Kind
	limit      int64
	reserved   int64
	perSession map[string]int64
}

// NewAccountant creates an accountant with the given budget in bytes
// (or, for the CPU kind, in concurrent-operation slots).
func NewAccountant(kind Kind, limit int64) *Accountant {
	return &Accountant{
		kind:       kind,
		limit:      limit,
		perSession: make(map[string]int64),
	}
}

// Register reserves amount for the session. Fails with
// system/RESOURCE_EXHAUSTED when the budget would be exceeded.
// Registering the same session again replaces its reservation.
func (a *Accountant) Register(sessionID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setReservation(sessionID, amount)
}

// Charge adds amount to an existing session reservation (artifact writes).
// Rejects when the budget would be exceeded.
func (a *Accountant) Charge(sessionID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setReservation(sessionID, a.perSession[sessionID]+amount)
}

// setReservation replaces the session's reservation. Callers hold mu.
func (a *Accountant) setReservation(sessionID string, amount int64) error {
	prev := a.perSession[sessionID]
	next := a.reserved - prev + amount
	if a.limit > 0 && next > a.limit {
		return types.SystemError(types.CodeResourceExhausted,
			string(a.kind)+" budget exhausted").
			WithContext("resource", string(a.kind)).
			WithContext("requested", amount).
			WithContext("reserved", a.reserved).
			WithContext("limit", a.limit)
	}
	a.perSession[sessionID] = amount
	a.reserved = next
	return nil
}

// Unregister releases the session's reservation. Idempotent.
func (a *Accountant) Unregister(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount, ok := a.perSession[sessionID]; ok {
		a.reserved -= amount
		delete(a.perSession, sessionID)
	}
}

// Snapshot returns (reserved, limit).
func (a *Accountant) Snapshot() (reserved, limit int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved, a.limit
}

// SessionUsage returns the reservation for one session.
func (a *Accountant) SessionUsage(sessionID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perSession[sessionID]
}

// Set bundles the three process-wide accountants.
type Set struct {
	Memory *Accountant
	CPU    *Accountant
	Disk   *Accountant
}

// Config sets the budgets for a Set.
type Config struct {
	MemoryLimitBytes int64
	DiskLimitBytes   int64
	CPUSlots         int64
}

// NewSet constructs the three accountants from config.
func NewSet(cfg Config) *Set {
	return &Set{
		Memory: NewAccountant(KindMemory, cfg.MemoryLimitBytes),
		CPU:    NewAccountant(KindCPU, cfg.CPUSlots),
		Disk:   NewAccountant(KindDisk, cfg.DiskLimitBytes),
	}
}

// Admit reserves a session across all three accountants, rolling back on
// any rejection so a failed admission leaves no residue.
func (s *Set) Admit(sessionID string, memBytes, diskBytes, cpuSlots int64) error {
	if err := s.Memory.Register(sessionID, memBytes); err != nil {
		return err
	}
	if err := s.Disk.Register(sessionID, diskBytes); err != nil {
		s.Memory.Unregister(sessionID)
		return err
	}
	if err := s.CPU.Register(sessionID, cpuSlots); err != nil {
		s.Memory.Unregister(sessionID)
		s.Disk.Unregister(sessionID)
		return err
	}
	return nil
}

// Release drops the session from all accountants.
func (s *Set) Release(sessionID string) {
	s.Memory.Unregister(sessionID)
	s.CPU.Unregister(sessionID)
	s.Disk.Unregister(sessionID)
}

// HostSnapshot is a point-in-time view of host resource pressure, used for
// health reporting and startup logging. Fields are zero when the probe
// fails; accounting decisions never depend on it.
type HostSnapshot struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	MemoryAvailable   uint64  `json:"memoryAvailableBytes"`
	CPUPercent        float64 `json:"cpuPercent"`
	DiskUsedPercent   float64 `json:"diskUsedPercent"`
	DiskFree          uint64  `json:"diskFreeBytes"`
}

// Host probes current host usage via gopsutil. Best effort.
func Host(artifactsDir string) HostSnapshot {
	var snap HostSnapshot

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedPercent = vm.UsedPercent
		snap.MemoryAvailable = vm.Available
	} else {
		log.Debug().Err(err).Msg("Memory probe failed")
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		log.Debug().Err(err).Msg("CPU probe failed")
	}

	if artifactsDir != "" {
		if du, err := disk.Usage(artifactsDir); err == nil {
			snap.DiskUsedPercent = du.UsedPercent
			snap.DiskFree = du.Free
		} else {
			log.Debug().Err(err).Msg("Disk probe failed")
		}
	}

	return snap
}
