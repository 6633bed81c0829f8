package worktree

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Thresholds gates worktree acquisition on host resource pressure (spec
// §4.6, §8: "one periodic sample, not per-acquire shell-out").
type Thresholds struct {
	MinFreeMemoryMB   uint64
	MaxCPUPercent     float64
}

// DefaultThresholds mirror conservative defaults: refuse new worktrees once
// free memory drops below 512MB or CPU utilization exceeds 90%.
func DefaultThresholds() Thresholds {
	return Thresholds{MinFreeMemoryMB: 512, MaxCPUPercent: 90}
}

// sample is one point-in-time resource reading.
type sample struct {
	freeMemoryMB uint64
	cpuPercent   float64
	at           time.Time
}

// resourceMonitor caches a gopsutil sample so admission checks never shell
// out or block on a syscall while holding the pool lock. Sampling itself is
// driven externally — by internal/schedule's cron-style scheduler when one
// is wired, or by a single startup call otherwise (spec §8/§9: "one periodic
// sample, not per-acquire shell-out") — rather than a hand-rolled ticker.
type resourceMonitor struct {
	mu   sync.RWMutex
	last sample
}

func newResourceMonitor() *resourceMonitor {
	return &resourceMonitor{}
}

func (m *resourceMonitor) refresh(ctx context.Context) {
	s := sample{at: time.Now()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.freeMemoryMB = vm.Available / (1024 * 1024)
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		s.cpuPercent = pcts[0]
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
}

// Current returns the most recent sample without blocking on a syscall.
func (m *resourceMonitor) Current() sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// admits reports whether the given thresholds permit a new worktree,
// and if not, which reason applies.
func (m *resourceMonitor) admits(t Thresholds) (bool, Reason) {
	s := m.Current()
	if s.at.IsZero() {
		return true, "" // no sample yet — don't block startup on it
	}
	if t.MinFreeMemoryMB > 0 && s.freeMemoryMB < t.MinFreeMemoryMB {
		return false, ReasonInsufficientMemory
	}
	if t.MaxCPUPercent > 0 && s.cpuPercent > t.MaxCPUPercent {
		return false, ReasonHighCPUUtilization
	}
	return true, ""
}
