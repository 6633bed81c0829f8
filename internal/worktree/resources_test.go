package worktree

import (
	"testing"
	"time"
)

func TestResourceMonitorAdmitsWithoutSample(t *testing.T) {
	m := newResourceMonitor()
	ok, reason := m.admits(DefaultThresholds())
	if !ok || reason != "" {
		t.Fatalf("admits() with no sample = %v %v, want true/empty", ok, reason)
	}
}

func TestResourceMonitorDeniesLowMemory(t *testing.T) {
	m := newResourceMonitor()
	m.last = sample{freeMemoryMB: 100, cpuPercent: 10, at: time.Now()}

	ok, reason := m.admits(Thresholds{MinFreeMemoryMB: 512})
	if ok || reason != ReasonInsufficientMemory {
		t.Fatalf("admits() = %v %v, want false/insufficient_memory", ok, reason)
	}
}

func TestResourceMonitorDeniesHighCPU(t *testing.T) {
	m := newResourceMonitor()
	m.last = sample{freeMemoryMB: 4096, cpuPercent: 95, at: time.Now()}

	ok, reason := m.admits(Thresholds{MaxCPUPercent: 90})
	if ok || reason != ReasonHighCPUUtilization {
		t.Fatalf("admits() = %v %v, want false/high_cpu_utilization", ok, reason)
	}
}
