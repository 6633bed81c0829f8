// Package schedule drives the engine's periodic maintenance jobs — the
// worktree pool's resource sampler and the merge engine's stale-branch
// sweep (spec §9's "one periodic sample, not per-acquire shell-out", and
// §4.7/§4.8's reconcile-style bookkeeping) — on cron-style schedules
// instead of hand-rolled tickers. The iteration loop's own waits
// (rate-limit backoff, retry delay) stay as plain time.Sleep/time.After per
// spec §5; those are request/response waits, not periodic jobs.
//
// Grounded on NeboLoop-nebo's internal/agent/tools/cron.go CronTool, which
// wraps github.com/robfig/cron/v3 the same way: one *cron.Cron, a
// name-to-EntryID map so a job can be replaced or removed, Start/Stop
// bracketing the scheduler's lifetime.
package schedule

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named jobs on cron expressions.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// New creates a Scheduler. Seconds-resolution expressions are supported
// (e.g. "@every 5s"), matching baiirun-aetherflow's cron.New(cron.WithSeconds()).
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cron.EntryID),
	}
}

// AddFunc schedules fn to run on spec under name, replacing any existing
// job with the same name.
func (s *Scheduler) AddFunc(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("scheduling %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

// Remove cancels a named job, if one is scheduled.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the scheduler's timer and waits for any in-flight job to
// finish, returning once all jobs have stopped.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
