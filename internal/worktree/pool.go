// Package worktree manages a pool of isolated git working copies for the
// parallel executor (spec §4.6). The admission-control shape (a mode flag
// plus a map of live entries behind one mutex) and the acquire/release
// lifecycle are grounded on internal/daemon/pool.go's Pool; the underlying
// git plumbing follows internal/daemon/reconcile.go's CommandRunner style.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralph-run/ralph/internal/runner"
)

// Status is a Managed Worktree's lifecycle state (spec §3).
type Status string

const (
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusInUse    Status = "in_use"
	StatusMerging  Status = "merging"
	StatusCleaning Status = "cleaning"
	StatusDestroyed Status = "destroyed"
	StatusError    Status = "error"
)

// Reason is why Acquire declined to hand out a worktree.
type Reason string

const (
	ReasonPoolExhausted       Reason = "pool_exhausted"
	ReasonInsufficientMemory  Reason = "insufficient_memory"
	ReasonHighCPUUtilization  Reason = "high_cpu_utilization"
	ReasonGitError            Reason = "git_error"
	ReasonFilesystemError     Reason = "filesystem_error"
)

// Worktree is one isolated working copy (spec §3 Managed Worktree).
type Worktree struct {
	ID             string
	Name           string
	Path           string
	Branch         string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	TaskID         string
	AgentID        string
}

// AcquireRequest parameterizes Acquire.
type AcquireRequest struct {
	BaseName   string
	Branch     string // defaults to "ralph/" + a generated suffix
	BaseBranch string // defaults to the repo's current branch
	TaskID     string
	AgentID    string
}

// AcquireResult is Acquire's outcome.
type AcquireResult struct {
	Success  bool
	Worktree *Worktree
	Reason   Reason
	Err      error
}

// Pool manages worktrees under root, subject to a concurrency cap and
// periodically-sampled resource thresholds (spec §4.6, §8).
type Pool struct {
	mu         sync.Mutex
	root       string // repo root the worktrees branch from
	worktreeDir string // directory worktrees are created under, default ".worktrees"
	maxWorktrees int
	entries    map[string]*Worktree // keyed by worktree ID
	runner     runner.CommandRunner
	monitor    *resourceMonitor
	thresholds Thresholds
}

// Config configures a new Pool.
type Config struct {
	Root         string
	WorktreeDir  string // relative to Root; default ".worktrees"
	MaxWorktrees int
	Thresholds   Thresholds
	Runner       runner.CommandRunner
}

// New creates a Pool. Initialize must be called before Acquire.
func New(cfg Config) *Pool {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.MaxWorktrees <= 0 {
		cfg.MaxWorktrees = 4
	}
	if cfg.Runner == nil {
		cfg.Runner = runner.Exec
	}
	return &Pool{
		root:         cfg.Root,
		worktreeDir:  cfg.WorktreeDir,
		maxWorktrees: cfg.MaxWorktrees,
		entries:      make(map[string]*Worktree),
		runner:       cfg.Runner,
		monitor:      newResourceMonitor(),
		thresholds:   cfg.Thresholds,
	}
}

// Initialize ensures the worktree directory exists and takes one resource
// sample so admission checks have a baseline before the first Acquire.
// Callers that want ongoing sampling should drive SampleResources from
// internal/schedule on a cron-style interval.
func (p *Pool) Initialize(ctx context.Context) error {
	dir := filepath.Join(p.root, p.worktreeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating worktree dir %s: %w", dir, err)
	}
	p.monitor.refresh(ctx)
	return nil
}

// SampleResources refreshes the cached CPU/memory sample used by admission
// checks. Intended to be called periodically by internal/schedule.
func (p *Pool) SampleResources(ctx context.Context) {
	p.monitor.refresh(ctx)
}

// activeCountLocked counts worktrees that occupy a pool slot: everything
// except destroyed/error entries.
func (p *Pool) activeCountLocked() int {
	n := 0
	for _, w := range p.entries {
		if w.Status != StatusDestroyed && w.Status != StatusError {
			n++
		}
	}
	return n
}

// Acquire creates a fresh branch + git worktree for one task, subject to
// admission control (spec §4.6).
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) AcquireResult {
	p.mu.Lock()
	if p.activeCountLocked() >= p.maxWorktrees {
		p.mu.Unlock()
		return AcquireResult{Reason: ReasonPoolExhausted}
	}
	if ok, reason := p.monitor.admits(p.thresholds); !ok {
		p.mu.Unlock()
		return AcquireResult{Reason: reason}
	}

	id := uuid.New().String()
	name := req.BaseName
	if name == "" {
		name = "task"
	}
	branch := req.Branch
	if branch == "" {
		branch = "ralph/" + name + "-" + id[:8]
	}

	wt := &Worktree{
		ID:             id,
		Name:           name,
		Path:           filepath.Join(p.root, p.worktreeDir, id),
		Branch:         branch,
		Status:         StatusCreating,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		TaskID:         req.TaskID,
		AgentID:        req.AgentID,
	}
	p.entries[id] = wt
	p.mu.Unlock()

	args := []string{"worktree", "add", "-b", branch, wt.Path}
	if req.BaseBranch != "" {
		args = append(args, req.BaseBranch)
	}
	if _, err := p.runner(ctx, "git", append([]string{"-C", p.root}, args...)...); err != nil {
		p.mu.Lock()
		wt.Status = StatusError
		p.mu.Unlock()
		return AcquireResult{Reason: ReasonGitError, Err: fmt.Errorf("git worktree add: %w", err)}
	}

	p.mu.Lock()
	wt.Status = StatusInUse
	wt.LastActivityAt = time.Now()
	p.mu.Unlock()

	return AcquireResult{Success: true, Worktree: wt}
}

// Release transitions a worktree out of in_use and destroys its on-disk
// copy and branch, unless preserve is set (spec I5: a worktree is destroyed
// iff it is not in_use or merging).
func (p *Pool) Release(ctx context.Context, id string, preserve bool) error {
	p.mu.Lock()
	wt, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worktree: unknown id %q", id)
	}
	wt.Status = StatusCleaning
	path := wt.Path
	branch := wt.Branch
	p.mu.Unlock()

	if preserve {
		p.mu.Lock()
		wt.Status = StatusReady
		p.mu.Unlock()
		return nil
	}

	if _, err := p.runner(ctx, "git", "-C", p.root, "worktree", "remove", "--force", path); err != nil {
		p.mu.Lock()
		wt.Status = StatusError
		p.mu.Unlock()
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	_, _ = p.runner(ctx, "git", "-C", p.root, "branch", "-D", branch)

	p.mu.Lock()
	wt.Status = StatusDestroyed
	p.mu.Unlock()
	return nil
}

// MarkMerging transitions a worktree into the merging state so Release
// (and I5) can distinguish "in use by the merge engine" from "released".
func (p *Pool) MarkMerging(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	wt, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("worktree: unknown id %q", id)
	}
	wt.Status = StatusMerging
	return nil
}

// Get returns a copy of the worktree record for id.
func (p *Pool) Get(id string) (Worktree, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wt, ok := p.entries[id]
	if !ok {
		return Worktree{}, false
	}
	return *wt, true
}

// All returns a snapshot of every tracked worktree.
func (p *Pool) All() []Worktree {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worktree, 0, len(p.entries))
	for _, w := range p.entries {
		out = append(out, *w)
	}
	return out
}

// CleanupAll releases every non-destroyed worktree. With force=true it
// removes worktrees even if they are currently in_use or merging.
func (p *Pool) CleanupAll(ctx context.Context, force bool) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id, w := range p.entries {
		if w.Status == StatusDestroyed {
			continue
		}
		if !force && (w.Status == StatusInUse || w.Status == StatusMerging) {
			continue
		}
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []string
	for _, id := range ids {
		if err := p.Release(ctx, id, false); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
