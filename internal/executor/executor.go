// Package executor runs independent tasks in parallel, each in its own
// worktree (spec §4.6 Scheduler). The admission-gated FIFO loop and
// continue-on-error/abort semantics are grounded on internal/daemon/pool.go's
// schedule/spawn/reap loop, turned from "respawn on crash" into "run each
// task to completion exactly once."
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/ralph-run/ralph/internal/worktree"
)

// Phase identifies where in a task's lifecycle a failure occurred (spec §3
// Parallel Task Result).
type Phase string

const (
	PhaseWorktreeAcquisition Phase = "worktree_acquisition"
	PhaseAgentSpawn          Phase = "agent_spawn"
	PhaseAgentExecution      Phase = "agent_execution"
	PhaseUnknown             Phase = "unknown"
)

// Status is a Parallel Task Result's terminal classification.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskError captures where and why a parallel task failed.
type TaskError struct {
	Message    string
	Phase      Phase
	OccurredAt time.Time
}

// WorkUnit is one independently-runnable unit of work: a task ID plus
// whatever the caller needs to spawn an agent against it (prompt, files).
type WorkUnit struct {
	TaskID string
	Run    func(ctx context.Context, wt *worktree.Worktree) (stdout, stderr string, err error)
}

// Result is one task's outcome (spec §3 Parallel Task Result).
type Result struct {
	TaskID      string
	Status      Status
	WorktreeID  string
	StartedAt   time.Time
	EndedAt     time.Time
	DurationMs  int64
	Stdout      string
	Stderr      string
	Error       *TaskError
}

const (
	stderrTruncateLen = 2000
	stdoutTailLen     = 500
)

// Options configures a batch Run.
type Options struct {
	MaxConcurrency        int
	ContinueOnError       bool
	PreserveFailedWorktrees bool
	Pool                  *worktree.Pool
}

// onEvent is the executor's typed-event emission hook (spec §4.6: emits
// task_completed/task_failed/failure_report_generated). nil is a valid,
// silent sink.
type onEvent func(name string, payload map[string]any)

// Run executes units with at most MaxConcurrency running at once, honoring
// ContinueOnError, and returns every result plus a Markdown failure report
// if any task failed.
func Run(ctx context.Context, units []WorkUnit, opts Options, emit onEvent) ([]Result, string) {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}

	results := make([]Result, len(units))
	sem := make(chan struct{}, opts.MaxConcurrency)
	var wg sync.WaitGroup

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abortMu sync.Mutex
	aborted := false

	for i, unit := range units {
		abortMu.Lock()
		stop := aborted
		abortMu.Unlock()
		if stop {
			results[i] = Result{TaskID: unit.TaskID, Status: StatusCancelled}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, unit WorkUnit) {
			defer wg.Done()
			defer func() { <-sem }()

			res := runOne(runCtx, unit, opts)
			results[i] = res

			if res.Status == StatusCompleted {
				emit("task_completed", map[string]any{"task_id": unit.TaskID})
			} else if res.Status == StatusFailed {
				emit("task_failed", map[string]any{"task_id": unit.TaskID, "continue_execution": opts.ContinueOnError})
				if !opts.ContinueOnError {
					abortMu.Lock()
					aborted = true
					abortMu.Unlock()
					cancel()
				}
			}
		}(i, unit)
	}

	wg.Wait()

	anyFailed := false
	for i := range results {
		if results[i].Status == StatusFailed {
			anyFailed = true
		}
	}

	var report string
	if anyFailed {
		report = BuildFailureReport(results, opts.PreserveFailedWorktrees)
		emit("failure_report_generated", nil)
	}
	return results, report
}

func runOne(ctx context.Context, unit WorkUnit, opts Options) Result {
	res := Result{TaskID: unit.TaskID, StartedAt: time.Now()}

	acq := opts.Pool.Acquire(ctx, worktree.AcquireRequest{BaseName: unit.TaskID, TaskID: unit.TaskID})
	if !acq.Success {
		res.EndedAt = time.Now()
		res.Status = StatusFailed
		res.Error = &TaskError{Message: string(acq.Reason), Phase: PhaseWorktreeAcquisition, OccurredAt: res.EndedAt}
		return res
	}
	res.WorktreeID = acq.Worktree.ID

	if ctx.Err() != nil {
		_ = opts.Pool.Release(context.Background(), acq.Worktree.ID, false)
		res.EndedAt = time.Now()
		res.Status = StatusCancelled
		return res
	}

	stdout, stderr, err := unit.Run(ctx, acq.Worktree)
	res.Stdout = stdout
	res.Stderr = stderr
	res.EndedAt = time.Now()
	res.DurationMs = res.EndedAt.Sub(res.StartedAt).Milliseconds()

	preserve := opts.PreserveFailedWorktrees && err != nil
	_ = opts.Pool.Release(context.Background(), acq.Worktree.ID, preserve)

	if err != nil {
		res.Status = StatusFailed
		res.Error = &TaskError{Message: err.Error(), Phase: PhaseAgentExecution, OccurredAt: res.EndedAt}
		return res
	}
	res.Status = StatusCompleted
	return res
}
