package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ralph-run/ralph/internal/worktree"
)

func fakePool(t *testing.T, fail bool) *worktree.Pool {
	t.Helper()
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) { return nil, nil }
	p := worktree.New(worktree.Config{Root: t.TempDir(), MaxWorktrees: 4, Runner: runner})
	return p
}

func TestRunAllSucceed(t *testing.T) {
	pool := fakePool(t, false)
	units := []WorkUnit{
		{TaskID: "t1", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) { return "ok", "", nil }},
		{TaskID: "t2", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) { return "ok", "", nil }},
	}

	results, report := Run(context.Background(), units, Options{MaxConcurrency: 2, Pool: pool}, nil)
	if report != "" {
		t.Fatalf("expected no failure report, got %q", report)
	}
	for _, r := range results {
		if r.Status != StatusCompleted {
			t.Fatalf("result = %+v, want completed", r)
		}
	}
}

func TestRunContinueOnErrorKeepsGoing(t *testing.T) {
	pool := fakePool(t, false)
	units := []WorkUnit{
		{TaskID: "t1", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) { return "", "boom", errors.New("fail") }},
		{TaskID: "t2", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) { return "ok", "", nil }},
	}

	results, report := Run(context.Background(), units, Options{MaxConcurrency: 1, ContinueOnError: true, Pool: pool}, nil)
	if report == "" {
		t.Fatal("expected a failure report")
	}
	if results[0].Status != StatusFailed || results[1].Status != StatusCompleted {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(report, "Task t1") {
		t.Fatalf("report missing failed task: %s", report)
	}
}

func TestRunAbortOnErrorCancelsRemaining(t *testing.T) {
	pool := fakePool(t, false)
	var started int32

	units := []WorkUnit{
		{TaskID: "t1", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) {
			atomic.AddInt32(&started, 1)
			return "", "", errors.New("fail")
		}},
		{TaskID: "t2", Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) {
			atomic.AddInt32(&started, 1)
			return "ok", "", nil
		}},
	}

	results, _ := Run(context.Background(), units, Options{MaxConcurrency: 1, ContinueOnError: false, Pool: pool}, nil)
	if results[0].Status != StatusFailed {
		t.Fatalf("first result = %+v", results[0])
	}
	if results[1].Status != StatusCancelled {
		t.Fatalf("second result = %+v, want cancelled", results[1])
	}
}

func TestBuildFailureReportTruncatesOutput(t *testing.T) {
	long := strings.Repeat("x", stderrTruncateLen+500)
	results := []Result{
		{TaskID: "t1", Status: StatusFailed, Stderr: long, Error: &TaskError{Message: "boom", Phase: PhaseAgentExecution}},
	}
	report := BuildFailureReport(results, false)
	if !strings.Contains(report, "Task t1") {
		t.Fatalf("report missing task section: %s", report)
	}
	if strings.Contains(report, strings.Repeat("x", stderrTruncateLen+1)) {
		t.Fatalf("report did not truncate stderr")
	}
}
