package worktree

import (
	"context"
	"strings"
	"testing"
)

// fakeRunner records invocations and never touches the filesystem, mirroring
// the CommandRunner fakes used in baiirun-aetherflow's daemon tests.
func fakeRunner(t *testing.T, fail func(args []string) bool) (runnerFn, *[][]string) {
	t.Helper()
	var calls [][]string
	fn := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		full := append([]string{name}, args...)
		calls = append(calls, full)
		if fail != nil && fail(args) {
			return nil, errFake{}
		}
		return nil, nil
	}
	return fn, &calls
}

type errFake struct{}

func (errFake) Error() string { return "fake command failure" }

// runnerFn avoids importing internal/runner's type alias directly in this
// test file's signature for readability.
type runnerFn = func(ctx context.Context, name string, args ...string) ([]byte, error)

func TestAcquireCreatesWorktree(t *testing.T) {
	fn, calls := fakeRunner(t, nil)
	p := New(Config{Root: "/repo", MaxWorktrees: 2, Runner: fn})

	res := p.Acquire(context.Background(), AcquireRequest{BaseName: "task-1", TaskID: "t1"})
	if !res.Success {
		t.Fatalf("Acquire failed: %+v", res)
	}
	if res.Worktree.Status != StatusInUse {
		t.Fatalf("Status = %v, want in_use", res.Worktree.Status)
	}

	found := false
	for _, c := range *calls {
		if len(c) > 1 && c[1] == "worktree" && c[2] == "add" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a git worktree add call, got %v", *calls)
	}
}

func TestAcquireRespectsPoolExhaustion(t *testing.T) {
	fn, _ := fakeRunner(t, nil)
	p := New(Config{Root: "/repo", MaxWorktrees: 1, Runner: fn})

	first := p.Acquire(context.Background(), AcquireRequest{BaseName: "a"})
	if !first.Success {
		t.Fatalf("first Acquire failed: %+v", first)
	}
	second := p.Acquire(context.Background(), AcquireRequest{BaseName: "b"})
	if second.Success || second.Reason != ReasonPoolExhausted {
		t.Fatalf("second Acquire = %+v, want pool_exhausted", second)
	}
}

func TestAcquireGitErrorMarksEntryError(t *testing.T) {
	fn, _ := fakeRunner(t, func(args []string) bool {
		return contains(args, "add")
	})
	p := New(Config{Root: "/repo", MaxWorktrees: 2, Runner: fn})

	res := p.Acquire(context.Background(), AcquireRequest{BaseName: "c"})
	if res.Success || res.Reason != ReasonGitError {
		t.Fatalf("Acquire = %+v, want git_error", res)
	}
}

func TestReleaseDestroysWorktree(t *testing.T) {
	fn, calls := fakeRunner(t, nil)
	p := New(Config{Root: "/repo", MaxWorktrees: 2, Runner: fn})

	res := p.Acquire(context.Background(), AcquireRequest{BaseName: "d"})
	if !res.Success {
		t.Fatalf("Acquire failed: %+v", res)
	}

	if err := p.Release(context.Background(), res.Worktree.ID, false); err != nil {
		t.Fatalf("Release: %v", err)
	}

	wt, ok := p.Get(res.Worktree.ID)
	if !ok || wt.Status != StatusDestroyed {
		t.Fatalf("Get after release = %+v ok=%v", wt, ok)
	}

	removeCalled := false
	for _, c := range *calls {
		if contains(c, "remove") {
			removeCalled = true
		}
	}
	if !removeCalled {
		t.Fatalf("expected git worktree remove call, got %v", *calls)
	}
}

func TestReleasePreserveKeepsWorktree(t *testing.T) {
	fn, _ := fakeRunner(t, nil)
	p := New(Config{Root: "/repo", MaxWorktrees: 2, Runner: fn})

	res := p.Acquire(context.Background(), AcquireRequest{BaseName: "e"})
	if err := p.Release(context.Background(), res.Worktree.ID, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
	wt, _ := p.Get(res.Worktree.ID)
	if wt.Status == StatusDestroyed {
		t.Fatalf("preserved worktree was destroyed: %+v", wt)
	}
}

func contains(ss []string, needle string) bool {
	for _, s := range ss {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
