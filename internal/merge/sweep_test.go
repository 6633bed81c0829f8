package merge

import (
	"context"
	"errors"
	"testing"
)

func TestSweepDeletesMergedBranches(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("branch --list ralph/task-", "ralph/task-1\nralph/task-2\n", nil)
	sr.on("rev-parse --verify ralph/task-1", "abc\n", nil)
	sr.on("rev-parse --verify ralph/task-2", "def\n", nil)
	sr.on("merge-base --is-ancestor ralph/task-1", "", nil)
	sr.on("merge-base --is-ancestor ralph/task-2", "", errors.New("exit status 1"))

	deleted, err := Sweep(context.Background(), SweepOptions{
		RepoDir:      "/repo",
		TargetBranch: "main",
		BranchPrefix: "ralph/task-",
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "ralph/task-1" {
		t.Fatalf("deleted = %v, want [ralph/task-1]", deleted)
	}
}

func TestSweepSkipsMissingBranchAsMerged(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("branch --list ralph/task-", "ralph/task-gone\n", nil)
	sr.on("rev-parse --verify ralph/task-gone", "", errors.New("fatal: Needed a single revision"))

	deleted, err := Sweep(context.Background(), SweepOptions{
		RepoDir:      "/repo",
		TargetBranch: "main",
		BranchPrefix: "ralph/task-",
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "ralph/task-gone" {
		t.Fatalf("deleted = %v, want [ralph/task-gone]", deleted)
	}
}

func TestSweepSkipsTargetBranch(t *testing.T) {
	sr := newScriptedRunner()
	sr.on("branch --list ralph/task-", "main\n", nil)

	deleted, err := Sweep(context.Background(), SweepOptions{
		RepoDir:      "/repo",
		TargetBranch: "main",
		BranchPrefix: "ralph/task-",
		Runner:       sr.run,
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("deleted = %v, want none", deleted)
	}
}
