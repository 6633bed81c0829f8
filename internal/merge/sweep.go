package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralph-run/ralph/internal/runner"
)

// SweepOptions parameterizes Sweep.
type SweepOptions struct {
	RepoDir      string
	TargetBranch string
	BranchPrefix string // e.g. "ralph/task-" — only branches with this prefix are considered
	Runner       runner.CommandRunner
}

// Sweep deletes local branches under BranchPrefix that have already been
// merged into TargetBranch, so a long-running parallel executor doesn't
// accumulate one branch per completed task forever (spec §4.7/§4.8's
// reconcile-style bookkeeping, run periodically by internal/schedule).
// Grounded on baiirun-aetherflow's internal/daemon/reconcile.go isBranchMerged,
// generalized from a single fixed af/<taskID> branch to any branch under a
// configurable prefix.
func Sweep(ctx context.Context, opts SweepOptions) ([]string, error) {
	run := opts.Runner
	if run == nil {
		run = runner.Exec
	}

	out, err := run(ctx, "git", "-C", opts.RepoDir, "branch", "--list", opts.BranchPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	var deleted []string
	for _, branch := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		branch = strings.TrimSpace(branch)
		if branch == "" || branch == opts.TargetBranch {
			continue
		}

		merged, err := isBranchMerged(ctx, run, opts.RepoDir, branch, opts.TargetBranch)
		if err != nil || !merged {
			continue
		}

		if _, err := run(ctx, "git", "-C", opts.RepoDir, "branch", "-d", branch); err == nil {
			deleted = append(deleted, branch)
		}
	}

	return deleted, nil
}

// isBranchMerged reports whether branch is an ancestor of target, i.e.
// already merged. A branch that no longer exists counts as merged (it was
// already cleaned up by a prior sweep or merge.Run's DeleteAfter).
func isBranchMerged(ctx context.Context, run runner.CommandRunner, repoDir, branch, target string) (bool, error) {
	if _, err := run(ctx, "git", "-C", repoDir, "rev-parse", "--verify", branch); err != nil {
		return true, nil
	}

	_, err := run(ctx, "git", "-C", repoDir, "merge-base", "--is-ancestor", branch, target)
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "not a valid") || strings.Contains(errStr, "unknown revision") {
			return false, fmt.Errorf("git merge-base failed: %w", err)
		}
		return false, nil
	}
	return true, nil
}
