package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ralph-run/ralph/internal/runner"
)

// RollbackOptions parameterizes Rollback.
type RollbackOptions struct {
	RepoDir              string
	TargetRef            string // backup branch name or pre-merge commit SHA; "" triggers reflog search
	Force                bool
	CleanupMergeBranches []string
	Runner               runner.CommandRunner
}

// reflogAnchorRe matches git's own "checkout: moving from X to Y" reflog
// subjects. Run checks out the target branch before merging, so the newest
// such entry marks the pre-merge commit when no backup branch was created.
var reflogAnchorRe = regexp.MustCompile(`(?i)checkout: moving from ([^\s]+) to`)

// Rollback hard-resets the target branch to TargetRef, or — if TargetRef is
// empty — to the most recent reflog entry that looks like the checkout that
// preceded a merge run (spec §4.7 rollback).
func Rollback(ctx context.Context, opts RollbackOptions) (string, error) {
	run := opts.Runner
	if run == nil {
		run = runner.Exec
	}

	ref := opts.TargetRef
	if ref == "" {
		found, err := findReflogAnchor(ctx, run, opts.RepoDir)
		if err != nil {
			return "", err
		}
		if found == "" {
			return "", fmt.Errorf("rollback: no backup branch given and no reflog anchor found")
		}
		ref = found
	}

	if !opts.Force {
		out, err := run(ctx, "git", "-C", opts.RepoDir, "status", "--porcelain")
		if err != nil {
			return "", fmt.Errorf("checking worktree cleanliness: %w", err)
		}
		if strings.TrimSpace(string(out)) != "" {
			return "", fmt.Errorf("rollback: working tree has uncommitted changes (set Force to reset anyway)")
		}
	}

	if _, err := run(ctx, "git", "-C", opts.RepoDir, "reset", "--hard", ref); err != nil {
		return "", fmt.Errorf("resetting to %s: %w", ref, err)
	}

	for _, b := range opts.CleanupMergeBranches {
		_, _ = run(ctx, "git", "-C", opts.RepoDir, "branch", "-D", b)
	}

	return ref, nil
}

// findReflogAnchor scans HEAD's reflog for the most recent checkout entry,
// which is the commit the merge run started from.
func findReflogAnchor(ctx context.Context, run runner.CommandRunner, repoDir string) (string, error) {
	out, err := run(ctx, "git", "-C", repoDir, "reflog", "show", "--format=%H %gs", "-20")
	if err != nil {
		return "", fmt.Errorf("reading reflog: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		if reflogAnchorRe.MatchString(parts[1]) {
			return parts[0], nil
		}
	}
	return "", nil
}
