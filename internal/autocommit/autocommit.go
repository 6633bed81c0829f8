// Package autocommit wraps the git plumbing the engine invokes after a task
// completes (spec §6 Auto-commit contract). The CommandRunner seam and git
// invocation style are grounded on internal/daemon/reconcile.go.
package autocommit

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralph-run/ralph/internal/runner"
)

// Result is the outcome of one auto-commit attempt (spec §6).
type Result struct {
	Committed     bool
	CommitMessage string
	CommitSHA     string
	Error         error
	SkipReason    string
}

// PerformAutoCommit stages all changes in cwd and commits them with a
// message derived from taskID/taskTitle, unless the working tree is clean.
func PerformAutoCommit(ctx context.Context, run runner.CommandRunner, cwd, taskID, taskTitle string) Result {
	status, err := run(ctx, "git", "-C", cwd, "status", "--porcelain")
	if err != nil {
		return Result{Error: fmt.Errorf("git status: %w", err)}
	}
	if strings.TrimSpace(string(status)) == "" {
		return Result{SkipReason: "no changes to commit"}
	}

	if _, err := run(ctx, "git", "-C", cwd, "add", "-A"); err != nil {
		return Result{Error: fmt.Errorf("git add: %w", err)}
	}

	message := commitMessage(taskID, taskTitle)
	if _, err := run(ctx, "git", "-C", cwd, "commit", "-m", message); err != nil {
		return Result{Error: fmt.Errorf("git commit: %w", err)}
	}

	shaOut, err := run(ctx, "git", "-C", cwd, "rev-parse", "HEAD")
	if err != nil {
		return Result{Error: fmt.Errorf("git rev-parse HEAD: %w", err)}
	}

	return Result{Committed: true, CommitMessage: message, CommitSHA: strings.TrimSpace(string(shaOut))}
}

func commitMessage(taskID, taskTitle string) string {
	if taskTitle == "" {
		return fmt.Sprintf("ralph: complete %s", taskID)
	}
	return fmt.Sprintf("ralph: %s (%s)", taskTitle, taskID)
}
