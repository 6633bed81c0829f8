// Package merge consolidates parallel-executor worktree branches back onto
// a target branch (spec §4.7). The git-plumbing style (shell out via a
// CommandRunner seam, classify errors by substring) is grounded on
// internal/daemon/reconcile.go's isBranchMerged/fetchReviewingTasks.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ralph-run/ralph/internal/runner"
)

// Outcome is one worktree branch's merge result.
type Outcome string

const (
	OutcomeMerged              Outcome = "merged"
	OutcomeConflict            Outcome = "conflict"
	OutcomeConflictPendingUser Outcome = "conflict_pending_user"
	OutcomeSkipped             Outcome = "skipped"
)

// Resolver optionally resolves merge conflicts with an AI agent (spec
// §4.7). It is consulted only when conflicts are detected; Confidence below
// the engine's threshold is treated as a failed resolution.
type Resolver interface {
	Resolve(ctx context.Context, repoDir string, conflictedFiles []string) (resolved bool, confidence float64, err error)
}

// Branch identifies one worktree's source branch to merge.
type Branch struct {
	Name         string
	DeleteAfter  bool
}

// Result is one branch's outcome from Run.
type Result struct {
	Branch          string
	Outcome         Outcome
	CommitSHA       string
	ConflictedFiles []string
	Err             error
}

// Options configures a merge Run.
type Options struct {
	RepoDir            string
	TargetBranch       string
	Branches           []Branch
	BackupBranchPrefix string // "" disables the backup branch
	Resolver           Resolver
	ResolveThreshold   float64 // default 0.85
	AbortOnConflict    bool
	Runner             runner.CommandRunner
}

// Summary is the full outcome of one merge Run, including the anchor used
// for rollback.
type Summary struct {
	PremergeRef  string
	BackupBranch string
	Results      []Result
}

// Run checks out target, optionally anchors a backup branch at its current
// HEAD, then merges each branch in order (spec §4.7 algorithm).
func Run(ctx context.Context, opts Options) (Summary, error) {
	run := opts.Runner
	if run == nil {
		run = runner.Exec
	}
	threshold := opts.ResolveThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	if _, err := run(ctx, "git", "-C", opts.RepoDir, "checkout", opts.TargetBranch); err != nil {
		return Summary{}, fmt.Errorf("checking out target branch %s: %w", opts.TargetBranch, err)
	}

	headOut, err := run(ctx, "git", "-C", opts.RepoDir, "rev-parse", "HEAD")
	if err != nil {
		return Summary{}, fmt.Errorf("reading target HEAD: %w", err)
	}
	premergeRef := strings.TrimSpace(string(headOut))

	summary := Summary{PremergeRef: premergeRef}

	if opts.BackupBranchPrefix != "" {
		backup := opts.BackupBranchPrefix + time.Now().UTC().Format("20060102-150405")
		if _, err := run(ctx, "git", "-C", opts.RepoDir, "branch", backup, premergeRef); err != nil {
			return summary, fmt.Errorf("creating backup branch %s: %w", backup, err)
		}
		summary.BackupBranch = backup
	}

	aborted := false
	for _, br := range opts.Branches {
		if aborted {
			summary.Results = append(summary.Results, Result{Branch: br.Name, Outcome: OutcomeSkipped})
			continue
		}

		res := mergeOne(ctx, run, opts.RepoDir, br, threshold, opts.Resolver)
		summary.Results = append(summary.Results, res)

		if res.Outcome == OutcomeConflict || res.Outcome == OutcomeConflictPendingUser {
			if opts.AbortOnConflict {
				aborted = true
			}
			continue
		}
		if br.DeleteAfter && res.Outcome == OutcomeMerged {
			_, _ = run(ctx, "git", "-C", opts.RepoDir, "branch", "-D", br.Name)
		}
	}

	return summary, nil
}

func mergeOne(ctx context.Context, run runner.CommandRunner, repoDir string, br Branch, threshold float64, resolver Resolver) Result {
	res := Result{Branch: br.Name}

	_, err := run(ctx, "git", "-C", repoDir, "merge", br.Name, "--no-edit")
	if err == nil {
		sha, shaErr := run(ctx, "git", "-C", repoDir, "rev-parse", "HEAD")
		if shaErr == nil {
			res.CommitSHA = strings.TrimSpace(string(sha))
		}
		res.Outcome = OutcomeMerged
		return res
	}

	// Merge failed — distinguish real git errors from a plain conflict.
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "not a valid") || strings.Contains(errStr, "unknown revision") {
		res.Err = fmt.Errorf("git merge failed: %w", err)
		res.Outcome = OutcomeConflictPendingUser
		return res
	}

	conflicted, listErr := listConflictedFiles(ctx, run, repoDir)
	if listErr != nil {
		res.Err = listErr
		res.Outcome = OutcomeConflictPendingUser
		return res
	}
	res.ConflictedFiles = conflicted

	if resolver != nil {
		resolved, confidence, resolveErr := resolver.Resolve(ctx, repoDir, conflicted)
		if resolveErr == nil && resolved && confidence >= threshold {
			if _, err := run(ctx, "git", "-C", repoDir, "commit", "-m", "Merge "+br.Name+" (AI-resolved)"); err == nil {
				sha, _ := run(ctx, "git", "-C", repoDir, "rev-parse", "HEAD")
				res.CommitSHA = strings.TrimSpace(string(sha))
				res.Outcome = OutcomeMerged
				return res
			}
		}
	}

	_, _ = run(ctx, "git", "-C", repoDir, "merge", "--abort")
	res.Outcome = OutcomeConflict
	return res
}

// listConflictedFiles enumerates unmerged paths (spec §4.7).
func listConflictedFiles(ctx context.Context, run runner.CommandRunner, repoDir string) ([]string, error) {
	out, err := run(ctx, "git", "-C", repoDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing conflicted files: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var files []string
	for _, l := range lines {
		if l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}
