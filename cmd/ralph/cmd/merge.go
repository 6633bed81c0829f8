package cmd

import (
	"fmt"

	"github.com/ralph-run/ralph/internal/merge"
	"github.com/ralph-run/ralph/internal/runner"
	"github.com/ralph-run/ralph/internal/term"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <branch>...",
	Short: "Merge parallel-executor branches back onto a target branch",
	Long: `Merge consolidates one or more worktree branches back onto --target
(spec §4.7): it anchors a backup branch at the target's current HEAD (unless
--no-backup), then merges each branch in order, reporting conflicts instead
of resolving them unless an AI resolver is wired in a future revision.

Use "ralph merge rollback" to hard-reset --target back to the backup branch
or pre-merge commit a previous run anchored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMerge,
}

var mergeRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Hard-reset --target back to a previous merge run's anchor",
	Args:  cobra.NoArgs,
	RunE:  runMergeRollback,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.AddCommand(mergeRollbackCmd)

	f := mergeCmd.Flags()
	f.String("target", "main", "branch to merge onto")
	f.Bool("no-backup", false, "skip creating a backup branch before merging")
	f.Bool("delete-after", false, "delete each branch after it merges cleanly")
	f.Bool("abort-on-conflict", false, "stop at the first conflicting branch instead of continuing")
	f.Float64("resolve-threshold", 0.85, "minimum AI-resolver confidence to accept a conflict resolution")

	rf := mergeRollbackCmd.Flags()
	rf.String("target", "main", "branch to roll back")
	rf.String("to", "", "backup branch or commit SHA to reset to (default: most recent reflog anchor)")
	rf.Bool("force", false, "reset even if the working tree has uncommitted changes")
	rf.StringSlice("cleanup-branch", nil, "branches to delete after a successful rollback")
}

func runMerge(cmd *cobra.Command, args []string) error {
	repoDir, _ := cmd.Flags().GetString("repo-dir")
	target, _ := cmd.Flags().GetString("target")
	noBackup, _ := cmd.Flags().GetBool("no-backup")
	deleteAfter, _ := cmd.Flags().GetBool("delete-after")
	abortOnConflict, _ := cmd.Flags().GetBool("abort-on-conflict")
	threshold, _ := cmd.Flags().GetFloat64("resolve-threshold")

	branches := make([]merge.Branch, len(args))
	for i, name := range args {
		branches[i] = merge.Branch{Name: name, DeleteAfter: deleteAfter}
	}

	backupPrefix := "ralph/backup"
	if noBackup {
		backupPrefix = ""
	}

	a, stopAdmin := startAdmin(cmd.Context(), cmd)
	defer stopAdmin()

	summary, err := merge.Run(cmd.Context(), merge.Options{
		RepoDir:            repoDir,
		TargetBranch:       target,
		Branches:           branches,
		BackupBranchPrefix: backupPrefix,
		ResolveThreshold:   threshold,
		AbortOnConflict:    abortOnConflict,
		Runner:             runner.Exec,
	})
	if err != nil {
		return fmt.Errorf("merge run: %w", err)
	}

	if summary.BackupBranch != "" {
		fmt.Printf("%s backup branch %s anchored at %s\n", term.Dim("ralph merge:"), term.Cyan(summary.BackupBranch), summary.PremergeRef)
	}

	failed := 0
	for _, r := range summary.Results {
		a.RecordMergeOutcome(string(r.Outcome))
		switch r.Outcome {
		case merge.OutcomeMerged:
			fmt.Printf("%s %s -> %s\n", term.Green("merged"), term.Cyan(r.Branch), r.CommitSHA)
		case merge.OutcomeSkipped:
			fmt.Printf("%s %s\n", term.Yellow("skipped"), term.Cyan(r.Branch))
		default:
			failed++
			fmt.Printf("%s %s: %v (%d conflicted files)\n", term.Red(string(r.Outcome)), term.Cyan(r.Branch), r.Err, len(r.ConflictedFiles))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d branch(es) failed to merge cleanly", failed)
	}
	return nil
}

func runMergeRollback(cmd *cobra.Command, _ []string) error {
	repoDir, _ := cmd.Flags().GetString("repo-dir")
	target, _ := cmd.Flags().GetString("target")
	to, _ := cmd.Flags().GetString("to")
	force, _ := cmd.Flags().GetBool("force")
	cleanup, _ := cmd.Flags().GetStringSlice("cleanup-branch")

	sha, err := merge.Rollback(cmd.Context(), merge.RollbackOptions{
		RepoDir:              repoDir,
		TargetRef:            to,
		Force:                force,
		CleanupMergeBranches: cleanup,
		Runner:               runner.Exec,
	})
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	fmt.Printf("%s %s reset to %s\n", term.Bold("ralph merge rollback:"), term.Cyan(target), sha)
	return nil
}
