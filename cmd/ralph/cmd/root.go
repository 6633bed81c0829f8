// Package cmd implements ralph's Cobra command surface (spec §6): run,
// parallel, merge, and status subcommands over the engine, executor, merge,
// and config packages. Grounded on baiirun-aetherflow's cmd/af/cmd/root.go — same
// persistent --config flag and --no-color wiring, narrowed from aetherflow's
// daemon/socket discovery (this CLI has no daemon; every subcommand drives
// an in-process Engine/executor/merge run to completion).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralph-run/ralph/internal/term"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "ralph drives an iteration loop of CLI coding agents against a task tracker",
	Long: `ralph is an iterative AI-agent execution engine.

It runs a CLI-based coding agent (claude, opencode, or codex) against a
task tracker one task at a time, handling rate limits with agent fallback
and recovery, retrying or skipping failed tasks per policy, and persisting
a log of every iteration. A parallel executor can instead run many
independent tasks at once, each isolated in its own git worktree, and merge
the results back with conflict detection and rollback.`,
}

// SetVersion sets the version string reported by "ralph --version".
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is .ralph.yaml in repo-dir)")
	rootCmd.PersistentFlags().String("repo-dir", ".", "repository root ralph operates against")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics, healthz, and the event-stream websocket on this address (e.g. :9090); disabled when empty")

	cobra.OnInitialize(func() {
		if noColor, _ := rootCmd.Flags().GetBool("no-color"); noColor {
			term.Disable(true)
		}
	})
}

// configPath resolves the --config flag to a concrete path, defaulting to
// .ralph.yaml under --repo-dir.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	repoDir, _ := cmd.Flags().GetString("repo-dir")
	return filepath.Join(repoDir, ".ralph.yaml")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}
