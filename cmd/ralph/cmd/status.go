package cmd

import (
	"fmt"
	"time"

	"github.com/ralph-run/ralph/internal/logstore"
	"github.com/ralph-run/ralph/internal/sessionreg"
	"github.com/ralph-run/ralph/internal/term"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent iteration logs and in-flight execution records",
	Long: `Status is a diagnostic view, not a live dashboard (ralph has no daemon
to query): it lists the most recent persisted iteration logs from --log-dir
and any session registry records left behind by a prior engine process
(spec §3 Session Registry Record) — useful for seeing what an engine run
did, or what it was doing when it was last stopped.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	f := statusCmd.Flags()
	f.String("log-dir", "", "iteration log directory (default .ralph/logs)")
	f.String("session-dir", "", "session registry directory (default OS config dir)")
	f.Int("limit", 10, "maximum iteration logs to show")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logDir, _ := cmd.Flags().GetString("log-dir")
	if logDir == "" {
		logDir = ".ralph/logs"
	}
	sessionDir, _ := cmd.Flags().GetString("session-dir")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := logstore.New(logDir)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	entries, err := store.ListIterationLogs(logstore.Filter{})
	if err != nil {
		return fmt.Errorf("listing iteration logs: %w", err)
	}

	fmt.Println(term.Bold("Recent iterations:"))
	if len(entries) == 0 {
		fmt.Println(term.Dim("  (none)"))
	}
	shown := 0
	for i := len(entries) - 1; i >= 0 && shown < limit; i-- {
		e := entries[i]
		fmt.Printf("  %s task=%s %s\n", term.Cyan(e.Path), term.Blue(e.Metadata.TaskID), term.Dim(e.Metadata.StartedAt.Format(time.RFC3339)))
		shown++
	}

	reg, err := sessionreg.Open(sessionDir)
	if err != nil {
		return fmt.Errorf("opening session registry: %w", err)
	}
	recs, err := reg.List()
	if err != nil {
		return fmt.Errorf("listing session registry: %w", err)
	}

	fmt.Println()
	fmt.Println(term.Bold("Session registry:"))
	if len(recs) == 0 {
		fmt.Println(term.Dim("  (none)"))
		return nil
	}
	for _, r := range recs {
		color := term.Dim
		switch r.Status {
		case sessionreg.StatusRunning:
			color = term.Green
		case sessionreg.StatusFailed:
			color = term.Red
		case sessionreg.StatusStale:
			color = term.Yellow
		}
		fmt.Printf("  %s task=%s agent=%s last-seen=%s\n",
			color(string(r.Status)), term.Cyan(r.TaskID), term.Magenta(r.AgentPlugin), r.LastSeenAt.Format(time.RFC3339))
	}
	return nil
}
