package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ralph-run/ralph/internal/agent"
	"github.com/ralph-run/ralph/internal/config"
	"github.com/ralph-run/ralph/internal/executor"
	"github.com/ralph-run/ralph/internal/merge"
	"github.com/ralph-run/ralph/internal/runner"
	"github.com/ralph-run/ralph/internal/schedule"
	"github.com/ralph-run/ralph/internal/template"
	"github.com/ralph-run/ralph/internal/tracker"
	"github.com/ralph-run/ralph/internal/term"
	"github.com/ralph-run/ralph/internal/worktree"
	"github.com/spf13/cobra"
)

var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Run every open task concurrently, each in its own worktree",
	Long: `Parallel runs the scheduler (spec §4.6): every open task in the tracker
is handed an isolated git worktree and the configured agent runs against it
concurrently, up to --max-concurrency at a time. Failed tasks' worktrees are
preserved for inspection with --preserve-failed; otherwise every worktree is
cleaned up as its task finishes.`,
	Args: cobra.NoArgs,
	RunE: runParallel,
}

func init() {
	rootCmd.AddCommand(parallelCmd)

	f := parallelCmd.Flags()
	f.StringP("epic", "e", "", "epic/run name (required)")
	f.String("agent", "", "agent plugin: claude, opencode, or codex")
	f.String("model", "", "model alias passed to the agent CLI")
	f.Int("max-concurrency", 0, "maximum simultaneous worktrees (default from config or 3)")
	f.Bool("continue-on-error", true, "keep running other tasks after one fails")
	f.Bool("preserve-failed", false, "keep the worktree of a failed task instead of cleaning it up")
	f.String("tracker", "memory", "reference tracker backend: memory or sqlite")
	f.String("sqlite-path", "", "sqlite tracker database path (sqlite tracker only)")
	f.String("merge-target", "main", "branch that completed task branches will eventually merge onto, for the periodic stale-branch sweep")
	f.String("sweep-cron", "@every 5m", "cron schedule for sweeping already-merged task branches")
}

func runParallel(cmd *cobra.Command, _ []string) error {
	repoDir, _ := cmd.Flags().GetString("repo-dir")

	var cfg config.Config
	cfg.RepoDir = repoDir
	if v, _ := cmd.Flags().GetString("epic"); v != "" {
		cfg.Epic = v
	}
	if v, _ := cmd.Flags().GetString("agent"); v != "" {
		cfg.Agent = v
	}
	if v, _ := cmd.Flags().GetInt("max-concurrency"); v != 0 {
		cfg.MaxConcurrency = v
	}
	if err := config.LoadConfigFile(configPath(cmd), &cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	plugin, err := pluginByID(cfg.Agent)
	if err != nil {
		return err
	}
	if err := plugin.Initialize(ctx, nil); err != nil {
		return fmt.Errorf("initializing agent %s: %w", plugin.Meta().ID, err)
	}

	trk, err := openTracker(cmd, cfg)
	if err != nil {
		return err
	}

	tasks, err := trk.GetTasks(ctx, tracker.Filter{Status: []tracker.Status{tracker.StatusOpen}})
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println(term.Dim("ralph parallel: no open tasks"))
		return nil
	}

	pool := worktree.New(worktree.Config{
		Root:         cfg.RepoDir,
		MaxWorktrees: cfg.MaxConcurrency,
		Runner:       runner.Exec,
	})
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing worktree pool: %w", err)
	}

	a, stopAdmin := startAdmin(ctx, cmd)
	defer stopAdmin()

	target, _ := cmd.Flags().GetString("merge-target")
	sweepCron, _ := cmd.Flags().GetString("sweep-cron")
	sched := schedule.New()
	_ = sched.AddFunc("worktree-resources", "@every 5s", func() {
		pool.SampleResources(ctx)
		if a != nil {
			a.metrics.SetWorktreesActive(len(pool.All()))
		}
	})
	_ = sched.AddFunc("branch-sweep", sweepCron, func() {
		_, _ = merge.Sweep(ctx, merge.SweepOptions{
			RepoDir:      cfg.RepoDir,
			TargetBranch: target,
			BranchPrefix: "ralph/",
			Runner:       runner.Exec,
		})
	})
	sched.Start()
	defer sched.Stop()

	model, _ := cmd.Flags().GetString("model")
	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
	preserveFailed, _ := cmd.Flags().GetBool("preserve-failed")

	units := make([]executor.WorkUnit, len(tasks))
	for i, task := range tasks {
		task := task
		units[i] = executor.WorkUnit{
			TaskID: task.ID,
			Run: func(ctx context.Context, wt *worktree.Worktree) (string, string, error) {
				rendered := template.Render(task, cfg.Epic, nil, "")
				if !rendered.Success {
					return "", "", fmt.Errorf("rendering prompt: %w", rendered.Error)
				}
				var stdout, stderr strings.Builder
				handle, err := plugin.Execute(ctx, rendered.Prompt, nil, agent.ExecuteOptions{
					Model:    model,
					OnStdout: func(chunk string) { stdout.WriteString(chunk) },
					OnStderr: func(chunk string) { stderr.WriteString(chunk) },
				})
				if err != nil {
					return "", "", fmt.Errorf("starting agent: %w", err)
				}
				res := handle.Wait()
				if res.Status != agent.StatusCompleted {
					return stdout.String(), stderr.String(), fmt.Errorf("agent execution %s", res.Status)
				}
				return stdout.String(), stderr.String(), nil
			},
		}
	}

	fmt.Printf("%s epic=%s tasks=%d max-concurrency=%d\n", term.Bold("ralph parallel:"), term.Cyan(cfg.Epic), len(units), cfg.MaxConcurrency)

	results, report := executor.Run(ctx, units, executor.Options{
		MaxConcurrency:          cfg.MaxConcurrency,
		ContinueOnError:         continueOnError,
		PreserveFailedWorktrees: preserveFailed,
		Pool:                    pool,
	}, func(name string, payload map[string]any) {
		fmt.Printf("%s %v\n", term.Dim(name), payload)
		a.Forward(name, payload)
	})

	completed, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case executor.StatusCompleted:
			completed++
		case executor.StatusFailed:
			failed++
		}
	}
	fmt.Printf("%s %d completed, %d failed, %d total\n", term.Bold("ralph parallel: done"), completed, failed, len(results))
	if report != "" {
		fmt.Println()
		fmt.Println(report)
	}
	if failed > 0 {
		return fmt.Errorf("%d task(s) failed", failed)
	}
	return nil
}
