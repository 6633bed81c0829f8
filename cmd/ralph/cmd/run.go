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
	"github.com/ralph-run/ralph/internal/engine"
	"github.com/ralph-run/ralph/internal/logstore"
	"github.com/ralph-run/ralph/internal/runner"
	"github.com/ralph-run/ralph/internal/sessionreg"
	"github.com/ralph-run/ralph/internal/template"
	"github.com/ralph-run/ralph/internal/tracker"
	trackersqlite "github.com/ralph-run/ralph/internal/tracker/sqlite"
	"github.com/ralph-run/ralph/internal/term"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the iteration loop against an epic's tasks",
	Long: `Run drives the iteration loop (spec §4.1): it pulls the next open task
from the tracker, renders a prompt, runs the configured agent against it,
detects completion, and repeats until the tracker is empty, --max-iterations
is reached, or the run is interrupted.

Rate limits trigger fallback to the next --fallback agent in order. When
recover_primary_between_iterations is enabled in the config file, ralph
probes the primary agent between iterations while a fallback is active and
switches back when it recovers; otherwise the fallback stays in use
(spec §4.2).`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringP("epic", "e", "", "epic/run name (required)")
	f.String("agent", "", "primary agent plugin: claude, opencode, or codex (default from config or claude)")
	f.StringSlice("fallback", nil, "fallback agent plugin IDs, tried in order on rate limit")
	f.String("model", "", "model alias passed to the agent CLI")
	f.Int("max-iterations", 0, "stop after this many iterations (0 = unbounded)")
	f.Int("max-retries", 0, "retry a failing task this many times before applying --error-strategy")
	f.String("error-strategy", "", "retry, skip, or abort (default retry)")
	f.Bool("auto-commit", false, "commit the worktree after each completed task")
	f.String("prompt-dir", "", "override the built-in prompt template with an iteration.md file from this directory; hot-reloaded on change")
	f.String("log-dir", "", "iteration log directory (default .ralph/logs)")
	f.String("tracker", "memory", "reference tracker backend: memory or sqlite")
	f.String("sqlite-path", "", "sqlite tracker database path (sqlite tracker only)")
	f.String("sandbox-image", "", "run the agent inside this Docker image")
	f.Bool("worker", false, "worker mode: process a single forced task and exit")
	f.String("task-id", "", "forced task ID (worker mode only)")
	f.String("session-dir", "", "session registry directory (default OS config dir)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	repoDir, _ := cmd.Flags().GetString("repo-dir")

	var cfg config.Config
	cfg.RepoDir = repoDir
	if v, _ := cmd.Flags().GetString("epic"); v != "" {
		cfg.Epic = v
	}
	if v, _ := cmd.Flags().GetString("agent"); v != "" {
		cfg.Agent = v
	}
	if v, _ := cmd.Flags().GetStringSlice("fallback"); len(v) > 0 {
		cfg.Fallbacks = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Model = v
	}
	if v, _ := cmd.Flags().GetInt("max-iterations"); v != 0 {
		cfg.MaxIterations = v
	}
	if v, _ := cmd.Flags().GetInt("max-retries"); v != 0 {
		cfg.MaxRetries = v
	}
	if v, _ := cmd.Flags().GetString("error-strategy"); v != "" {
		cfg.ErrorStrategy = v
	}
	if v, _ := cmd.Flags().GetBool("auto-commit"); v {
		cfg.AutoCommit = v
	}
	if v, _ := cmd.Flags().GetString("prompt-dir"); v != "" {
		cfg.PromptDir = v
	}
	if v, _ := cmd.Flags().GetString("log-dir"); v != "" {
		cfg.LogDir = v
	}
	if v, _ := cmd.Flags().GetString("sandbox-image"); v != "" {
		cfg.SandboxImage = v
	}

	if err := config.LoadConfigFile(configPath(cmd), &cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	worker, _ := cmd.Flags().GetBool("worker")
	taskID, _ := cmd.Flags().GetString("task-id")
	if worker && taskID == "" {
		return fmt.Errorf("--worker requires --task-id")
	}

	primary, err := pluginByID(cfg.Agent)
	if err != nil {
		return err
	}
	var fallbacks []agent.Plugin
	for _, id := range cfg.Fallbacks {
		p, err := pluginByID(id)
		if err != nil {
			return err
		}
		fallbacks = append(fallbacks, p)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, p := range append([]agent.Plugin{primary}, fallbacks...) {
		if err := p.Initialize(ctx, nil); err != nil {
			return fmt.Errorf("initializing agent %s: %w", p.Meta().ID, err)
		}
	}

	var sandbox agent.SandboxWrapper = agent.NoSandbox
	if cfg.SandboxImage != "" {
		ds, err := agent.NewDockerSandbox(cfg.SandboxImage, nil, primary.GetSandboxRequirements().RequiresNetwork)
		if err != nil {
			return fmt.Errorf("creating docker sandbox: %w", err)
		}
		sandbox = ds
	}

	trk, err := openTracker(cmd, cfg)
	if err != nil {
		return err
	}
	if closer, ok := trk.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	store, err := logstore.New(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}

	renderer := template.Render
	var override *template.Override
	if cfg.PromptDir != "" {
		override, err = template.NewOverride(cfg.PromptDir)
		if err != nil {
			return fmt.Errorf("loading prompt override: %w", err)
		}
		renderer = override.Wrap(template.Render)
	}

	watchConfigPath := ""
	if _, statErr := os.Stat(configPath(cmd)); statErr == nil {
		watchConfigPath = configPath(cmd)
	}
	if watchConfigPath != "" || cfg.PromptDir != "" {
		watcher, err := config.NewWatcher(watchConfigPath, cfg.PromptDir, 0)
		if err != nil {
			return fmt.Errorf("watching config/prompt-dir: %w", err)
		}
		changes := watcher.Start(ctx)
		go func() {
			for kind := range changes {
				switch kind {
				case config.ChangePromptDir:
					if err := override.Reload(); err != nil {
						fmt.Printf("%s %v\n", term.Red("prompt-dir reload:"), err)
						continue
					}
					fmt.Printf("%s reloaded %s\n", term.Dim("ralph run:"), cfg.PromptDir)
				case config.ChangeConfigFile:
					fmt.Printf("%s %s changed; restart ralph run to apply\n", term.Yellow("ralph run:"), watchConfigPath)
				}
			}
		}()
		defer watcher.Close()
	}

	var forcedTask *tracker.Task
	if worker {
		t, err := findTask(ctx, trk, taskID)
		if err != nil {
			return err
		}
		forcedTask = t
	}

	eng := engine.New(engine.Config{
		Primary:                         primary,
		Fallbacks:                       fallbacks,
		Tracker:                         trk,
		Renderer:                        renderer,
		LogStore:                        store,
		Runner:                          runner.Exec,
		RepoDir:                         cfg.RepoDir,
		Epic:                            cfg.Epic,
		Model:                           cfg.Model,
		AutoCommit:                      cfg.AutoCommit,
		MaxIterations:                   cfg.MaxIterations,
		MaxRetries:                      cfg.MaxRetries,
		RetryDelayMs:                    cfg.RetryDelay.Milliseconds(),
		BaseBackoffMs:                   cfg.BaseBackoff.Milliseconds(),
		IterationDelayMs:                cfg.IterationDelay.Milliseconds(),
		RecoverPrimaryBetweenIterations: cfg.RecoverPrimaryBetweenIterations,
		MaxRateLimitRetries:             cfg.MaxRateLimitRetries,
		ErrorStrategy:                   engine.ErrorStrategy(cfg.ErrorStrategy),
		WorkerMode:                      worker,
		ForcedTask:                      forcedTask,
		Sandbox:                         sandbox,
	})

	unsubscribe := eng.Listen(func(ev engine.Event) { printEvent(ev.Name, ev.Payload) })
	defer unsubscribe()

	sessionDir, _ := cmd.Flags().GetString("session-dir")
	sessions, err := sessionreg.Open(sessionDir)
	if err != nil {
		return fmt.Errorf("opening session registry: %w", err)
	}
	unSessions := eng.Listen(newSessionRecorder(sessions, cfg.Epic, primary.Meta().ID))
	defer unSessions()

	a, stopAdmin := startAdmin(ctx, cmd)
	defer stopAdmin()
	unAdmin := a.Listen(eng)
	defer unAdmin()

	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	fmt.Printf("%s epic=%s agent=%s\n", term.Bold("ralph run:"), term.Cyan(cfg.Epic), term.Magenta(primary.Meta().ID))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("running engine: %w", err)
	}

	state := eng.State()
	fmt.Printf("%s %d/%d tasks completed\n", term.Bold("ralph run: done"), state.TasksCompleted, state.TotalTasks)
	return nil
}

// printEvent is the default CLI event sink (spec §2's "events stream out
// to any listener"): a terse, colorized one-line-per-event log.
func printEvent(name string, payload map[string]any) {
	switch name {
	case "agent:output":
		return // too noisy for the default console sink; see logs via ralph status
	case "iteration:completed":
		fmt.Printf("%s %v\n", term.Green("iteration:completed"), payload["taskId"])
	case "iteration:failed":
		fmt.Printf("%s %v: %v\n", term.Red("iteration:failed"), payload["taskId"], payload["error"])
	case "agent:switched":
		fmt.Printf("%s %v -> %v (%v)\n", term.Yellow("agent:switched"), payload["previous"], payload["new"], payload["kind"])
	case "agent:all-limited":
		fmt.Printf("%s all configured agents are rate-limited\n", term.Red("agent:all-limited"))
	default:
		fmt.Printf("%s\n", term.Dim(name))
	}
}

// newSessionRecorder returns an engine.Listener that keeps the session
// registry (spec §3 Session Registry Record) in step with the engine's
// iterations, tracking the currently active agent across fallback switches.
func newSessionRecorder(store *sessionreg.Store, epic, primaryAgent string) engine.Listener {
	activeAgent := primaryAgent
	return func(ev engine.Event) {
		switch ev.Name {
		case "agent:switched":
			if to, ok := ev.Payload["new"].(string); ok {
				activeAgent = to
			}
		case "iteration:started":
			taskID, _ := ev.Payload["taskId"].(string)
			_ = store.Upsert(sessionreg.Record{
				ExecutionID: epic + "/" + taskID,
				AgentPlugin: activeAgent,
				TaskID:      taskID,
				Status:      sessionreg.StatusRunning,
			})
		case "iteration:completed":
			taskID, _ := ev.Payload["taskId"].(string)
			_, _ = store.SetStatus(epic+"/"+taskID, sessionreg.StatusCompleted)
		case "iteration:failed":
			taskID, _ := ev.Payload["taskId"].(string)
			_, _ = store.SetStatus(epic+"/"+taskID, sessionreg.StatusFailed)
		}
	}
}

func pluginByID(id string) (agent.Plugin, error) {
	switch strings.ToLower(id) {
	case "", "claude":
		return agent.NewClaudePlugin(), nil
	case "opencode":
		return agent.NewOpencodePlugin(), nil
	case "codex":
		return agent.NewCodexPlugin(), nil
	default:
		return nil, fmt.Errorf("unknown agent plugin %q (expected claude, opencode, or codex)", id)
	}
}

func openTracker(cmd *cobra.Command, cfg config.Config) (tracker.Tracker, error) {
	backend, _ := cmd.Flags().GetString("tracker")
	switch strings.ToLower(backend) {
	case "", "memory":
		return tracker.NewMemory(), nil
	case "sqlite":
		path, _ := cmd.Flags().GetString("sqlite-path")
		if path == "" {
			path = cfg.Epic + ".ralph.db"
		}
		return trackersqlite.Open(path)
	default:
		return nil, fmt.Errorf("unknown tracker backend %q (expected memory or sqlite)", backend)
	}
}

func findTask(ctx context.Context, trk tracker.Tracker, id string) (*tracker.Task, error) {
	tasks, err := trk.GetTasks(ctx, tracker.Filter{})
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %q not found", id)
}
