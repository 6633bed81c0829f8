package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ralph-run/ralph/internal/agent"
	"github.com/ralph-run/ralph/internal/autocommit"
	"github.com/ralph-run/ralph/internal/logstore"
	"github.com/ralph-run/ralph/internal/runner"
	"github.com/ralph-run/ralph/internal/subagent"
	"github.com/ralph-run/ralph/internal/template"
	"github.com/ralph-run/ralph/internal/tracker"
)

// ErrorStrategy chooses the iteration error-handling state machine's
// terminal behavior (spec §4.1).
type ErrorStrategy string

const (
	StrategyRetry ErrorStrategy = "retry"
	StrategySkip  ErrorStrategy = "skip"
	StrategyAbort ErrorStrategy = "abort"
)

// Config configures an Engine instance (spec §4.1 initialize, §6 logical
// inputs: a merged config object and, for workers, a forced task).
type Config struct {
	Primary   agent.Plugin
	Fallbacks []agent.Plugin

	Tracker  tracker.Tracker
	Renderer template.Renderer
	LogStore *logstore.Store
	Runner   runner.CommandRunner

	RepoDir   string
	SessionID string
	Epic      string
	Model     string

	AutoCommit bool

	MaxIterations                   int
	MaxRetries                      int
	RetryDelayMs                    int64
	IterationDelayMs                int64
	RecoverPrimaryBetweenIterations bool
	BaseBackoffMs                   int64
	MaxRateLimitRetries             int
	ErrorStrategy                   ErrorStrategy
	ExecuteTimeout                  time.Duration

	WorkerMode bool
	ForcedTask *tracker.Task

	// Sandbox wraps each agent execution's argv, e.g. to run it inside a
	// container (spec §4.3). nil means agent.NoSandbox.
	Sandbox agent.SandboxWrapper
}

// Engine drives the iteration loop against one tracker and one agent
// fallback chain (spec §4.1). All state is mutated only from the loop
// goroutine; Listen/GetIterationInfo read a locked snapshot.
type Engine struct {
	cfg Config
	bus *bus

	mu             sync.Mutex
	status         Status
	currentIter    int
	currentTask    *tracker.Task
	currentExecID  string
	totalTasks     int
	tasksCompleted int
	iterations     []IterationResult
	activeAgent    *ActiveAgent
	rateLimit      *RateLimitState

	skipped           map[string]bool
	retryCounts       map[string]int
	rateLimited       map[string]bool
	rateLimitAttempts map[string]int

	workerProcessed bool
	shouldStop      bool
	pauseRequested  bool
	resumeCh        chan struct{}

	parser          *subagent.Parser
	pendingSwitches []logstore.AgentSwitch

	stopReason StopReason
}

// New constructs an Engine in the idle state. Initialize must be called
// before Start.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:               cfg,
		bus:               newBus(),
		status:            StatusIdle,
		skipped:           make(map[string]bool),
		retryCounts:       make(map[string]int),
		rateLimited:       make(map[string]bool),
		rateLimitAttempts: make(map[string]int),
		parser:            subagent.NewParser(),
		resumeCh:          make(chan struct{}, 1),
	}
}

// Listen subscribes fn to every event the engine emits and returns an
// unsubscribe function.
func (e *Engine) Listen(fn Listener) func() {
	return e.bus.Listen(fn)
}

// Initialize binds the primary agent, asserts it is available, validates
// the model if one is configured, and (outside worker mode) syncs the
// tracker and counts its initial open/in-progress tasks (spec §4.1).
func (e *Engine) Initialize(ctx context.Context) error {
	if e.cfg.Primary == nil {
		return fmt.Errorf("engine: no primary agent configured")
	}
	det := e.cfg.Primary.Detect(ctx)
	if !det.Available {
		return fmt.Errorf("engine: primary agent %s not available: %w", e.cfg.Primary.Meta().ID, det.Error)
	}
	if e.cfg.Model != "" {
		if err := e.cfg.Primary.ValidateModel(e.cfg.Model); err != nil {
			return fmt.Errorf("engine: invalid model %q: %w", e.cfg.Model, err)
		}
	}

	now := time.Now()
	e.mu.Lock()
	e.activeAgent = &ActiveAgent{Plugin: e.cfg.Primary, Reason: ReasonPrimary, Since: now}
	e.rateLimit = &RateLimitState{PrimaryAgent: e.cfg.Primary.Meta().ID}
	e.mu.Unlock()

	if e.cfg.WorkerMode {
		if e.cfg.ForcedTask == nil {
			return fmt.Errorf("engine: worker mode requires a forced task")
		}
		e.mu.Lock()
		e.totalTasks = 1
		e.mu.Unlock()
		return nil
	}

	if e.cfg.Tracker == nil {
		return fmt.Errorf("engine: no tracker configured")
	}
	if err := e.cfg.Tracker.Sync(ctx); err != nil {
		return fmt.Errorf("engine: tracker sync: %w", err)
	}
	tasks, err := e.cfg.Tracker.GetTasks(ctx, tracker.Filter{Status: []tracker.Status{tracker.StatusOpen, tracker.StatusInProgress}})
	if err != nil {
		return fmt.Errorf("engine: tracker GetTasks: %w", err)
	}
	e.mu.Lock()
	e.totalTasks = len(tasks)
	e.mu.Unlock()
	return nil
}

// Start transitions the engine to running and blocks for the lifetime of
// the loop (spec §4.1). Callers that want a non-blocking start should call
// it from their own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine: Start requires idle status, got %s", e.status)
	}
	e.status = StatusRunning
	e.mu.Unlock()

	snapshot := e.State()
	e.bus.emit("engine:started", map[string]any{"tasksCompleted": snapshot.TasksCompleted, "totalTasks": snapshot.TotalTasks})

	if e.warnSandboxNetworkMismatch() {
		e.bus.emit("engine:sandbox-network-warning", map[string]any{"agent": e.cfg.Primary.Meta().ID})
	}

	e.runLoop(ctx)
	return nil
}

func (e *Engine) warnSandboxNetworkMismatch() bool {
	reqs := e.cfg.Primary.GetSandboxRequirements()
	return reqs.RequiresNetwork
}

// Stop requests the loop exit at its next cooperative check point.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.shouldStop = true
	e.status = StatusStopping
	e.mu.Unlock()
}

// Pause requests the loop enter its cooperative pause wait.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.pauseRequested = true
	}
	e.mu.Unlock()
}

// Resume releases a paused loop.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.pauseRequested = false
	e.mu.Unlock()
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

// IsPaused reports whether the loop is currently parked in its pause wait.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusPaused
}

// IsPausing reports whether a pause has been requested but not yet taken
// effect.
func (e *Engine) IsPausing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusPausing
}

// AddIterations raises MaxIterations by n (0 or negative n is a no-op).
func (e *Engine) AddIterations(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxIterations += n
}

// RemoveIterations lowers MaxIterations by n, floored at the current
// iteration count so it can't retroactively invalidate completed work.
func (e *Engine) RemoveIterations(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxIterations -= n
	if e.cfg.MaxIterations < e.currentIter {
		e.cfg.MaxIterations = e.currentIter
	}
}

// ContinueExecution clears a pending max-iterations stop by extending the
// budget by one more iteration.
func (e *Engine) ContinueExecution() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxIterations > 0 {
		e.cfg.MaxIterations = e.currentIter + 1
	}
}

// IterationInfo summarizes progress for status surfaces.
type IterationInfo struct {
	CurrentIteration int
	MaxIterations    int
	TasksCompleted   int
	TotalTasks       int
}

// GetIterationInfo returns a snapshot of iteration progress.
func (e *Engine) GetIterationInfo() IterationInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return IterationInfo{
		CurrentIteration: e.currentIter,
		MaxIterations:    e.cfg.MaxIterations,
		TasksCompleted:   e.tasksCompleted,
		TotalTasks:       e.totalTasks,
	}
}

// RefreshTasks re-queries the tracker and emits tasks:refreshed.
func (e *Engine) RefreshTasks(ctx context.Context) error {
	if e.cfg.WorkerMode || e.cfg.Tracker == nil {
		return nil
	}
	tasks, err := e.cfg.Tracker.GetTasks(ctx, tracker.Filter{Status: []tracker.Status{tracker.StatusOpen, tracker.StatusInProgress}})
	if err != nil {
		return fmt.Errorf("engine: refreshing tasks: %w", err)
	}
	e.mu.Lock()
	e.totalTasks = len(tasks)
	e.mu.Unlock()
	e.bus.emit("tasks:refreshed", map[string]any{"totalTasks": len(tasks)})
	return nil
}

// GeneratePromptPreview renders the prompt for taskId without executing an
// agent, for debugging/preview surfaces (spec §4.1).
func (e *Engine) GeneratePromptPreview(ctx context.Context, taskID string) (string, error) {
	task, err := e.resolveTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	trackerTemplate := ""
	if e.cfg.Tracker != nil {
		trackerTemplate, _ = e.cfg.Tracker.GetTemplate(ctx)
	}
	res := e.cfg.Renderer(*task, e.cfg.Epic, nil, trackerTemplate)
	if !res.Success {
		return "", fmt.Errorf("engine: rendering prompt preview: %w", res.Error)
	}
	return res.Prompt, nil
}

func (e *Engine) resolveTaskByID(ctx context.Context, taskID string) (*tracker.Task, error) {
	if e.cfg.WorkerMode && e.cfg.ForcedTask != nil && e.cfg.ForcedTask.ID == taskID {
		return e.cfg.ForcedTask, nil
	}
	if e.cfg.Tracker == nil {
		return nil, fmt.Errorf("engine: no tracker configured")
	}
	tasks, err := e.cfg.Tracker.GetTasks(ctx, tracker.Filter{})
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == taskID {
			return &tasks[i], nil
		}
	}
	return nil, fmt.Errorf("engine: task %q not found", taskID)
}

// ResetTasksToOpen reverts tasks this engine marked in_progress but did not
// complete, for graceful-shutdown recovery (spec §4.1).
func (e *Engine) ResetTasksToOpen(ctx context.Context, ids []string) error {
	if e.cfg.Tracker == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := e.cfg.Tracker.UpdateTaskStatus(ctx, id, tracker.StatusOpen); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: resetting %d task(s) to open: %v", len(errs), errs)
	}
	return nil
}

// State returns a point-in-time snapshot of the engine's state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	iterCopy := make([]IterationResult, len(e.iterations))
	copy(iterCopy, e.iterations)

	var subagents map[string]subagent.State
	if e.currentExecID != "" {
		all := e.parser.GetAllSubagents(e.currentExecID)
		subagents = make(map[string]subagent.State, len(all))
		for _, s := range all {
			subagents[s.ID] = s
		}
	}

	var rl *RateLimitState
	if e.rateLimit != nil {
		cp := *e.rateLimit
		rl = &cp
	}
	var aa *ActiveAgent
	if e.activeAgent != nil {
		cp := *e.activeAgent
		aa = &cp
	}

	return State{
		Status:           e.status,
		CurrentIteration: e.currentIter,
		CurrentTask:      e.currentTask,
		TotalTasks:       e.totalTasks,
		TasksCompleted:   e.tasksCompleted,
		Iterations:       iterCopy,
		ActiveAgent:      aa,
		RateLimitState:   rl,
		Subagents:        subagents,
	}
}

func (e *Engine) autoCommit(ctx context.Context, task *tracker.Task) *autocommit.Result {
	if !e.cfg.AutoCommit || e.cfg.Runner == nil {
		return nil
	}
	res := autocommit.PerformAutoCommit(ctx, e.cfg.Runner, e.cfg.RepoDir, task.ID, task.Title)
	return &res
}
