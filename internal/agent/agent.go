// Package agent implements the agent execution contract (spec §4.3): the
// subprocess lifecycle, streamed output capture with bounded in-memory
// retention, environment filtering, cancellation/interrupt semantics, and a
// pluggable JSONL message pipeline feeding the subagent tracer.
//
// The base runtime is grounded on internal/daemon/pool.go's
// ProcessStarter/execProcess/ExecProcessStarter seam from baiirun-aetherflow;
// concrete plugins (Claude, OpenCode, Codex) are variants over that base.
package agent

import (
	"context"
	"io"
	"time"
)

// Status is the terminal state of one agent execution.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusInterrupted Status = "interrupted"
)

// ExecutionResult is the outcome of one agent subprocess run (spec §3).
type ExecutionResult struct {
	ExecutionID string
	Status      Status
	ExitCode    *int
	Stdout      string
	Stderr      string
	DurationMs  int64
	Interrupted bool
	StartedAt   time.Time
	EndedAt     time.Time
	Error       error
}

// Handle is returned by Execute and lets the caller interrupt a running
// execution or poll whether it is still running.
type Handle struct {
	ExecutionID string
	Done        <-chan struct{}

	result   *ExecutionResult
	interrupt func()
	running   func() bool
}

// Wait blocks until the execution finishes and returns its result.
func (h *Handle) Wait() *ExecutionResult {
	<-h.Done
	return h.result
}

// NewCompletedHandle wraps an already-finished result in a Handle, for
// fake Plugin implementations in other packages' tests that need to return
// a synthetic execution outcome without spawning a subprocess.
func NewCompletedHandle(executionID string, result *ExecutionResult) *Handle {
	done := make(chan struct{})
	close(done)
	return &Handle{ExecutionID: executionID, Done: done, result: result, running: func() bool { return false }}
}

// Interrupt requests cancellation of the running execution (idempotent).
func (h *Handle) Interrupt() {
	if h.interrupt != nil {
		h.interrupt()
	}
}

// IsRunning reports whether the execution has not yet completed.
func (h *Handle) IsRunning() bool {
	if h.running != nil {
		return h.running()
	}
	select {
	case <-h.Done:
		return false
	default:
		return true
	}
}

// DetectResult is the outcome of probing whether a plugin's CLI is installed.
type DetectResult struct {
	Available      bool
	Version        string
	ExecutablePath string
	Error          error
}

// SandboxRequirements describes what a plugin needs when run inside a
// sandbox wrapper (spec §4.3, §6).
type SandboxRequirements struct {
	AuthPaths       []string
	BinaryPaths     []string
	RuntimePaths    []string
	RequiresNetwork bool
}

// PreflightResult is the outcome of a one-shot smoke-test prompt (spec §4.3).
type PreflightResult struct {
	Success    bool
	DurationMs int64
	Error      error
	Suggestion string
	Stdout     string
	Stderr     string
	ExitCode   *int
}

// ExecuteOptions configures one Execute call.
type ExecuteOptions struct {
	Model       string
	Timeout     time.Duration // 0 = no timeout
	Env         map[string]string
	OnStdout    func(chunk string)
	OnStderr    func(chunk string)
	OnJSONLMessage func(msg map[string]any)
	Sandbox     SandboxWrapper // nil = no sandbox
}

// Meta describes a plugin's identity (spec §6).
type Meta struct {
	ID                     string
	Name                   string
	DefaultCommand         string
	CommandAliases         []string
	SupportsSubagentTracing bool
}

// Plugin is the agent execution contract consumed by the engine (spec §6).
// Concrete plugins wrap BaseRuntime with family-specific argv building,
// JSONL parsing, and detection.
type Plugin interface {
	Meta() Meta
	Initialize(ctx context.Context, cfg map[string]any) error
	IsReady() bool
	Detect(ctx context.Context) DetectResult
	Execute(ctx context.Context, prompt string, files []string, opts ExecuteOptions) (*Handle, error)
	ValidateModel(model string) error
	GetSandboxRequirements() SandboxRequirements
	Preflight(ctx context.Context, timeout time.Duration) PreflightResult
	Dispose() error
}

// argvBuilder lets each plugin variant turn a rendered prompt (and the
// chosen model, if any) into the subprocess argv the base runtime execs.
type argvBuilder interface {
	buildArgv(prompt string, model string) []string
	deliverViaStdin() bool
	jsonlSupported() bool
}

// stdoutSink is satisfied by io.Writer implementations used to tee raw
// subprocess output into a log file while it is also captured in memory.
type stdoutSink = io.Writer
