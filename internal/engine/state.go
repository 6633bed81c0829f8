// Package engine drives the iteration loop (spec §4.1): task selection,
// prompt rendering, agent execution, completion detection, tracker update,
// and log persistence, with rate-limit fallback/recovery (§4.2) and a
// retry/skip/abort error-handling state machine. The cooperative
// single-goroutine loop and its mutex-guarded state are grounded on
// internal/daemon/pool.go's schedule loop, turned from "many agents, crash
// respawn" into "one agent at a time, retry/skip/abort."
package engine

import (
	"time"

	"github.com/ralph-run/ralph/internal/agent"
	"github.com/ralph-run/ralph/internal/subagent"
	"github.com/ralph-run/ralph/internal/tracker"
)

// Status is the engine's run state (spec §3 Engine State).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPausing  Status = "pausing"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
)

// AgentReason classifies why the currently bound agent is active (spec §3
// Active Agent).
type AgentReason string

const (
	ReasonPrimary  AgentReason = "primary"
	ReasonFallback AgentReason = "fallback"
)

// ActiveAgent is the currently bound agent plugin plus why it's bound.
type ActiveAgent struct {
	Plugin agent.Plugin
	Reason AgentReason
	Since  time.Time
}

// RateLimitState tracks which agent is primary, when (if ever) the engine
// fell back, and to which fallback agent (spec §3 Rate-Limit State).
type RateLimitState struct {
	PrimaryAgent  string
	LimitedAt     *time.Time
	FallbackAgent string
}

// IterationStatus is one Iteration Result's terminal classification.
type IterationStatus string

const (
	IterationCompleted  IterationStatus = "completed"
	IterationRunning    IterationStatus = "running"
	IterationFailed     IterationStatus = "failed"
	IterationInterrupted IterationStatus = "interrupted"
	IterationSkipped    IterationStatus = "skipped"
)

// IterationResult is emitted once per iteration attempt (spec §3).
type IterationResult struct {
	Iteration       int
	Task            *tracker.Task
	Status          IterationStatus
	TaskCompleted   bool
	PromiseComplete bool
	StartedAt       time.Time
	EndedAt         time.Time
	DurationMs      int64
	Error           string
	AgentResult     *agent.ExecutionResult
}

// StopReason explains why the loop exited.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopCompleted     StopReason = "completed"
	StopNoTasks       StopReason = "no_tasks"
	StopInterrupted   StopReason = "interrupted"
	StopError         StopReason = "error"
)

// State is a snapshot of the engine's current run state (spec §3 Engine
// State). Callers must treat it as a read-only copy — mutating it has no
// effect on the engine.
type State struct {
	Status         Status
	CurrentIteration int
	CurrentTask    *tracker.Task
	TotalTasks     int
	TasksCompleted int
	Iterations     []IterationResult
	ActiveAgent    *ActiveAgent
	RateLimitState *RateLimitState
	Subagents      map[string]subagent.State
}
