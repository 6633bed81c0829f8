// Package tracker defines the external task-tracker contract the engine
// consumes (spec §6) and ships two reference implementations — in-memory and
// SQLite-backed — used by tests and the CLI's demo mode. Production tracker
// plugins are out of scope for this module; the interface is the contract.
package tracker

import "context"

// Status is a task's lifecycle state. The tracker owns the lifecycle; the
// engine only asks for the next actionable task and reports completion.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is the unit of work handed to the engine.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	ParentID    string
	DependsOn   []string
	Blocks      []string
	Priority    int
	Labels      []string
	Metadata    map[string]string
}

// Filter narrows a tracker query to tasks in one of the given statuses,
// excluding any task whose ID appears in ExcludeIDs (e.g. the engine's
// skipped-task set for the current run).
type Filter struct {
	Status     []Status
	ExcludeIDs []string
}

// Tracker is the pluggable source of work items the engine drives against.
type Tracker interface {
	// Sync refreshes the tracker's view of its backing store.
	Sync(ctx context.Context) error

	// GetTasks returns all tasks matching filter.
	GetTasks(ctx context.Context, filter Filter) ([]Task, error)

	// GetNextTask returns the next actionable task per the tracker's own
	// ordering and dependency rules, or nil if none is actionable.
	GetNextTask(ctx context.Context, filter Filter) (*Task, error)

	// UpdateTaskStatus transitions a task to status.
	UpdateTaskStatus(ctx context.Context, id string, status Status) error

	// CompleteTask marks a task completed, optionally attaching a note.
	CompleteTask(ctx context.Context, id string, note string) error

	// IsComplete reports whether the tracker considers its epic/PRD done.
	IsComplete(ctx context.Context) (bool, error)

	// GetTemplate optionally returns a tracker-specific prompt template
	// fragment. Empty string means "use the default template."
	GetTemplate(ctx context.Context) (string, error)

	// GetPrdContext optionally returns extended context (PRD body, recent
	// progress notes, codebase patterns) for prompt rendering.
	GetPrdContext(ctx context.Context) (any, error)
}
