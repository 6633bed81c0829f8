package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory reference Tracker. It is not a production tracker
// implementation — it exists so the engine, executor, and merge packages can
// be exercised end-to-end in tests without a real tracker backend.
//
// Ordering matches spec §4.1: GetNextTask returns the lowest-priority-number,
// lowest-ID task whose DependsOn are all completed and that is not excluded.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemory creates an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*Task)}
}

// Seed adds tasks to the tracker. Intended for test/demo setup, not runtime use.
func (m *Memory) Seed(tasks ...Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		if t.Status == "" {
			t.Status = StatusOpen
		}
		m.tasks[t.ID] = &t
	}
}

func (m *Memory) Sync(ctx context.Context) error { return nil }

func (m *Memory) GetTasks(ctx context.Context, filter Filter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := toSet(filter.ExcludeIDs)
	statuses := toStatusSet(filter.Status)

	var out []Task
	for _, t := range m.tasks {
		if excluded[t.ID] {
			continue
		}
		if len(statuses) > 0 && !statuses[t.Status] {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetNextTask(ctx context.Context, filter Filter) (*Task, error) {
	candidates, err := m.GetTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Task
	for i := range candidates {
		c := candidates[i]
		if !m.dependenciesSatisfiedLocked(c) {
			continue
		}
		if best == nil || c.Priority < best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			cc := c
			best = &cc
		}
	}
	return best, nil
}

// dependenciesSatisfiedLocked reports whether every task in t.DependsOn is
// completed. Caller must hold m.mu.
func (m *Memory) dependenciesSatisfiedLocked(t Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := m.tasks[depID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("tracker: unknown task %q", id)
	}
	t.Status = status
	return nil
}

func (m *Memory) CompleteTask(ctx context.Context, id string, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("tracker: unknown task %q", id)
	}
	t.Status = StatusCompleted
	if note != "" {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["completion_note"] = note
	}
	return nil
}

func (m *Memory) IsComplete(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (m *Memory) GetTemplate(ctx context.Context) (string, error)  { return "", nil }
func (m *Memory) GetPrdContext(ctx context.Context) (any, error)   { return nil, nil }

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func toStatusSet(statuses []Status) map[Status]bool {
	s := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		s[st] = true
	}
	return s
}
