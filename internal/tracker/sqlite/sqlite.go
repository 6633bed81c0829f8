// Package sqlite is a reference Tracker implementation backed by
// modernc.org/sqlite, grounded on the pure-Go sqlite driver the nevindra-oasis,
// NeboLoop-nebo, and kadirpekel-hector example repos all depend on. It exists
// for local experimentation with the CLI's demo mode — production tracker
// backends are out of scope for this module (see spec §1).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ralph-run/ralph/internal/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	parent_id TEXT,
	depends_on TEXT,
	blocks TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	labels TEXT,
	note TEXT
);`

// Tracker is a SQLite-backed tracker.Tracker. Safe for concurrent use; the
// underlying *sql.DB serializes access itself.
type Tracker struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite tracker %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Tracker{db: db}, nil
}

func (t *Tracker) Close() error { return t.db.Close() }

// Seed inserts or replaces tasks. Intended for demo/test setup.
func (t *Tracker) Seed(ctx context.Context, tasks ...tracker.Task) error {
	for _, task := range tasks {
		if task.Status == "" {
			task.Status = tracker.StatusOpen
		}
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, parent_id, depends_on, blocks, priority, labels, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')
			ON CONFLICT(id) DO UPDATE SET
				title=excluded.title, description=excluded.description, status=excluded.status,
				parent_id=excluded.parent_id, depends_on=excluded.depends_on, blocks=excluded.blocks,
				priority=excluded.priority, labels=excluded.labels`,
			task.ID, task.Title, task.Description, string(task.Status), task.ParentID,
			strings.Join(task.DependsOn, ","), strings.Join(task.Blocks, ","), task.Priority,
			strings.Join(task.Labels, ","),
		)
		if err != nil {
			return fmt.Errorf("seeding task %s: %w", task.ID, err)
		}
	}
	return nil
}

func (t *Tracker) Sync(ctx context.Context) error { return nil }

func (t *Tracker) GetTasks(ctx context.Context, filter tracker.Filter) ([]tracker.Task, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT id, title, description, status, parent_id, depends_on, blocks, priority, labels, note FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}
	statuses := make(map[tracker.Status]bool, len(filter.Status))
	for _, s := range filter.Status {
		statuses[s] = true
	}

	var out []tracker.Task
	for rows.Next() {
		var (
			task                                 tracker.Task
			status                                string
			dependsOn, blocks, labels, note       string
		)
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &status, &task.ParentID, &dependsOn, &blocks, &task.Priority, &labels, &note); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		task.Status = tracker.Status(status)
		task.DependsOn = splitNonEmpty(dependsOn)
		task.Blocks = splitNonEmpty(blocks)
		task.Labels = splitNonEmpty(labels)
		if note != "" {
			task.Metadata = map[string]string{"completion_note": note}
		}

		if excluded[task.ID] {
			continue
		}
		if len(statuses) > 0 && !statuses[task.Status] {
			continue
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *Tracker) GetNextTask(ctx context.Context, filter tracker.Filter) (*tracker.Task, error) {
	candidates, err := t.GetTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool)
	all, err := t.GetTasks(ctx, tracker.Filter{})
	if err != nil {
		return nil, err
	}
	for _, task := range all {
		if task.Status == tracker.StatusCompleted {
			completed[task.ID] = true
		}
	}

	var best *tracker.Task
	for i := range candidates {
		c := candidates[i]
		satisfied := true
		for _, dep := range c.DependsOn {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if best == nil || c.Priority < best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			cc := c
			best = &cc
		}
	}
	return best, nil
}

func (t *Tracker) UpdateTaskStatus(ctx context.Context, id string, status tracker.Status) error {
	res, err := t.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tracker: unknown task %q", id)
	}
	return nil
}

func (t *Tracker) CompleteTask(ctx context.Context, id string, note string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE tasks SET status = ?, note = ? WHERE id = ?`, string(tracker.StatusCompleted), note, id)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}
	return nil
}

func (t *Tracker) IsComplete(ctx context.Context) (bool, error) {
	var incomplete int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status != ?`, string(tracker.StatusCompleted)).Scan(&incomplete)
	if err != nil {
		return false, fmt.Errorf("counting incomplete tasks: %w", err)
	}
	return incomplete == 0, nil
}

func (t *Tracker) GetTemplate(ctx context.Context) (string, error) { return "", nil }
func (t *Tracker) GetPrdContext(ctx context.Context) (any, error)  { return nil, nil }

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

var _ tracker.Tracker = (*Tracker)(nil)
