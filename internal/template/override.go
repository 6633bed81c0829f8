package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ralph-run/ralph/internal/tracker"
)

// overrideFileName is the file ralph looks for inside --prompt-dir,
// mirroring baiirun-aetherflow's per-role worker.md/planner.md convention
// narrowed to ralph's single iteration template.
const overrideFileName = "iteration.md"

// Override holds a filesystem-provided prompt template that takes
// precedence over both the built-in default and any tracker-supplied
// template (spec.md §6's trackerTemplate), generalizing baiirun-aetherflow's
// "read PromptDir once at respawn" into a value a config.Watcher can
// refresh in place while the engine keeps running.
type Override struct {
	dir string

	mu   sync.RWMutex
	body string
}

// NewOverride loads overrideFileName from dir once and returns an Override.
// A missing file is not an error: Reload (and the initial load) just leave
// body empty, so Wrap falls back to trackerTemplate/default.
func NewOverride(dir string) (*Override, error) {
	o := &Override{dir: dir}
	if err := o.Reload(); err != nil {
		return nil, err
	}
	return o, nil
}

// Reload re-reads overrideFileName from disk, replacing the active body.
func (o *Override) Reload() error {
	path := filepath.Join(o.dir, overrideFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			o.mu.Lock()
			o.body = ""
			o.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading prompt override %s: %w", path, err)
	}
	o.mu.Lock()
	o.body = string(data)
	o.mu.Unlock()
	return nil
}

// Wrap returns a Renderer that substitutes the loaded override body for
// trackerTemplate whenever one is loaded (relabeling the result's Source
// as "override"), deferring to next with trackerTemplate untouched
// otherwise.
func (o *Override) Wrap(next Renderer) Renderer {
	return func(task tracker.Task, epic string, extended *ExtendedContext, trackerTemplate string) Result {
		o.mu.RLock()
		body := o.body
		o.mu.RUnlock()
		if body == "" {
			return next(task, epic, extended, trackerTemplate)
		}
		res := next(task, epic, extended, body)
		if res.Success {
			res.Source = "override"
		}
		return res
	}
}
