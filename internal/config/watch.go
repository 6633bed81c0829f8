package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies what changed on disk.
type ChangeKind string

const (
	ChangeConfigFile ChangeKind = "config_file"
	ChangePromptDir  ChangeKind = "prompt_dir"
)

// Watcher watches the config file and, if set, the prompt template
// directory for changes, debouncing rapid-fire filesystem events the way
// fsnotify's write-then-chmod-then-rename sequences often produce.
// Grounded on kadirpekel-hector's rag/watcher.go FileWatcher, narrowed from
// a general document-store watcher to two fixed paths and simplified to a
// single debounce timer since ralph only ever watches at most two things.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string

	mu            sync.Mutex
	pending       map[ChangeKind]struct{}
	debounceDelay time.Duration

	events chan ChangeKind
}

// NewWatcher constructs a Watcher for configPath and, if non-empty,
// promptDir. debounceDelay defaults to 200ms if zero.
func NewWatcher(configPath, promptDir string, debounceDelay time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	w := &Watcher{
		watcher:       fw,
		pending:       make(map[ChangeKind]struct{}),
		debounceDelay: debounceDelay,
		events:        make(chan ChangeKind, 8),
	}

	if configPath != "" {
		w.configPath = filepath.Clean(configPath)
		if err := fw.Add(configPath); err != nil {
			fw.Close()
			return nil, err
		}
	}
	if promptDir != "" {
		if err := fw.Add(promptDir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Start begins watching and returns a channel delivering a debounced
// ChangeKind each time the corresponding path settles after activity.
// The channel closes when ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) <-chan ChangeKind {
	go w.loop(ctx)
	return w.events
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.events)
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(w.debounceDelay)
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			kind := ChangePromptDir
			if w.configPath != "" && filepath.Clean(ev.Name) == w.configPath {
				kind = ChangeConfigFile
			}
			w.mu.Lock()
			w.pending[kind] = struct{}{}
			w.mu.Unlock()
			resetTimer()

		case <-timerC:
			w.mu.Lock()
			kinds := make([]ChangeKind, 0, len(w.pending))
			for k := range w.pending {
				kinds = append(kinds, k)
			}
			w.pending = make(map[ChangeKind]struct{})
			w.mu.Unlock()
			for _, k := range kinds {
				select {
				case w.events <- k:
				default:
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
