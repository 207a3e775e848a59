package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the state directory and invokes per-file callbacks
// when a state file is rewritten outside this process (a human editing
// tasks.json by hand, or a second controller instance). Rename events
// matter here because every atomic save lands as a rename.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	done      chan struct{}

	mu        sync.Mutex
	callbacks map[string][]func()
	pending   map[string]time.Time
}

// NewWatcher creates a watcher for the given state directory.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		dir:       dir,
		debounce:  500 * time.Millisecond,
		done:      make(chan struct{}),
		callbacks: make(map[string][]func()),
		pending:   make(map[string]time.Time),
	}, nil
}

// OnChange registers a callback for one state file (base name, e.g.
// "tasks.json"). Multiple callbacks per file are allowed.
func (w *Watcher) OnChange(file string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks[file] = append(w.callbacks[file], fn)
}

// Start begins watching. Callbacks fire from the watcher goroutine
// after a short debounce, so they must be quick or hand off.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", w.dir, err)
	}

	go w.loop()
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			w.mu.Lock()
			w.pending[filepath.Base(event.Name)] = time.Now()
			w.mu.Unlock()

		case <-ticker.C:
			w.flushPending()

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching; a transient error on one event is not
			// worth tearing the watcher down for.

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	var fire []func()
	now := time.Now()
	for file, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		delete(w.pending, file)
		fire = append(fire, w.callbacks[file]...)
	}
	w.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// isRelevantEvent keeps writes, creates, and renames on .json files,
// skipping the .tmp siblings the atomic writer produces.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".tmp") {
		return false
	}
	return strings.HasSuffix(base, ".json")
}
