// Package watcher implements the PathWatcher of spec.md §4.6: recursive
// directory watching with built-in and spec-supplied ignore patterns and
// a trailing-edge debounce. It is grounded on the pack's fsnotify usage
// (the teacher itself does not watch files), specifically
// roelfdiedericks-goclaw/internal/skills.Watcher's Add-per-subdirectory
// plus time.AfterFunc debounce idiom, generalized to fully recursive
// registration and glob-style ignore matching.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce is the trailing-edge coalescing window (spec.md §4.6).
const Debounce = 500 * time.Millisecond

// BuiltinIgnores are always excluded regardless of spec-supplied patterns.
var BuiltinIgnores = []string{"node_modules", ".git", "logs", "*.log"}

// OnChange is invoked once per debounced burst.
type OnChange func(id string)

// Watcher recursively observes a root directory and coalesces bursts of
// change events into a single OnChange call per spec.md's trailing-edge
// rule.
type Watcher struct {
	id       string
	root     string
	ignores  []string
	fsw      *fsnotify.Watcher
	onChange OnChange
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// New starts watching root recursively for entry id, ignoring
// BuiltinIgnores, extraIgnores, and dataDir (the supervisor's own data
// directory, which must never trigger self-restart loops).
func New(id, root, dataDir string, extraIgnores []string, onChange OnChange) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ignores := append([]string{}, BuiltinIgnores...)
	ignores = append(ignores, extraIgnores...)
	if dataDir != "" {
		ignores = append(ignores, dataDir)
	}

	w := &Watcher{
		id:       id,
		root:     root,
		ignores:  ignores,
		fsw:      fsw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// ignored reports whether path matches any built-in or spec-supplied
// ignore pattern, by base-name glob or path containment.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.ignores {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if strings.Contains(path, pat) {
			return true
		}
	}
	return false
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	}
	w.trigger()
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(Debounce, func() {
		if w.onChange != nil {
			w.onChange(w.id)
		}
	})
}

// Stop releases the underlying fsnotify watcher and cancels any pending
// debounced fire.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	return w.fsw.Close()
}
