// Package watch triggers a callback when evaluation inputs change on
// disk. It powers the watch command's edit-rerun loop by coalescing
// bursts of file events into a single notification.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period applied when Config.Debounce is
// unset. Editors often save through a temp-file rename that produces
// several events per write.
const DefaultDebounce = 250 * time.Millisecond

// Config controls which paths a Watcher covers and how rapid edits are
// coalesced.
type Config struct {
	// Paths lists files or directories to watch. Directories are
	// watched recursively.
	Paths []string

	// Debounce is how long events must settle before OnChange fires.
	Debounce time.Duration

	// Extensions restricts notifications to files with a matching
	// extension, such as ".yaml" or ".jsonl". Empty means any file.
	Extensions []string
}

// Watcher reports debounced file changes under a set of paths.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	// files holds individually watched files, dirs the roots of watched
	// trees. Events elsewhere in a shared parent directory are ignored.
	files map[string]bool
	dirs  []string

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a Watcher over cfg.Paths. Every path must exist.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{cfg: cfg, logger: logger, fsw: fsw, files: make(map[string]bool)}
	for _, path := range cfg.Paths {
		if err := w.add(path); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Watch blocks until ctx is cancelled, invoking onChange with the
// triggering path once each burst of edits settles. onChange runs on a
// timer goroutine, so a long callback does not stall event intake.
func (w *Watcher) Watch(ctx context.Context, onChange func(path string)) error {
	defer w.fsw.Close()

	w.logger.Info("watching for changes",
		"paths", strings.Join(w.cfg.Paths, ", "),
		"debounce", w.cfg.Debounce)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch event channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("file changed", "path", event.Name, "op", event.Op.String())
			w.schedule(event.Name, onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch error channel closed")
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

// Close releases the underlying watcher. Watch closes it on return, so
// Close matters only when Watch was never started.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// add registers a file, or a directory tree, with the fsnotify watcher.
// Single files are covered through their parent directory so they stay
// watched when an editor replaces them with a rename on save.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	if !info.IsDir() {
		if err := w.fsw.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		w.files[filepath.Clean(path)] = true
		return nil
	}
	w.dirs = append(w.dirs, filepath.Clean(path))
	return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return nil
		}
		if p != path && strings.HasPrefix(filepath.Base(p), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watching directory %s: %w", p, err)
		}
		return nil
	})
}

// relevant filters out chmod-only events, paths we were not asked to
// cover, hidden files, and extensions outside the configured set.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.files[name] {
		return true
	}
	if !w.underWatchedDir(name) {
		return false
	}
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range w.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (w *Watcher) underWatchedDir(name string) bool {
	for _, dir := range w.dirs {
		if strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// schedule arms the debounce timer, replacing any pending trigger so a
// burst of writes produces one callback.
func (w *Watcher) schedule(path string, onChange func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		onChange(path)
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
