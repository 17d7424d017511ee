package conflict

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// Overlap is a file written by more than one task.
type Overlap struct {
	Path         string    // relative to each task's work dir
	TaskIDs      []string  // sorted
	LastModified time.Time // most recent write seen
}

// Watcher records the files each task writes in its work dir while it runs.
// The worker's own report of modified files is supplemented with what the
// Watcher saw, and Overlaps gives early warning of files that will need
// conflict resolution.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	now      func() time.Time
	debounce time.Duration
	ignore   []string

	mu        sync.RWMutex
	dirs      map[string]string               // task id -> work dir
	modified  map[string]map[string]time.Time // relative path -> task id -> last write
	onOverlap func([]Overlap)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long writes to one path are coalesced.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithIgnore adds path components whose subtrees are never recorded.
func WithIgnore(names ...string) WatcherOption {
	return func(w *Watcher) { w.ignore = append(w.ignore, names...) }
}

// NewWatcher creates a Watcher. Call Start to begin processing events.
func NewWatcher(opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fw,
		logger:   logging.NopLogger(),
		now:      time.Now,
		debounce: 50 * time.Millisecond,
		ignore:   []string{".git", ".buildpilot", "node_modules", ".DS_Store"},
		dirs:     make(map[string]string),
		modified: make(map[string]map[string]time.Time),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// SetOverlapCallback sets a function called whenever the overlap set is
// recomputed and non-empty. It runs on the watcher goroutine.
func (w *Watcher) SetOverlapCallback(cb func([]Overlap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOverlap = cb
}

// AddTask starts watching dir on behalf of taskID.
func (w *Watcher) AddTask(taskID, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve work dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("work dir does not exist: %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("work dir is not a directory: %s", abs)
	}

	w.mu.Lock()
	w.dirs[taskID] = abs
	w.mu.Unlock()
	return w.watchTree(abs)
}

// watchTree adds root and its subdirectories; fsnotify is not recursive.
func (w *Watcher) watchTree(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		if slices.Contains(w.ignore, d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// RemoveTask stops attributing writes to taskID and forgets its writes.
func (w *Watcher) RemoveTask(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, ok := w.dirs[taskID]
	if !ok {
		return
	}
	delete(w.dirs, taskID)
	shared := false
	for _, other := range w.dirs {
		if other == dir {
			shared = true
		}
	}
	if !shared {
		_ = w.watcher.Remove(dir)
	}

	for rel, tasks := range w.modified {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(w.modified, rel)
		}
	}
}

// Start begins processing events.
func (w *Watcher) Start() {
	w.startOnce.Do(func() { go w.loop() })
}

// Stop ends event processing and releases the watcher. It is safe to call
// more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		started := true
		w.startOnce.Do(func() { started = false })
		if started {
			<-w.done
		}
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watchTree(ev.Name)
					continue
				}
			}
			pending[ev.Name] = ev
			timer.Reset(w.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]fsnotify.Event)
			for name := range batch {
				w.record(name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) ignored(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if slices.Contains(w.ignore, part) {
			return true
		}
	}
	return false
}

// record attributes a write to every task whose work dir contains path.
func (w *Watcher) record(path string) {
	w.mu.Lock()
	now := w.now()
	for taskID, dir := range w.dirs {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") || w.ignored(rel) {
			continue
		}
		rel = filepath.ToSlash(rel)
		if w.modified[rel] == nil {
			w.modified[rel] = make(map[string]time.Time)
		}
		w.modified[rel][taskID] = now
	}
	overlaps := w.overlapsLocked()
	cb := w.onOverlap
	w.mu.Unlock()

	if cb != nil && len(overlaps) > 0 {
		cb(overlaps)
	}
}

func (w *Watcher) overlapsLocked() []Overlap {
	var out []Overlap
	for rel, tasks := range w.modified {
		if len(tasks) < 2 {
			continue
		}
		o := Overlap{Path: rel}
		for id, at := range tasks {
			o.TaskIDs = append(o.TaskIDs, id)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		slices.Sort(o.TaskIDs)
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b Overlap) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Overlaps returns the files written by more than one task, sorted by path.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.overlapsLocked()
}

// FilesModifiedBy returns the slash-separated paths taskID wrote, sorted.
func (w *Watcher) FilesModifiedBy(taskID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var files []string
	for rel, tasks := range w.modified {
		if _, ok := tasks[taskID]; ok {
			files = append(files, rel)
		}
	}
	slices.Sort(files)
	return files
}

// Forget drops writes older than maxAge.
func (w *Watcher) Forget(maxAge time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-maxAge)
	for rel, tasks := range w.modified {
		for id, at := range tasks {
			if at.Before(cutoff) {
				delete(tasks, id)
			}
		}
		if len(tasks) == 0 {
			delete(w.modified, rel)
		}
	}
}

// MergeFiles returns the union of reported and observed, sorted and
// deduplicated.
func MergeFiles(reported, observed []string) []string {
	out := make([]string, 0, len(reported)+len(observed))
	for _, f := range reported {
		out = append(out, filepath.ToSlash(filepath.Clean(f)))
	}
	out = append(out, observed...)
	slices.Sort(out)
	return slices.Compact(out)
}
