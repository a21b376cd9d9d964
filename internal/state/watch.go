package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codepilot-loop/internal/logging"
)

// skipDir reports whether a directory should never be watched or descended
// into: VCS internals and the tool's own state directory.
func skipDir(name string) bool {
	return name == ".git" || name == wellKnownDir
}

// TreeWatcher watches a repo working tree for edits made outside the
// iteration loop (a human editing files between iterations) and, after a
// debounce window, signals on Changes() so the caller can rerun the
// verification command. It never inspects file contents — only paths and
// event types.
type TreeWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	root        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	changes     chan struct{}
	running     bool

	stats WatchStats
}

// WatchStats tracks watcher activity for diagnostics.
type WatchStats struct {
	EventsSeen    int
	ChangesSignaled int
	Errors        int
	LastEventPath string
}

// NewTreeWatcher creates a watcher rooted at root. It does not start
// watching until Start is called.
func NewTreeWatcher(root string) (*TreeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &TreeWatcher{
		watcher:     watcher,
		root:        root,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		changes:     make(chan struct{}, 1),
	}, nil
}

// Changes returns a channel that receives a value once per settled batch of
// edits. It is buffered by one and never blocks the watcher's event loop:
// a pending, unconsumed signal coalesces further batches instead of queuing.
func (w *TreeWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Stats returns a snapshot of watcher activity.
func (w *TreeWatcher) Stats() WatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Start walks root adding a watch on every directory (skipping .git and
// .cpl), then begins the event loop in a goroutine. Non-blocking.
func (w *TreeWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skipDir(info.Name()) && path != w.root {
				return filepath.SkipDir
			}
			if addErr := w.watcher.Add(path); addErr != nil {
				logging.Get(logging.CategoryState).Warn("watch: failed to add %s: %v", path, addErr)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *TreeWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryState).Warn("watch: error closing watcher: %v", err)
	}
}

func (w *TreeWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryState).Warn("watch: event error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *TreeWatcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDir(part) {
			return
		}
	}

	// A newly created directory needs its own watch added so edits inside
	// it are observed too.
	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := w.watcher.Add(event.Name); addErr != nil {
				logging.Get(logging.CategoryState).Warn("watch: failed to add new dir %s: %v", event.Name, addErr)
			}
		}
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0:
		return
	}

	w.mu.Lock()
	w.stats.EventsSeen++
	w.stats.LastEventPath = rel
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *TreeWatcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, seen := range w.debounceMap {
		if now.Sub(seen) >= w.debounceDur {
			settled = true
			delete(w.debounceMap, path)
		}
	}
	if settled {
		w.stats.ChangesSignaled++
	}
	w.mu.Unlock()

	if !settled {
		return
	}

	select {
	case w.changes <- struct{}{}:
	default:
		// a signal is already pending; the next consumer will see one
		// settle and pick up whatever has accumulated since.
	}
}
