// Package watch reports settled filesystem changes under the workflow and
// rule directories so watch mode can re-lint without hammering the linter
// on every editor keystroke.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Stats tracks watcher activity for debugging and the watch TUI.
type Stats struct {
	Created   int
	Modified  int
	Deleted   int
	Batches   int
	Errors    int
	LastEvent time.Time
	LastPath  string
}

// Watcher watches a set of directories and emits batches of changed paths
// once writes have settled past the debounce window.
type Watcher struct {
	mu      sync.RWMutex
	fs      *fsnotify.Watcher
	dirs    []string
	pending map[string]time.Time
	settle  time.Duration
	changes chan []string
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   Stats
	log     *zap.Logger
}

// New builds a Watcher over dirs. settle is how long a path must stay quiet
// before it is reported; zero means 400ms.
func New(dirs []string, settle time.Duration, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 400 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		fs:      fsw,
		dirs:    dirs,
		pending: make(map[string]time.Time),
		settle:  settle,
		changes: make(chan []string, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     logger,
	}, nil
}

// Changes returns the channel batched change sets are delivered on. The
// channel is closed when the watcher stops.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range w.dirs {
		if _, err := os.Stat(dir); err != nil {
			w.log.Warn("skipping missing watch dir", zap.String("dir", dir))
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			w.log.Warn("watch failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.log.Debug("watching", zap.String("dir", dir))
	}

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and closes the underlying watcher. Safe to call
// once; returns after the loop has exited.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fs.Close(); err != nil {
		w.log.Error("closing watcher", zap.Error(err))
	}
}

// Watching reports whether the event loop is running.
func (w *Watcher) Watching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.changes)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if Ignored(ev.Name) {
		return
	}

	var kind string
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = "create"
	case ev.Op&fsnotify.Write != 0:
		kind = "write"
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		kind = "remove"
	default:
		return
	}

	w.log.Debug("fs event", zap.String("op", kind), zap.String("path", ev.Name))

	w.mu.Lock()
	w.stats.LastEvent = time.Now()
	w.stats.LastPath = ev.Name
	switch kind {
	case "create":
		w.stats.Created++
	case "write":
		w.stats.Modified++
	case "remove":
		w.stats.Deleted++
	}
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

// flush emits paths whose last event settled past the debounce window. If
// the consumer is not keeping up the batch stays pending for the next tick.
func (w *Watcher) flush() {
	w.mu.Lock()
	now := time.Now()
	var batch []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			batch = append(batch, path)
		}
	}
	if batch == nil {
		w.mu.Unlock()
		return
	}
	sort.Strings(batch)

	select {
	case w.changes <- batch:
		for _, path := range batch {
			delete(w.pending, path)
		}
		w.stats.Batches++
	default:
	}
	w.mu.Unlock()
}

// Ignored reports whether a path is noise the watcher should never report:
// version control internals, the history database, and editor temp files.
func Ignored(path string) bool {
	clean := filepath.ToSlash(path)
	if clean == ".git" || strings.HasPrefix(clean, ".git/") ||
		strings.Contains(clean, "/.git/") || strings.HasSuffix(clean, "/.git") {
		return true
	}
	if strings.HasSuffix(clean, "/history.db") || strings.Contains(clean, "history.db-") {
		return true
	}
	base := filepath.Base(clean)
	switch {
	case strings.HasSuffix(base, "~"):
		return true
	case strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, ".swx"):
		return true
	case base == "4913": // vim write test file
		return true
	case strings.HasPrefix(base, ".#"): // emacs lock files
		return true
	}
	return false
}
