package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// GraphWatcherOptions configures a GraphWatcher.
type GraphWatcherOptions struct {
	// Path to the graph definition file to watch.
	Path string

	// Control receives the reloaded graph as a whole-document update.
	Control *ControlChannel

	// Debounce collapses bursts of filesystem events into one reload.
	// Editors commonly emit several writes per save. Defaults to 500ms.
	Debounce time.Duration

	Logger Logger

	// OnReload fires after each reload attempt with the parsed graph, or
	// with a nil graph and the error when loading failed.
	OnReload func(*GraphDefinition, error)
}

// GraphWatcher watches a graph definition file and re-pushes it over the
// control channel whenever it changes on disk. A broken file keeps the last
// good graph in place; the error is logged and reported, nothing is sent.
type GraphWatcher struct {
	opts    GraphWatcherOptions
	watcher *fsnotify.Watcher
	logger  Logger

	mu       sync.Mutex
	reloads  uint64
	failures uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewGraphWatcher creates a watcher for the given file. Call Start to begin
// watching.
func NewGraphWatcher(opts GraphWatcherOptions) (*GraphWatcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: graph watcher requires a path", ErrInvalidConfig)
	}
	if opts.Control == nil {
		return nil, fmt.Errorf("%w: graph watcher requires a control channel", ErrInvalidConfig)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("watch %s: %w", opts.Path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the parent directory: editors that save via write-then-rename
	// replace the inode, which ends a watch added on the file itself.
	if err := watcher.Add(filepath.Dir(opts.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.Path, err)
	}

	return &GraphWatcher{
		opts:    opts,
		watcher: watcher,
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *GraphWatcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("watching graph file", "path", w.opts.Path)
}

// Stop terminates the watch loop and waits for it to exit.
func (w *GraphWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	w.wg.Wait()
}

// Reloads returns how many reloads succeeded and how many failed.
func (w *GraphWatcher) Reloads() (ok, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}

func (w *GraphWatcher) watchLoop() {
	defer w.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.opts.Path) {
				continue
			}
			// Write and Create cover in-place writes as well as the
			// write-then-rename dance editors do.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("graph file changed", "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.opts.Debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("graph watcher error", "error", err)
		}
	}
}

func (w *GraphWatcher) reload() {
	graph, err := LoadGraphDefinition(w.opts.Path)
	if err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		w.logger.Error("failed to reload graph file", "error", err, "path", w.opts.Path)
		if w.opts.OnReload != nil {
			w.opts.OnReload(nil, err)
		}
		return
	}

	if err := w.opts.Control.UpdatePrompt(graph); err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		w.logger.Warn("failed to push reloaded graph", "error", err)
		if w.opts.OnReload != nil {
			w.opts.OnReload(graph, err)
		}
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("graph file reloaded", "path", w.opts.Path, "nodes", len(graph.Nodes))
	if w.opts.OnReload != nil {
		w.opts.OnReload(graph, nil)
	}
}
