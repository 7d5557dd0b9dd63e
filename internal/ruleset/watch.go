package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the compiled decisions of a rules file current. It watches the
// file's directory so editors that replace the file atomically are observed.
// A document that fails to load or compile is logged and the previous decisions
// stay in effect.
type Watcher struct {
	path    string
	logger  *slog.Logger
	opts    []CompileOption
	watcher *fsnotify.Watcher
	current atomic.Pointer[[]*Compiled]
	changes chan struct{}
	close   sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger for reload outcomes.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithCompileOptions passes opts to every compilation.
func WithCompileOptions(opts ...CompileOption) WatcherOption {
	return func(w *Watcher) { w.opts = append(w.opts, opts...) }
}

// NewWatcher loads path and starts watching it. The initial load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:    filepath.Clean(path),
		logger:  slog.Default(),
		changes: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.reload(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Decisions returns the most recently loaded decisions. The slice must not be
// modified.
func (w *Watcher) Decisions() []*Compiled {
	if current := w.current.Load(); current != nil {
		return *current
	}
	return nil
}

// Changes signals after every successful reload. It closes when Run returns.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run processes file events until ctx is done or the watcher is closed. It
// must be called at most once.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("rules reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("rules reloaded", "path", w.path, "decisions", len(w.Decisions()))
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "path", w.path, "error", err)
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.close.Do(func() { err = w.watcher.Close() })
	return err
}

func (w *Watcher) reload() error {
	doc, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	compiled, err := CompileDocument(doc, w.opts...)
	if err != nil {
		return fmt.Errorf("compile %s: %w", w.path, err)
	}
	w.current.Store(&compiled)
	return nil
}
