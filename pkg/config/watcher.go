package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher reloads the configuration file and its policy files when they
// change and publishes each valid result. Invalid edits are logged and the
// previous snapshot stays current.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	fs       *fsnotify.Watcher

	mu          sync.RWMutex
	current     Snapshot
	watched     map[string]struct{}
	subscribers []chan Snapshot
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		debounce: defaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w.fs = fsw

	w.publish(cfg)
	if err := w.watchFiles(cfg); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving every new snapshot. A slow consumer
// only ever sees the latest one.
func (w *Watcher) Subscribe() <-chan Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Snapshot, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.isWatched(filepath.Clean(event.Name)) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reload loads the file now. Failures keep the current snapshot.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	snap := w.publish(cfg)
	if err := w.watchFiles(cfg); err != nil {
		w.logger.Warn("config watch update failed", "error", err)
	}
	w.logger.Info("configuration reloaded", "path", w.path, "generation", snap.Generation)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) publish(cfg *Config) Snapshot {
	w.mu.Lock()
	snap := Snapshot{
		Generation: w.current.Generation + 1,
		LoadedAt:   time.Now(),
		Config:     cfg,
	}
	w.current = snap
	subscribers := make([]chan Snapshot, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// watchFiles watches the directories of the config and policy files. Editors
// often replace files, so directories are watched rather than files.
func (w *Watcher) watchFiles(cfg *Config) error {
	files := append([]string{w.path}, cfg.ResolvedPolicyPaths()...)

	watched := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{}, len(files))
	for _, f := range files {
		watched[filepath.Clean(f)] = struct{}{}
		dirs[filepath.Dir(f)] = struct{}{}
	}

	for dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	w.mu.Lock()
	w.watched = watched
	w.mu.Unlock()
	return nil
}

func (w *Watcher) isWatched(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watched[path]
	return ok
}
