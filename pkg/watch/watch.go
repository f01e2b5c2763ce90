// Package watch reports persisted edits to local files. It watches the parent directories of the files so that
// editors which save by renaming a temporary file over the original are still noticed.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports writes to, and creations of, the files its paths function returns.
type Watcher struct {
	paths    func() []string
	onChange func(path string)
	log      *slog.Logger
	fs       *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool
}

func New(paths func() []string, onChange func(path string), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		paths:    paths,
		onChange: onChange,
		log:      log.With("component", "watch"),
		fs:       fw,
		dirs:     make(map[string]bool),
	}
	if err := w.Refresh(); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Refresh brings the watched directories in line with the current set of paths.
func (w *Watcher) Refresh() error {
	wanted := make(map[string]bool)
	for _, p := range w.paths() {
		wanted[filepath.Dir(filepath.Clean(p))] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range wanted {
		if w.dirs[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
		w.log.Debug("watching directory", "dir", dir)
	}
	for dir := range w.dirs {
		if wanted[dir] {
			continue
		}
		if err := w.fs.Remove(dir); err != nil {
			w.log.Warn("failed to stop watching directory", "dir", dir, "err", err)
		}
		delete(w.dirs, dir)
	}
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	name := filepath.Clean(ev.Name)
	for _, p := range w.paths() {
		if filepath.Clean(p) == name {
			w.onChange(p)
			return
		}
	}
}

// Run delivers events until ctx is cancelled, refreshing the watched directories every refresh interval so that
// documents opened later are picked up.
func (w *Watcher) Run(ctx context.Context, refresh time.Duration) {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	t := time.NewTicker(refresh)
	defer t.Stop()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", "err", err)
		case <-t.C:
			if err := w.Refresh(); err != nil {
				w.log.Warn("failed to refresh watched directories", "err", err)
			}
		case <-ctx.Done():
			w.log.Info("stopping file watcher")
			return
		}
	}
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}
