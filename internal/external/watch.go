package external

import (
	"context"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches an external runner's session directory for new or
// updated rollout files and invokes onChange with the affected path.
// Grounded on wingedpig-trellis's internal/watcher.BinaryWatcher: one
// fsnotify.Watcher, a goroutine draining its Events/Errors channels until
// the context is cancelled.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)
}

// NewWatcher creates a Watcher rooted at dir. Callers typically point it at
// a ClaudeCodeDiscoverer's projects directory so /sessions/{id}/sync can
// pick up rollout writes made while the control plane is already running.
func NewWatcher(dir string, onChange func(path string)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(fsWatcher, dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return &Watcher{watcher: fsWatcher, onChange: onChange}, nil
}

func addRecursive(w *fsnotify.Watcher, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = addRecursive(w, dir+"/"+e.Name())
		}
	}
	return nil
}

// Run drains watcher events until ctx is cancelled. Only writes and creates
// matter; chmod-only events are ignored as in the teacher's watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.onChange(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("external: watch error", "error", err)
		}
	}
}
