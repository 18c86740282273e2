package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/keel-sh/keel/internal/manifest"
)

// Watcher keeps a Registry in sync with an agents directory:
// a created or modified manifest re-registers its agent, a deleted
// agent directory removes the entry.
type Watcher struct {
	registry  *Registry
	agentsDir string
	fs        *fsnotify.Watcher
}

// NewWatcher starts watching agentsDir and every agent subdirectory.
func NewWatcher(registry *Registry, agentsDir string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fs.Add(agentsDir); err != nil {
		_ = fs.Close()
		return nil, err
	}

	// Watch existing agent subdirectories for manifest edits.
	entries, err := os.ReadDir(agentsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fs.Add(filepath.Join(agentsDir, entry.Name()))
			}
		}
	}

	return &Watcher{registry: registry, agentsDir: agentsDir, fs: fs}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("agent watcher error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create) && w.isAgentDir(ev.Name):
		// New agent directory: watch it and try to register.
		_ = w.fs.Add(ev.Name)
		if err := w.registry.Register(ev.Name); err != nil {
			slog.Debug("new agent directory not yet registrable", "dir", ev.Name, "error", err)
		}

	case filepath.Base(ev.Name) == manifest.FileName && (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write)):
		dir := filepath.Dir(ev.Name)
		if err := w.registry.Register(dir); err != nil {
			slog.Warn("failed to re-register agent after manifest change", "dir", dir, "error", err)
		}

	case ev.Op.Has(fsnotify.Remove) && filepath.Dir(ev.Name) == w.agentsDir:
		// Agent directory removed: drop any agent registered from it.
		for _, info := range w.registry.List() {
			if info.BaseDir == ev.Name {
				w.registry.Remove(info.Manifest.Name)
				slog.Info("removed agent after directory deletion", "name", info.Manifest.Name)
			}
		}
	}
}

func (w *Watcher) isAgentDir(path string) bool {
	if filepath.Dir(path) != w.agentsDir {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
