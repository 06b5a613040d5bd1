package plugins

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fs events an install or upgrade
// produces into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads plugins whose manifest changes on disk. It blocks until the
// context is cancelled.
func (h *Host) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	h.mu.Lock()
	for _, lp := range h.loaded {
		if err := watcher.Add(lp.plugin.InstallPath); err != nil {
			slog.Warn("plugins.watch_failed", "path", lp.plugin.InstallPath, "error", err)
		}
	}
	h.mu.Unlock()

	pending := make(map[string]time.Time) // install path → deadline
	ticker := time.NewTicker(reloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != ManifestFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[filepath.Dir(event.Name)] = time.Now().Add(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("plugins.watch_error", "error", err)

		case now := <-ticker.C:
			for installPath, deadline := range pending {
				if now.Before(deadline) {
					continue
				}
				delete(pending, installPath)
				h.reloadByPath(ctx, installPath)
			}
		}
	}
}

func (h *Host) reloadByPath(ctx context.Context, installPath string) {
	h.mu.Lock()
	var found *loadedPlugin
	for _, lp := range h.loaded {
		if lp.plugin.InstallPath == installPath {
			found = lp
			break
		}
	}
	h.mu.Unlock()
	if found == nil {
		return
	}

	slog.Info("plugins.manifest_changed", "installed", found.plugin.InstalledPluginID, "path", installPath)
	if err := h.Reload(ctx, found.plugin); err != nil {
		slog.Warn("plugins.auto_reload_failed", "installed", found.plugin.InstalledPluginID, "error", err)
	}
}
