// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes path's directory for writes and atomically swaps reg's
// contents via LoadFile whenever the file changes. It blocks until ctx is
// cancelled or the watcher fails to start; callers typically run it in its
// own goroutine. Swap is never required for correctness — the registry
// works perfectly well without a live reloader — this only makes config
// changes take effect without a restart.
func Watch(ctx context.Context, path, secret string, reg *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("providers: new watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("providers: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			providers, err := LoadFile(path, secret)
			if err != nil {
				logger.Warn("providers config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			reg.Swap(providers)
			logger.Info("providers config reloaded", "provider_count", len(providers))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("providers watcher error", "error", err)
		}
	}
}
