package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow agrupa la ráfaga de eventos que produce un editor al
// guardar (write + chmod, o rename del archivo temporal).
const debounceWindow = 250 * time.Millisecond

// Watch vigila el archivo de configuración y llama a onReload con la config
// recargada cada vez que cambia en disco. Una recarga que no parsea o no
// valida se loguea y se descarta: la config en uso no cambia.
//
// Bloquea hasta que el contexto se cancela. Se vigila el directorio, no el
// archivo: los editores suelen reemplazar el archivo con un rename y el
// watch directo se perdería.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config.Watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config.Watch: watch %q: %w", dir, err)
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config: reload rejected, keeping previous config", "err", err, "path", path)
				continue
			}
			slog.Info("config: reloaded", "path", path, "presets", len(cfg.Risk.Presets))
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}
