package server

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig reloads the configuration from src whenever its file changes
// and passes the result to apply. The environment and the startup flags are
// re-applied on top, so the effective layering matches startup. Invalid files
// are logged and skipped. It blocks until ctx is done.
func WatchConfig(ctx context.Context, src Source, apply func(Config), log zerolog.Logger) error {
	dir := filepath.Dir(src.Path)
	target := filepath.Join(dir, filepath.Base(src.Path))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file via rename.
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := src.Reload()
		if err != nil {
			log.Warn().Err(err).Str("path", src.Path).Msg("config reload failed; keeping current settings")
			return
		}
		log.Info().Str("path", src.Path).Msg("config reloaded")
		apply(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
