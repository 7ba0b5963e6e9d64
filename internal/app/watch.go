package app

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// WatchConfig calls onChange, debounced, whenever the file at path is
// written, created or replaced. The parent directory is watched so editors
// that swap files atomically are seen. It returns when ctx is done.
func WatchConfig(ctx context.Context, path string, logger util.Logger, onChange func()) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := watchBackoffBase
	nextBackoff := func() time.Duration {
		wait := backoff
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("config watch init failed", "error", err, "dir", dir)
			if !sleep(nextBackoff()) {
				return
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			logger.Warn("config watch add failed", "error", err, "dir", dir)
			if !sleep(nextBackoff()) {
				return
			}
			continue
		}
		backoff = watchBackoffBase
		logger.Debug("config watcher started", "dir", dir, "file", file)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Debug("config change detected", "path", path, "op", ev.Op.String())
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					logger.Warn("config watch overflow; forcing reload", "error", err)
					debounce()
					continue
				}
				logger.Warn("config watch error", "error", err)
			}
		}
		_ = w.Close()
		logger.Warn("config watcher stopped; restarting", "dir", dir)
		if !sleep(nextBackoff()) {
			return
		}
	}
}
