package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses editor write bursts into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and calls onReload with each
// successfully parsed new version. Invalid intermediate states are logged
// and skipped; the previous config stays in force. A polling safety net
// covers filesystems where fsnotify misses events. Blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, pollInterval time.Duration, logger *slog.Logger, onReload func(Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval == 0 {
		pollInterval = time.Minute
	}

	lastSum := fileSum(path)
	reload := func() {
		sum := fileSum(path)
		if sum == lastSum {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload skipped", "path", path, "err", err)
			return
		}
		lastSum = sum
		logger.Info("config reloaded", "path", path)
		onReload(cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, polling only", "err", err)
		pollLoop(ctx, pollInterval, reload)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Warn("cannot watch config, polling only", "path", path, "err", err)
		pollLoop(ctx, pollInterval, reload)
		return
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				pollLoop(ctx, pollInterval, reload)
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often replace the file; re-add keeps the watch alive.
			_ = watcher.Add(path)
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				pollLoop(ctx, pollInterval, reload)
				return
			}
			logger.Warn("config watcher", "err", err)
		case <-fire:
			reload()
		case <-poll.C:
			reload()
		}
	}
}

func pollLoop(ctx context.Context, interval time.Duration, reload func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		}
	}
}

// fileSum hashes the file contents; an unreadable file hashes to empty so
// a later successful read registers as a change.
func fileSum(path string) [32]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(data)
}
