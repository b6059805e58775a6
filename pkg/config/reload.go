package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Holder hot-reloads the retention subset of Config from its backing .env
// file. It never touches ring-buffer, session, or gateway settings a live
// actor already sized itself around — only the retention subset (the
// cleanup scheduler's sweep thresholds plus its interval) is re-read
// (spec.md §9 Design Notes: config values are otherwise fixed for the
// process lifetime).
type Holder struct {
	envPath  string
	current  atomic.Pointer[RetentionConfig]
	onChange func(RetentionConfig)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// OnChange registers a callback invoked after every successful Reload with
// the newly-applied retention config. Typically wired to
// (*cleanup.Scheduler).UpdateConfig.
func (h *Holder) OnChange(fn func(RetentionConfig)) {
	h.onChange = fn
}

// NewHolder wraps an already-loaded RetentionConfig for hot reload. envPath
// may be empty, in which case StartWatcher is a no-op (env-only deployments
// never reload).
func NewHolder(envPath string, initial *RetentionConfig, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{envPath: envPath, logger: logger}
	h.current.Store(initial)
	return h
}

// Current returns the retention config currently in effect.
func (h *Holder) Current() RetentionConfig {
	return *h.current.Load()
}

// Reload re-reads the .env file and the process environment, applying any
// retention overrides on top of the compiled-in defaults, and atomically
// swaps them in. A parse error leaves the previous config in effect.
func (h *Holder) Reload() error {
	if h.envPath != "" {
		if err := godotenv.Overload(h.envPath); err != nil {
			h.logger.Warn("config: reload could not read env file, keeping process environment", "path", h.envPath, "error", err)
		}
	}

	next := DefaultRetentionConfig()
	if err := applyRetentionEnv(next); err != nil {
		h.logger.Error("config: retention reload rejected, keeping previous values", "error", err)
		return err
	}

	prev := h.current.Swap(next)
	if *prev != *next {
		h.logger.Info("config: retention reloaded",
			"cleanupInterval", next.CleanupInterval, "staleLeaseTimeout", next.StaleLeaseTimeout,
			"idleTimeout", next.IdleTimeout, "maxSessionAge", next.MaxSessionAge,
			"eventRetentionTail", next.EventRetentionTail)
		if h.onChange != nil {
			h.onChange(*next)
		}
	}
	return nil
}

// StartWatcher watches envPath's directory for writes/creates/renames
// (covering editors' atomic-replace saves) and debounces them into a single
// Reload, the same directory-watch-plus-debounce shape as the teacher
// pack's fsnotify-based config watcher. No-op if envPath is empty.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.envPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(h.envPath)
	file := filepath.Base(h.envPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	h.watcher = watcher

	go h.watchLoop(ctx, file)
	h.logger.Info("config: watching for changes", "path", h.envPath)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, file string) {
	const debounceDuration = 500 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := h.Reload(); err != nil {
					h.logger.Error("config: automatic reload failed", "error", err)
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error("config: watcher error", "error", err)
		}
	}
}

// Stop closes the watcher, if running. Safe to call even if StartWatcher
// was never called or returned early.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
