package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchDescriptor monitors the deployment descriptor and pushes updated
// timing knobs into the policy store whenever the file changes. The
// base policy fills any knob the descriptor leaves unset. It blocks
// until the context is cancelled. Intended to run in a background
// goroutine alongside the HTTP server.
func WatchDescriptor(ctx context.Context, logger *slog.Logger, path string, base Policy, store *PolicyStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directory rather than the file itself, so that
	// editors and config management tools that replace the file
	// atomically (rename over the old inode) are still observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("adding descriptor directory to watcher: %w", err)
	}

	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			reloadDescriptor(logger, target, base, store)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("Descriptor watcher error", "error", err)
		}
	}
}

// reloadDescriptor re-reads the descriptor and swaps the policy store.
// A broken or half-written file leaves the previous policy in place.
func reloadDescriptor(logger *slog.Logger, path string, base Policy, store *PolicyStore) {
	desc, err := LoadDescriptor(path)
	if err != nil {
		logger.Warn("Ignoring unreadable descriptor update", "path", path, "error", err)
		return
	}

	updated := base
	applyPolicyTo(&updated, desc.Policy)
	store.Set(updated)

	logger.Info("Reloaded gate policy from descriptor",
		"path", path,
		"settleDelay", updated.SettleDelay,
		"recoveryAttempts", updated.RecoveryAttempts,
		"establishTimeout", updated.EstablishTimeout,
	)
}
