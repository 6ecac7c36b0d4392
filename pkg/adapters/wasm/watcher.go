package wasm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay debounces bursts of file events into one Sync.
const DefaultReloadDelay = 500 * time.Millisecond

// Watch syncs dir once and then re-syncs it whenever a manifest or module
// file changes, until ctx is done. onSync, if set, is called after every
// reload with its result.
func (r *Registry) Watch(ctx context.Context, dir string, delay time.Duration, onSync func(error)) error {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	if err := r.Sync(ctx, dir); err != nil {
		r.logger.WithError(err).Warn("Initial adapter sync incomplete")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go r.processEvents(ctx, watcher, dir, delay, onSync)

	r.logger.WithField("dir", dir).Info("Watching adapter directory")
	return nil
}

func (r *Registry) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string, delay time.Duration, onSync func(error)) {
	defer watcher.Close()

	// pending counts scheduled or running reloads so none outlives the loop.
	var (
		reloadTimer *time.Timer
		pending     sync.WaitGroup
	)
	defer func() {
		if reloadTimer != nil && reloadTimer.Stop() {
			pending.Done()
		}
		pending.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isManifestFile(event.Name) && !strings.HasSuffix(event.Name, ".wasm") {
				continue
			}

			r.logger.WithField("file", filepath.Base(event.Name)).
				WithField("op", event.Op.String()).
				Debug("Adapter file changed")

			if reloadTimer != nil && reloadTimer.Stop() {
				pending.Done()
			}
			pending.Add(1)
			reloadTimer = time.AfterFunc(delay, func() {
				defer pending.Done()
				if ctx.Err() != nil {
					return
				}
				err := r.Sync(ctx, dir)
				switch {
				case errors.Is(err, ErrRegistryClosed):
					r.logger.Debug("Adapter registry closed, reload skipped")
				case err != nil:
					r.logger.WithError(err).Error("Failed to reload adapters")
				}
				if onSync != nil {
					onSync(err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("Watcher error")
		}
	}
}
