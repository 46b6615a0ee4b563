package policy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store publishes the current policy snapshot. Swap-in uses an atomic pointer
// so readers either see the old epoch or the new one in full; an utterance
// keeps working with whichever snapshot it acquired at stage entry.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore creates a store publishing the given initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.cur.Store(initial)
	return s
}

// Current returns the snapshot in force. The result is immutable.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Publish atomically replaces the snapshot in force.
func (s *Store) Publish(snap *Snapshot) {
	s.cur.Store(snap)
}

// Reload loads the policy file and publishes it on success. On failure the
// previous snapshot stays in force and the error is returned.
func (s *Store) Reload(path string) (*Snapshot, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.Publish(snap)
	return snap, nil
}

// Watch re-publishes the policy whenever the file changes on disk. Reload
// errors are logged and the previous snapshot stays in force. Returns when
// ctx is done.
func Watch(ctx context.Context, path string, store *Store, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	// Editors replace rather than rewrite files, so bursts of events arrive
	// per save; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.ErrorContext(ctx, "policy watcher error", "error", err)
		case <-pending:
			pending = nil
			snap, err := store.Reload(path)
			if err != nil {
				logger.ErrorContext(ctx, "policy reload failed, keeping previous snapshot",
					"path", path,
					"error", err,
				)
				// The file may have been replaced; re-arm the watch.
				_ = watcher.Add(path)
				continue
			}
			_ = watcher.Add(path)
			logger.InfoContext(ctx, "policy reloaded", "version", snap.Version)
		}
	}
}
