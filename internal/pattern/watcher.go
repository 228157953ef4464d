package pattern

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// ReloadEvent reports one external change to the pattern store file.
type ReloadEvent struct {
	Path string
	At   time.Time
	Err  error // non-nil when the reload failed (e.g. corrupt file)
}

// Watcher reloads the store when its backing file changes on disk.
//
// The parent directory is watched rather than the file itself: the store's
// atomic write-then-rename replaces the inode, which would silently detach
// a direct file watch.
type Watcher struct {
	store   *Store
	logger  *logging.Logger
	watcher *fsnotify.Watcher
	events  chan ReloadEvent
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given store.
func NewWatcher(store *Store, logger *logging.Logger) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		store:   store,
		logger:  logger,
		watcher: fsWatcher,
		events:  make(chan ReloadEvent, 10),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching the store's directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info(ctx, "pattern store watcher started",
		zap.String("dir", dir),
		zap.String("file", filepath.Base(w.store.Path())))

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	select {
	case <-w.stop:
		// already stopped
	default:
		close(w.stop)
	}
	return w.watcher.Close()
}

// Events returns the channel of reload events.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) processEvents(ctx context.Context) {
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.handleChange(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(ctx, "pattern store watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleChange(ctx context.Context) {
	err := w.store.Reload()
	if err != nil {
		w.logger.Warn(ctx, "pattern store reload failed, keeping current collection",
			zap.String("path", w.store.Path()), zap.Error(err))
	} else {
		w.logger.Info(ctx, "pattern store reloaded",
			zap.String("path", w.store.Path()),
			zap.Int("patterns", w.store.Len()))
	}

	ev := ReloadEvent{Path: w.store.Path(), At: time.Now().UTC(), Err: err}
	select {
	case w.events <- ev:
	default:
		// channel full, drop event
	}
}
