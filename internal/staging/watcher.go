package staging

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/italolelis/smartcam_backup/internal/logctx"
)

// Watcher signals when a file with the watched extension lands in the staging
// directory. Signals are coalesced: a burst of arrivals yields at least one wake-up.
type Watcher struct {
	fsw  *fsnotify.Watcher
	ext  string
	wake chan struct{}
}

// Watch starts watching d for files carrying ext.
func (d *Dir) Watch(ext string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fsw.Add(d.path); err != nil {
		_ = fsw.Close()

		return nil, fmt.Errorf("failed to watch %s: %w", d.path, err)
	}

	return &Watcher{fsw: fsw, ext: ext, wake: make(chan struct{}, 1)}, nil
}

// C delivers one value per coalesced batch of arrivals.
func (w *Watcher) C() <-chan struct{} {
	return w.wake
}

// Run forwards filesystem events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}

			if filepath.Ext(ev.Name) != w.ext {
				continue
			}

			logger.DebugContext(ctx, "staged file detected", "file", filepath.Base(ev.Name), "op", ev.Op.String())

			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			logger.WarnContext(ctx, "staging watcher error", "err", err)
		}
	}
}
