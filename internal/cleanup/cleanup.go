// Package cleanup frees staging space taken by recordings that already reached the
// photo library.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/staging"
	"github.com/italolelis/smartcam_backup/internal/storage"
	"github.com/juju/clock"
)

// Sweeper deletes uploaded staging files once they are older than the retention.
// Ledger entries stay, so the downloader never fetches a swept file again.
type Sweeper struct {
	ledger  *ledger.Ledger
	staging *staging.Dir
	history storage.TransferReadRepository
	keep    time.Duration
	clock   clock.Clock
}

func NewSweeper(l *ledger.Ledger, dir *staging.Dir, history storage.TransferReadRepository, keep time.Duration, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.WallClock
	}

	return &Sweeper{ledger: l, staging: dir, history: history, keep: keep, clock: clk}
}

// Cycle deletes expired files. Only files in the uploaded set are considered.
// A file that cannot be inspected or deleted is skipped and only counted in the
// returned error, which is never fatal.
func (s *Sweeper) Cycle(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	now := s.clock.Now()
	deleted, failed := 0, 0

	for _, name := range s.ledger.Snapshot().Uploaded {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := s.staging.Stat(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat file", "file", name, "err", err)

			failed++

			continue
		}

		uploadedAt := s.uploadedAt(ctx, name, info)

		if now.Sub(uploadedAt) <= s.keep {
			continue
		}

		if err := s.staging.Remove(name); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired file", "file", name, "err", err)

			failed++

			continue
		}

		deleted++

		logger.InfoContext(ctx, "deleted expired file", "file", name, "uploaded_at", uploadedAt)
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "staging cleanup finished", "deleted", deleted)
	}

	if failed > 0 {
		return fmt.Errorf("staging cleanup skipped %d files", failed)
	}

	return nil
}

// uploadedAt falls back to the file mod time when the history has no upload row,
// e.g. files uploaded before the history store existed.
func (s *Sweeper) uploadedAt(ctx context.Context, name string, info staging.FileInfo) time.Time {
	if s.history == nil {
		return info.ModTime
	}

	rec, err := s.history.LatestTransfer(ctx, name, storage.DirectionUpload)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to read upload history, using file mod time", "file", name, "err", err)
		}

		return info.ModTime
	}

	return rec.CompletedAt
}
