package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/smartcam_backup/internal/downloader/progress"
	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/staging"
	"github.com/italolelis/smartcam_backup/internal/storage"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/juju/clock"
)

const progressInterval = 16 * 1024 * 1024 // 16MB

// FileDownloadError describes a recording that could not be staged this cycle.
type FileDownloadError struct {
	FileName  string
	Recording *transfer.Recording
	Err       error
}

type Config struct {
	// Window is how far back each cycle lists recordings.
	Window time.Duration
	// Location renders capture times in staging filenames.
	Location *time.Location
	// StreamTimeout bounds the transfer of a single recording.
	StreamTimeout time.Duration
	Clock         clock.Clock
}

// Downloader mirrors the recordings of the last Window into the staging directory
// and records each completed file in the ledger.
type Downloader struct {
	camera  transfer.CameraClient
	ledger  *ledger.Ledger
	staging *staging.Dir
	history storage.TransferWriteRepository
	tel     *telemetry.Telemetry
	cfg     Config

	OnFileDownloadError chan *FileDownloadError
}

func NewDownloader(
	cfg Config,
	camera transfer.CameraClient,
	l *ledger.Ledger,
	dir *staging.Dir,
	history storage.TransferWriteRepository,
	tel *telemetry.Telemetry,
) *Downloader {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	if cfg.Window == 0 {
		cfg.Window = 7 * 24 * time.Hour
	}

	return &Downloader{
		camera:              camera,
		ledger:              l,
		staging:             dir,
		history:             history,
		tel:                 tel,
		cfg:                 cfg,
		OnFileDownloadError: make(chan *FileDownloadError, 16),
	}
}

func (d *Downloader) Close() {
	close(d.OnFileDownloadError)
}

// Cycle lists the recordings in the window and stages every one the ledger does not
// know yet. A failing recording does not stop the others; the joined failures are
// returned at the end. A local io failure aborts the cycle at once.
func (d *Downloader) Cycle(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	to := d.cfg.Clock.Now().In(d.cfg.Location)
	from := to.Add(-d.cfg.Window)

	recordings, err := d.camera.ListRecordings(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to list recordings: %w", err)
	}

	logger.DebugContext(ctx, "library obtained", "recordings", len(recordings), "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))

	var (
		errs       []error
		downloaded int
	)

	for _, rec := range recordings {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := rec.FileName(d.cfg.Location)
		if err != nil {
			logger.WarnContext(ctx, "skipping recording with invalid id", "recording_id", rec.ID, "unique_id", rec.UniqueID, "err", err)

			continue
		}

		if d.ledger.IsDownloaded(name) {
			logger.DebugContext(ctx, "recording already downloaded", "file", name)

			continue
		}

		if err := d.DownloadRecording(ctx, rec, name); err != nil {
			if transfer.IsFatal(err) {
				return err
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.ErrorContext(ctx, "failed to download recording", "file", name, "class", transfer.Classify(err), "err", err)

			d.notify(&FileDownloadError{FileName: name, Recording: rec, Err: err})

			errs = append(errs, fmt.Errorf("%s: %w", name, err))

			continue
		}

		downloaded++
	}

	if downloaded > 0 {
		logger.InfoContext(ctx, "done downloading footage", "downloaded", downloaded, "failed", len(errs))
	}

	return errors.Join(errs...)
}

// DownloadRecording streams one recording into staging under name and marks it
// downloaded only after the file is complete.
func (d *Downloader) DownloadRecording(ctx context.Context, rec *transfer.Recording, name string) error {
	logger := logctx.LoggerFromContext(ctx).With("file", name)
	start := time.Now()

	streamCtx := ctx

	if d.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc

		streamCtx, cancel = context.WithTimeout(ctx, d.cfg.StreamTimeout)
		defer cancel()
	}

	body, err := d.camera.StreamRecording(streamCtx, rec.ContentURL)
	if err != nil {
		d.tel.RecordDownload(ctx, "error", 0, time.Since(start))

		return fmt.Errorf("failed to open recording stream: %w", err)
	}
	defer body.Close()

	logger.DebugContext(ctx, "downloading recording", "created_date", rec.CreatedDate)

	pr := progress.NewReader(body, 0, progressInterval, func(read, _ int64) {
		logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
	})

	written, err := d.staging.WriteFile(streamCtx, name, pr)
	if err != nil {
		d.tel.RecordDownload(ctx, "error", written, time.Since(start))

		var ioErr *transfer.LocalIOError
		if errors.As(err, &ioErr) || errors.Is(err, staging.ErrInvalidName) {
			return err
		}

		return &transfer.NetworkError{Operation: "stream_recording", APIMessage: err.Error(), Err: err}
	}

	if err := d.ledger.MarkDownloaded(ctx, name); err != nil {
		return err
	}

	d.tel.RecordDownload(ctx, "success", written, time.Since(start))

	if d.history != nil {
		rerr := d.history.RecordTransfer(ctx, storage.TransferRecord{
			FileName:    name,
			Direction:   storage.DirectionDownload,
			SizeBytes:   written,
			CompletedAt: d.cfg.Clock.Now(),
		})
		if rerr != nil {
			logger.WarnContext(ctx, "failed to record download history", "err", rerr)
		}
	}

	logger.InfoContext(ctx, "downloaded video",
		"size", humanize.Bytes(uint64(written)),
		"created_date", rec.CreatedDate,
		"took", time.Since(start).Round(time.Millisecond))

	return nil
}

func (d *Downloader) notify(ev *FileDownloadError) {
	select {
	case d.OnFileDownloadError <- ev:
	default:
	}
}
