// Package uploader pushes staged recordings to the photo library and records each
// registered file in the ledger.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/staging"
	"github.com/italolelis/smartcam_backup/internal/storage"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/juju/clock"
)

const DefaultDescription = "Uploaded by smartcam_backup"

type Config struct {
	// MaxRejections quarantines a file after this many permanent rejections.
	// Zero disables quarantine.
	MaxRejections int
	Description   string
	Clock         clock.Clock
}

// Uploader runs the two-phase upload for every staged file not yet in the ledger.
// Delivery is at-least-once: a crash after registration but before the ledger save
// uploads the file again on the next run.
type Uploader struct {
	photos  transfer.PhotoClient
	ledger  *ledger.Ledger
	staging *staging.Dir
	history storage.TransferWriteRepository
	tel     *telemetry.Telemetry
	cfg     Config

	mu          sync.Mutex
	strikes     map[string]int
	quarantined map[string]struct{}

	OnFileQuarantined chan string
}

func NewUploader(
	cfg Config,
	photos transfer.PhotoClient,
	l *ledger.Ledger,
	dir *staging.Dir,
	history storage.TransferWriteRepository,
	tel *telemetry.Telemetry,
) *Uploader {
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	return &Uploader{
		photos:            photos,
		ledger:            l,
		staging:           dir,
		history:           history,
		tel:               tel,
		cfg:               cfg,
		strikes:           map[string]int{},
		quarantined:       map[string]struct{}{},
		OnFileQuarantined: make(chan string, 16),
	}
}

func (u *Uploader) Close() {
	close(u.OnFileQuarantined)
}

// Cycle uploads pending staged files in lexical order. The first failed upload
// aborts the rest of the cycle; nothing after it is attempted until the next cycle.
func (u *Uploader) Cycle(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	names, err := u.Pending()
	if err != nil {
		return err
	}

	accessToken := u.ledger.AccessToken()
	if accessToken == "" {
		return &transfer.AuthenticationError{Operation: "upload", Err: errors.New("no access token available yet")}
	}

	uploaded := 0

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := u.UploadFile(ctx, name, accessToken); err != nil {
			if errors.Is(err, fs.ErrNotExist) && transfer.Classify(err) != transfer.ClassLocalIO {
				logger.WarnContext(ctx, "staged file vanished before upload", "file", name)

				continue
			}

			u.recordFailure(ctx, name, err)

			return fmt.Errorf("upload of %s aborted the cycle: %w", name, err)
		}

		uploaded++
	}

	if uploaded > 0 {
		logger.InfoContext(ctx, "done uploading to photo library", "uploaded", uploaded)
	}

	return nil
}

// Pending lists the staged videos that are neither uploaded nor quarantined, in
// lexical order.
func (u *Uploader) Pending() ([]string, error) {
	names, err := u.staging.List(transfer.VideoExt)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(names, func(name string) bool {
		return u.ledger.IsUploaded(name) || u.isQuarantined(name)
	}), nil
}

// UploadFile sends name to the photo service and marks it uploaded once the media
// item exists.
func (u *Uploader) UploadFile(ctx context.Context, name, accessToken string) error {
	logger := logctx.LoggerFromContext(ctx).With("file", name)
	start := time.Now()

	f, size, err := u.staging.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	uploadToken, err := u.photos.UploadBytes(ctx, f, size, name, accessToken)
	if err != nil {
		u.tel.RecordUpload(ctx, "error", 0, time.Since(start))

		return fmt.Errorf("failed to upload bytes: %w", err)
	}

	items, err := u.photos.CreateMediaItems(ctx, []transfer.NewMediaItem{{
		UploadToken: uploadToken,
		FileName:    name,
		Description: u.cfg.Description,
	}}, accessToken)
	if err != nil {
		u.tel.RecordUpload(ctx, "error", size, time.Since(start))

		return fmt.Errorf("failed to create media item: %w", err)
	}

	if err := u.ledger.MarkUploaded(ctx, name); err != nil {
		return err
	}

	u.tel.RecordUpload(ctx, "success", size, time.Since(start))

	var remoteID string
	if len(items) > 0 {
		remoteID = items[0].ID
	}

	if u.history != nil {
		rerr := u.history.RecordTransfer(ctx, storage.TransferRecord{
			FileName:    name,
			Direction:   storage.DirectionUpload,
			SizeBytes:   size,
			RemoteID:    remoteID,
			CompletedAt: u.cfg.Clock.Now(),
		})
		if rerr != nil {
			logger.WarnContext(ctx, "failed to record upload history", "err", rerr)
		}
	}

	logger.InfoContext(ctx, "uploaded video",
		"size", humanize.Bytes(uint64(size)),
		"media_item_id", remoteID,
		"took", time.Since(start).Round(time.Millisecond))

	return nil
}

func (u *Uploader) recordFailure(ctx context.Context, name string, err error) {
	logger := logctx.LoggerFromContext(ctx).With("file", name)

	var rej *transfer.RemoteRejectionError
	if !errors.As(err, &rej) {
		logger.WarnContext(ctx, "upload failed", "class", transfer.Classify(err), "err", err)

		return
	}

	logger.ErrorContext(ctx, "photo service rejected upload",
		"operation", rej.Operation,
		"status", rej.StatusCode,
		"code", rej.Code,
		"payload", rej.Payload)

	if rej.Retryable() || u.cfg.MaxRejections <= 0 {
		return
	}

	u.mu.Lock()
	u.strikes[name]++
	strikes := u.strikes[name]

	quarantine := strikes >= u.cfg.MaxRejections
	if quarantine {
		u.quarantined[name] = struct{}{}
		delete(u.strikes, name)
	}
	u.mu.Unlock()

	if !quarantine {
		logger.WarnContext(ctx, "permanent rejection recorded", "strikes", strikes, "max_rejections", u.cfg.MaxRejections)

		return
	}

	logger.ErrorContext(ctx, "file quarantined until restart", "strikes", strikes)

	select {
	case u.OnFileQuarantined <- name:
	default:
	}
}

func (u *Uploader) isQuarantined(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	_, ok := u.quarantined[name]

	return ok
}

// Quarantined returns the files skipped for the rest of the process lifetime.
func (u *Uploader) Quarantined() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]string, 0, len(u.quarantined))
	for name := range u.quarantined {
		out = append(out, name)
	}

	slices.Sort(out)

	return out
}
