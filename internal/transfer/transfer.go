package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// VideoExt is the extension of every file the pipeline stages and uploads.
	VideoExt = ".mp4"

	fileTimeLayout = "2006-01-02 15-04-05"
)

// ErrInvalidUniqueID is returned for a device id that cannot be part of a flat file name.
var ErrInvalidUniqueID = errors.New("invalid recording unique id")

type CameraClient interface {
	Authenticate(ctx context.Context) error
	ListRecordings(ctx context.Context, from, to time.Time) ([]*Recording, error)
	StreamRecording(ctx context.Context, url string) (io.ReadCloser, error)
}

type PhotoClient interface {
	UploadBytes(ctx context.Context, content io.ReadSeeker, size int64, filename, accessToken string) (string, error)
	CreateMediaItems(ctx context.Context, items []NewMediaItem, accessToken string) ([]*MediaItem, error)
}

// Recording is one piece of footage listed by the camera service.
type Recording struct {
	ID           string // capture time in epoch milliseconds
	ContentURL   string // presigned, short-lived
	UniqueID     string // device unique id
	CreatedDate  string
	ContentType  string
	DurationSecs int64
}

// CapturedAt decodes the capture timestamp carried in the recording id.
func (r *Recording) CapturedAt() (time.Time, error) {
	ms, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("recording id %q is not an epoch-millisecond timestamp: %w", r.ID, err)
	}

	return time.UnixMilli(ms), nil
}

// FileName derives the deterministic staging name "<YYYY-MM-DD HH-MM-SS> <uniqueId>.mp4".
// The same recording always maps to the same name, which makes re-downloads overwrite
// rather than duplicate. A unique id carrying a path separator is rejected.
func (r *Recording) FileName(loc *time.Location) (string, error) {
	capturedAt, err := r.CapturedAt()
	if err != nil {
		return "", err
	}

	if strings.ContainsAny(r.UniqueID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUniqueID, r.UniqueID)
	}

	if loc == nil {
		loc = time.UTC
	}

	name := capturedAt.In(loc).Format(fileTimeLayout) + " " + r.UniqueID + VideoExt
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUniqueID, r.UniqueID)
	}

	return name, nil
}

// NewMediaItem pairs an upload token with the name the item gets in the photo library.
type NewMediaItem struct {
	UploadToken string
	FileName    string
	Description string
}

// MediaItem is the permanent reference the photo service returns for a registered upload.
type MediaItem struct {
	ID         string
	ProductURL string
	FileName   string
}
