package transfer

import (
	"context"
	"io"
	"time"

	"github.com/italolelis/smartcam_backup/internal/telemetry"
)

// InstrumentedCameraClient wraps CameraClient with telemetry.
type InstrumentedCameraClient struct {
	client     CameraClient
	telemetry  *telemetry.Telemetry
	clientType string
}

func NewInstrumentedCameraClient(client CameraClient, tel *telemetry.Telemetry, clientType string) *InstrumentedCameraClient {
	return &InstrumentedCameraClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

func (c *InstrumentedCameraClient) Authenticate(ctx context.Context) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "authenticate", func(ctx context.Context) error {
		return c.client.Authenticate(ctx)
	})
}

// ListRecordings lists recordings with telemetry.
func (c *InstrumentedCameraClient) ListRecordings(ctx context.Context, from, to time.Time) ([]*Recording, error) {
	var result []*Recording

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "list_recordings", func(ctx context.Context) error {
		var err error

		result, err = c.client.ListRecordings(ctx, from, to)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// StreamRecording opens a recording stream with telemetry. Only opening the stream
// is measured; the body is read by the caller.
func (c *InstrumentedCameraClient) StreamRecording(ctx context.Context, url string) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "stream_recording", func(ctx context.Context) error {
		var err error

		result, err = c.client.StreamRecording(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InstrumentedPhotoClient wraps PhotoClient with telemetry.
type InstrumentedPhotoClient struct {
	client     PhotoClient
	telemetry  *telemetry.Telemetry
	clientType string
}

func NewInstrumentedPhotoClient(client PhotoClient, tel *telemetry.Telemetry, clientType string) *InstrumentedPhotoClient {
	return &InstrumentedPhotoClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// UploadBytes uploads raw bytes with telemetry.
func (c *InstrumentedPhotoClient) UploadBytes(
	ctx context.Context, content io.ReadSeeker, size int64, filename, accessToken string,
) (string, error) {
	var token string

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "upload_bytes", func(ctx context.Context) error {
		var err error

		token, err = c.client.UploadBytes(ctx, content, size, filename, accessToken)

		return err
	})
	if err != nil {
		return "", err
	}

	return token, nil
}

// CreateMediaItems registers uploaded bytes as media items with telemetry.
func (c *InstrumentedPhotoClient) CreateMediaItems(ctx context.Context, items []NewMediaItem, accessToken string) ([]*MediaItem, error) {
	var result []*MediaItem

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "create_media_items", func(ctx context.Context) error {
		var err error

		result, err = c.client.CreateMediaItems(ctx, items, accessToken)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
