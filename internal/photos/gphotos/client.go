// Package gphotos implements the two-phase Google Photos Library upload: raw bytes
// first, then registration of the returned upload token as a media item.
package gphotos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

const (
	DefaultBaseURL = "https://photoslibrary.googleapis.com"

	uploadContentType = "video/mp4"
)

type Config struct {
	BaseURL string
	// Timeout bounds registration calls; UploadTimeout bounds a single byte upload.
	Timeout       time.Duration
	UploadTimeout time.Duration
	Retry         transfer.RetryPolicy
	// RatePerSecond caps outbound requests. Zero means unlimited.
	RatePerSecond float64
	Burst         int
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ transfer.PhotoClient = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: telemetry.Transport(nil)},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
	}
}

// UploadBytes sends the raw file content and returns the upload token. content is
// rewound before every attempt.
func (c *Client) UploadBytes(
	ctx context.Context, content io.ReadSeeker, size int64, filename, accessToken string,
) (string, error) {
	var token string

	err := c.cfg.Retry.Do(ctx, "upload_bytes", transfer.IsRetryable, func() error {
		if _, err := content.Seek(0, io.SeekStart); err != nil {
			return &transfer.LocalIOError{Path: filename, Reason: "cannot rewind file", Err: err}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/uploads", io.NopCloser(content))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.ContentLength = size
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Goog-Upload-Content-Type", uploadContentType)
		req.Header.Set("X-Goog-Upload-File-Name", filename)
		req.Header.Set("X-Goog-Upload-Protocol", "raw")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &transfer.NetworkError{Operation: "upload_bytes", APIMessage: err.Error(), Err: err}
		}
		defer resp.Body.Close()

		if err := checkResponse("upload_bytes", resp); err != nil {
			return err
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transfer.NetworkError{Operation: "upload_bytes", StatusCode: resp.StatusCode, APIMessage: err.Error(), Err: err}
		}

		token = strings.TrimSpace(string(b))
		if token == "" {
			return &transfer.NetworkError{Operation: "upload_bytes", StatusCode: resp.StatusCode, APIMessage: "empty upload token"}
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return token, nil
}

type batchCreateRequest struct {
	NewMediaItems []newMediaItem `json:"newMediaItems"`
}

type newMediaItem struct {
	Description     string          `json:"description,omitempty"`
	SimpleMediaItem simpleMediaItem `json:"simpleMediaItem"`
}

type simpleMediaItem struct {
	UploadToken string `json:"uploadToken"`
	FileName    string `json:"fileName,omitempty"`
}

type batchCreateResponse struct {
	NewMediaItemResults []struct {
		UploadToken string `json:"uploadToken"`
		Status      struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
		MediaItem *struct {
			ID         string `json:"id"`
			ProductURL string `json:"productUrl"`
			Filename   string `json:"filename"`
		} `json:"mediaItem"`
	} `json:"newMediaItemResults"`
}

// CreateMediaItems registers upload tokens as media items. A per-item failure inside
// a successful response is reported as a RemoteRejectionError carrying the raw body.
func (c *Client) CreateMediaItems(ctx context.Context, items []transfer.NewMediaItem, accessToken string) ([]*transfer.MediaItem, error) {
	payload := batchCreateRequest{NewMediaItems: make([]newMediaItem, 0, len(items))}
	for _, it := range items {
		payload.NewMediaItems = append(payload.NewMediaItems, newMediaItem{
			Description:     it.Description,
			SimpleMediaItem: simpleMediaItem{UploadToken: it.UploadToken, FileName: it.FileName},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var raw []byte

	err = c.cfg.Retry.Do(ctx, "create_media_items", isBatchRetryable, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/mediaItems:batchCreate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &transfer.NetworkError{Operation: "create_media_items", APIMessage: err.Error(), Err: err}
		}
		defer resp.Body.Close()

		if err := checkResponse("create_media_items", resp); err != nil {
			return err
		}

		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return &transfer.NetworkError{Operation: "create_media_items", StatusCode: resp.StatusCode, APIMessage: err.Error(), Err: err}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	var out batchCreateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &transfer.RemoteRejectionError{
			Operation:  "create_media_items",
			StatusCode: http.StatusOK,
			Message:    "malformed batchCreate response",
			Payload:    string(raw),
			Err:        err,
		}
	}

	if len(out.NewMediaItemResults) != len(items) {
		return nil, &transfer.RemoteRejectionError{
			Operation:  "create_media_items",
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("expected %d results, got %d", len(items), len(out.NewMediaItemResults)),
			Payload:    string(raw),
		}
	}

	logger := logctx.LoggerFromContext(ctx)
	created := make([]*transfer.MediaItem, 0, len(out.NewMediaItemResults))

	for _, r := range out.NewMediaItemResults {
		if r.Status.Code != 0 || r.MediaItem == nil {
			return nil, &transfer.RemoteRejectionError{
				Operation:  "create_media_items",
				StatusCode: http.StatusOK,
				Code:       r.Status.Code,
				Message:    r.Status.Message,
				Payload:    string(raw),
			}
		}

		logger.DebugContext(ctx, "media item created", "media_item_id", r.MediaItem.ID)

		created = append(created, &transfer.MediaItem{
			ID:         r.MediaItem.ID,
			ProductURL: r.MediaItem.ProductURL,
			FileName:   r.MediaItem.Filename,
		})
	}

	return created, nil
}

// checkResponse turns a non-2xx response into a typed error using the standard
// Google API error envelope.
func checkResponse(operation string, resp *http.Response) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: err.Error(), Err: err}
	}

	if gerr.Code == http.StatusUnauthorized {
		return &transfer.AuthenticationError{Operation: operation, Err: gerr}
	}

	msg := gerr.Message
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}

	return &transfer.RemoteRejectionError{
		Operation:  operation,
		StatusCode: gerr.Code,
		Message:    msg,
		Payload:    gerr.Body,
		Err:        gerr,
	}
}

// isBatchRetryable only retries registration when the service asked for it.
// Anything else may already have created the item.
func isBatchRetryable(err error) bool {
	var rej *transfer.RemoteRejectionError
	if errors.As(err, &rej) {
		return rej.StatusCode == http.StatusTooManyRequests || rej.StatusCode == http.StatusServiceUnavailable
	}

	return false
}
