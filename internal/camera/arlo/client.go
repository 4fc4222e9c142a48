// Package arlo talks to the Arlo cloud: session login, library listing and
// presigned recording downloads.
package arlo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
)

const (
	DefaultAuthURL = "https://ocapi-app.arlo.com"
	DefaultAPIURL  = "https://myapi.arlo.com"

	libraryDateLayout = "20060102"
	maxErrorBody      = 4096
)

// Config holds the account and endpoints the client works against.
type Config struct {
	AuthURL  string
	APIURL   string
	Username string
	Password string
	Timeout  time.Duration
	Retry    transfer.RetryPolicy
}

type Client struct {
	cfg          Config
	httpClient   *http.Client
	streamClient *http.Client

	mu    sync.Mutex
	token string
}

var _ transfer.CameraClient = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}

	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := telemetry.Transport(nil)

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		// Recording bodies can take minutes; their lifetime is bounded by the caller's context.
		streamClient: &http.Client{Transport: transport},
	}
}

type authResponse struct {
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
	Data struct {
		Token         string `json:"token"`
		UserID        string `json:"userId"`
		Authenticated int64  `json:"authenticated"`
	} `json:"data"`
}

// Authenticate opens a new session and keeps its token for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("user", c.cfg.Username)

	payload := map[string]string{
		"email":     c.cfg.Username,
		"password":  base64.StdEncoding.EncodeToString([]byte(c.cfg.Password)),
		"language":  "en",
		"EnvSource": "prod",
	}

	var out authResponse

	err := c.cfg.Retry.Do(ctx, "authenticate", transfer.IsRetryable, func() error {
		return c.postJSON(ctx, "authenticate", c.cfg.AuthURL+"/api/auth", "", payload, &out)
	})
	if err != nil {
		return err
	}

	if out.Data.Token == "" {
		return &transfer.AuthenticationError{
			Operation: "authenticate",
			Err:       fmt.Errorf("login response carried no token (code %d: %s)", out.Meta.Code, out.Meta.Message),
		}
	}

	c.mu.Lock()
	c.token = out.Data.Token
	c.mu.Unlock()

	logger.InfoContext(ctx, "logged in to camera service")

	return nil
}

type libraryResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type libraryItem struct {
	Name                string `json:"name"`
	ID                  string `json:"id"`
	PresignedContentURL string `json:"presignedContentUrl"`
	UniqueID            string `json:"uniqueId"`
	CreatedDate         string `json:"createdDate"`
	ContentType         string `json:"contentType"`
	MediaDurationSecond int64  `json:"mediaDurationSecond"`
}

type libraryError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ListRecordings returns the library entries recorded between from and to, both
// inclusive at day granularity. An expired session is renewed once.
func (c *Client) ListRecordings(ctx context.Context, from, to time.Time) ([]*transfer.Recording, error) {
	recordings, err := c.listRecordings(ctx, from, to)

	var authErr *transfer.AuthenticationError
	if errors.As(err, &authErr) {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "camera session expired, logging in again")

		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()

		recordings, err = c.listRecordings(ctx, from, to)
	}

	return recordings, err
}

func (c *Client) listRecordings(ctx context.Context, from, to time.Time) ([]*transfer.Recording, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"dateFrom": from.Format(libraryDateLayout),
		"dateTo":   to.Format(libraryDateLayout),
	}

	var out libraryResponse

	err = c.cfg.Retry.Do(ctx, "list_recordings", transfer.IsRetryable, func() error {
		return c.postJSON(ctx, "list_recordings", c.cfg.APIURL+"/hmsweb/users/library", token, payload, &out)
	})
	if err != nil {
		return nil, err
	}

	if !out.Success {
		var detail libraryError
		_ = json.Unmarshal(out.Data, &detail)

		return nil, &transfer.RemoteRejectionError{
			Operation:  "list_recordings",
			StatusCode: http.StatusOK,
			Message:    strings.TrimSpace(detail.Error + " " + detail.Message + " " + detail.Reason),
			Payload:    string(out.Data),
		}
	}

	var items []libraryItem
	if err := json.Unmarshal(out.Data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode library: %w", err)
	}

	recordings := make([]*transfer.Recording, 0, len(items))

	for _, it := range items {
		id := it.Name
		if id == "" {
			id = it.ID
		}

		recordings = append(recordings, &transfer.Recording{
			ID:           id,
			ContentURL:   it.PresignedContentURL,
			UniqueID:     it.UniqueID,
			CreatedDate:  it.CreatedDate,
			ContentType:  it.ContentType,
			DurationSecs: it.MediaDurationSecond,
		})
	}

	return recordings, nil
}

// StreamRecording opens the presigned content URL. The caller closes the body.
func (c *Client) StreamRecording(ctx context.Context, url string) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := c.cfg.Retry.Do(ctx, "stream_recording", transfer.IsRetryable, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.streamClient.Do(req)
		if err != nil {
			return &transfer.NetworkError{Operation: "stream_recording", APIMessage: err.Error(), Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()

			return statusError("stream_recording", resp)
		}

		body = resp.Body

		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		return token, nil
	}

	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token, nil
}

func (c *Client) postJSON(ctx context.Context, operation, url, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Auth-Version", "2")

	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(operation, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: "malformed response body",
			Err:        err,
		}
	}

	return nil
}

func statusError(operation string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &transfer.AuthenticationError{
			Operation: operation,
			Err:       &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg},
		}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}
	default:
		return &transfer.RemoteRejectionError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Payload:    msg,
		}
	}
}
