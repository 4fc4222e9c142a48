// Package ledger keeps the durable record of what has been downloaded, what has been
// uploaded and which credentials are current. Every worker shares one *Ledger.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
)

const (
	fileMode = 0o600
	dirMode  = 0o755

	keyDownloaded   = "downloaded"
	keyUploaded     = "uploaded"
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyLegacyToken  = "g_token"
)

var ErrNoRefreshToken = errors.New("ledger holds no refresh token")

// Ledger is an in-memory mirror of the ledger file. Each mutation runs lock, mutate,
// save, unlock as one critical section, and is undone when the save fails.
type Ledger struct {
	mu sync.Mutex

	path string
	tel  *telemetry.Telemetry

	downloaded   *nameSet
	uploaded     *nameSet
	accessToken  string
	refreshToken string

	// keys this program does not own, written back untouched
	extra map[string]json.RawMessage
}

// State is a point-in-time copy of the ledger contents.
type State struct {
	Downloaded   []string
	Uploaded     []string
	AccessToken  string
	RefreshToken string
}

// Load reads the ledger at path. A missing file yields an empty ledger which is
// persisted immediately, so the first run leaves durable storage behind.
func Load(ctx context.Context, path string, tel *telemetry.Telemetry) (*Ledger, error) {
	l := &Ledger{
		path:       path,
		tel:        tel,
		downloaded: newNameSet(),
		uploaded:   newNameSet(),
		extra:      map[string]json.RawMessage{},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
			return nil, &transfer.LocalIOError{Path: path, Reason: "cannot create ledger directory", Err: err}
		}

		l.mu.Lock()
		defer l.mu.Unlock()

		if err := l.save(ctx); err != nil {
			return nil, err
		}

		return l, nil
	}

	if err != nil {
		return nil, &transfer.LocalIOError{Path: path, Reason: "cannot read ledger", Err: err}
	}

	if err := l.decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", path, err)
	}

	return l, nil
}

func (l *Ledger) decode(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var downloaded, uploaded []string

	if v, ok := raw[keyDownloaded]; ok {
		if err := json.Unmarshal(v, &downloaded); err != nil {
			return fmt.Errorf("field %s: %w", keyDownloaded, err)
		}
	}

	if v, ok := raw[keyUploaded]; ok {
		if err := json.Unmarshal(v, &uploaded); err != nil {
			return fmt.Errorf("field %s: %w", keyUploaded, err)
		}
	}

	if v, ok := raw[keyAccessToken]; ok {
		if err := json.Unmarshal(v, &l.accessToken); err != nil {
			return fmt.Errorf("field %s: %w", keyAccessToken, err)
		}
	}

	if v, ok := raw[keyRefreshToken]; ok {
		if err := json.Unmarshal(v, &l.refreshToken); err != nil {
			return fmt.Errorf("field %s: %w", keyRefreshToken, err)
		}
	}

	// Older ledgers stored the access token under g_token.
	if v, ok := raw[keyLegacyToken]; ok {
		var legacy string
		if err := json.Unmarshal(v, &legacy); err != nil {
			return fmt.Errorf("field %s: %w", keyLegacyToken, err)
		}

		if l.accessToken == "" {
			l.accessToken = legacy
		}

		delete(raw, keyLegacyToken)
	}

	for _, name := range downloaded {
		l.downloaded.add(name)
	}

	for _, name := range uploaded {
		l.uploaded.add(name)
	}

	for _, k := range []string{keyDownloaded, keyUploaded, keyAccessToken, keyRefreshToken} {
		delete(raw, k)
	}

	l.extra = raw

	return nil
}

// Path returns the location of the ledger file.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) IsDownloaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.downloaded.has(name)
}

func (l *Ledger) IsUploaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.uploaded.has(name)
}

// MarkDownloaded records name as fully staged and persists the ledger.
// Marking a name twice is a no-op.
func (l *Ledger) MarkDownloaded(ctx context.Context, name string) error {
	return l.markIn(ctx, l.downloaded, name)
}

// MarkUploaded records name as registered in the photo library and persists the ledger.
func (l *Ledger) MarkUploaded(ctx context.Context, name string) error {
	return l.markIn(ctx, l.uploaded, name)
}

func (l *Ledger) markIn(ctx context.Context, set *nameSet, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !set.add(name) {
		return nil
	}

	if err := l.save(ctx); err != nil {
		set.removeLast()

		return err
	}

	return nil
}

func (l *Ledger) AccessToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.accessToken
}

// RefreshToken returns the stored refresh token or ErrNoRefreshToken.
func (l *Ledger) RefreshToken() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	return l.refreshToken, nil
}

// SetAccessToken replaces the access token, leaving the refresh token unchanged.
func (l *Ledger) SetAccessToken(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.accessToken
	l.accessToken = token

	if err := l.save(ctx); err != nil {
		l.accessToken = prev

		return err
	}

	return nil
}

// SetCredentials stores both tokens in one save.
func (l *Ledger) SetCredentials(ctx context.Context, accessToken, refreshToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevAccess, prevRefresh := l.accessToken, l.refreshToken
	l.accessToken, l.refreshToken = accessToken, refreshToken

	if err := l.save(ctx); err != nil {
		l.accessToken, l.refreshToken = prevAccess, prevRefresh

		return err
	}

	return nil
}

// Counts returns the sizes of the downloaded and uploaded sets.
func (l *Ledger) Counts() (downloaded, uploaded int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.downloaded.size(), l.uploaded.size()
}

func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		Downloaded:   l.downloaded.list(),
		Uploaded:     l.uploaded.list(),
		AccessToken:  l.accessToken,
		RefreshToken: l.refreshToken,
	}
}

// save must be called with mu held.
func (l *Ledger) save(ctx context.Context) error {
	return l.tel.InstrumentStoreOperation(ctx, "ledger", "save", func(context.Context) error {
		data, err := l.encode()
		if err != nil {
			return fmt.Errorf("failed to encode ledger: %w", err)
		}

		return writeFileAtomic(l.path, data)
	})
}

func (l *Ledger) encode() ([]byte, error) {
	out := make(map[string]any, len(l.extra)+4)
	for k, v := range l.extra {
		out[k] = v
	}

	out[keyDownloaded] = l.downloaded.list()
	out[keyUploaded] = l.uploaded.list()
	out[keyAccessToken] = l.accessToken
	out[keyRefreshToken] = l.refreshToken

	return json.MarshalIndent(out, "", "  ")
}

// writeFileAtomic writes data to a temp file next to path, syncs it and renames it
// over path. Readers see either the old or the new content, never a mix.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &transfer.LocalIOError{Path: path, Reason: "cannot create temp file", Err: err}
	}

	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(fileMode); err != nil {
		cleanup()

		return &transfer.LocalIOError{Path: tmpName, Reason: "cannot set file mode", Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()

		return &transfer.LocalIOError{Path: tmpName, Reason: "cannot write ledger", Err: err}
	}

	if err := tmp.Sync(); err != nil {
		cleanup()

		return &transfer.LocalIOError{Path: tmpName, Reason: "cannot sync ledger", Err: err}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return &transfer.LocalIOError{Path: tmpName, Reason: "cannot close ledger", Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return &transfer.LocalIOError{Path: path, Reason: "cannot replace ledger", Err: err}
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}
