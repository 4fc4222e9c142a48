package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/staging"
	"github.com/italolelis/smartcam_backup/internal/storage"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCamera struct {
	mu         sync.Mutex
	recordings []*transfer.Recording
	content    map[string]string
	// failOnce makes the first stream of a url break halfway through
	failOnce map[string]bool
	streams  map[string]int
	from, to time.Time
}

func (f *fakeCamera) Authenticate(ctx context.Context) error { return nil }

func (f *fakeCamera) ListRecordings(ctx context.Context, from, to time.Time) ([]*transfer.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.from, f.to = from, to

	return f.recordings, nil
}

type brokenReader struct {
	r io.Reader
}

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}

	return n, err
}

func (f *fakeCamera) StreamRecording(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.streams[url]++

	body := f.content[url]

	if f.failOnce[url] {
		delete(f.failOnce, url)

		return io.NopCloser(&brokenReader{r: strings.NewReader(body[:len(body)/2])}), nil
	}

	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeCamera) streamCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.streams[url]
}

type memHistory struct {
	mu      sync.Mutex
	records []storage.TransferRecord
}

func (m *memHistory) RecordTransfer(ctx context.Context, rec storage.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)

	return nil
}

var now = time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)

type fixture struct {
	camera  *fakeCamera
	ledger  *ledger.Ledger
	staging *staging.Dir
	history *memHistory
	dl      *Downloader
}

func newFixture(t *testing.T, recs ...*transfer.Recording) *fixture {
	t.Helper()

	root := t.TempDir()

	l, err := ledger.Load(context.Background(), filepath.Join(root, "data.json"), nil)
	require.NoError(t, err)

	dir, err := staging.New(filepath.Join(root, "video"))
	require.NoError(t, err)

	cam := &fakeCamera{
		recordings: recs,
		content:    map[string]string{},
		failOnce:   map[string]bool{},
		streams:    map[string]int{},
	}

	for _, r := range recs {
		cam.content[r.ContentURL] = "bytes of " + r.UniqueID
	}

	history := &memHistory{}

	dl := NewDownloader(Config{Clock: testclock.NewClock(now)}, cam, l, dir, history, nil)

	return &fixture{camera: cam, ledger: l, staging: dir, history: history, dl: dl}
}

func TestDownloader_StagesRecordingUnderDerivedName(t *testing.T) {
	f := newFixture(t, &transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1", CreatedDate: "20210101"})

	require.NoError(t, f.dl.Cycle(context.Background()))

	const name = "2021-01-01 00-00-00 X1.mp4"

	data, err := os.ReadFile(f.staging.PathOf(name))
	require.NoError(t, err)
	assert.Equal(t, "bytes of X1", string(data))
	assert.True(t, f.ledger.IsDownloaded(name))

	require.Len(t, f.history.records, 1)
	assert.Equal(t, name, f.history.records[0].FileName)
	assert.Equal(t, storage.DirectionDownload, f.history.records[0].Direction)
	assert.Equal(t, int64(len("bytes of X1")), f.history.records[0].SizeBytes)
}

func TestDownloader_ListsConfiguredWindow(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dl.Cycle(context.Background()))

	assert.Equal(t, now, f.camera.to)
	assert.Equal(t, now.Add(-7*24*time.Hour), f.camera.from)
}

func TestDownloader_IsIdempotent(t *testing.T) {
	f := newFixture(t,
		&transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1"},
		&transfer.Recording{ID: "1609459260000", ContentURL: "u2", UniqueID: "X2"},
	)

	for range 3 {
		require.NoError(t, f.dl.Cycle(context.Background()))
	}

	assert.Equal(t, 1, f.camera.streamCount("u1"))
	assert.Equal(t, 1, f.camera.streamCount("u2"))
	assert.Equal(t, []string{"2021-01-01 00-00-00 X1.mp4", "2021-01-01 00-01-00 X2.mp4"}, f.ledger.Snapshot().Downloaded)
}

func TestDownloader_InterruptedStreamIsRetriedNextCycle(t *testing.T) {
	f := newFixture(t,
		&transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1"},
		&transfer.Recording{ID: "1609459260000", ContentURL: "u2", UniqueID: "X2"},
	)
	f.camera.failOnce["u1"] = true

	err := f.dl.Cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, transfer.ClassTransient, transfer.Classify(err))
	assert.False(t, transfer.IsFatal(err))

	// the failure of u1 did not stop u2
	assert.False(t, f.ledger.IsDownloaded("2021-01-01 00-00-00 X1.mp4"))
	assert.True(t, f.ledger.IsDownloaded("2021-01-01 00-01-00 X2.mp4"))

	names, err := f.staging.List(transfer.VideoExt)
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-01 00-01-00 X2.mp4"}, names)

	select {
	case ev := <-f.dl.OnFileDownloadError:
		assert.Equal(t, "2021-01-01 00-00-00 X1.mp4", ev.FileName)
	default:
		t.Fatal("expected a download error event")
	}

	require.NoError(t, f.dl.Cycle(context.Background()))

	data, err := os.ReadFile(f.staging.PathOf("2021-01-01 00-00-00 X1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "bytes of X1", string(data))
	assert.Equal(t, []string{"2021-01-01 00-01-00 X2.mp4", "2021-01-01 00-00-00 X1.mp4"}, f.ledger.Snapshot().Downloaded)
}

func TestDownloader_SkipsInvalidRecordingID(t *testing.T) {
	f := newFixture(t,
		&transfer.Recording{ID: "not-a-number", ContentURL: "bad", UniqueID: "X0"},
		&transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1"},
	)

	require.NoError(t, f.dl.Cycle(context.Background()))

	assert.Zero(t, f.camera.streamCount("bad"))
	assert.Equal(t, []string{"2021-01-01 00-00-00 X1.mp4"}, f.ledger.Snapshot().Downloaded)
}

func TestDownloader_LocalIOErrorIsFatal(t *testing.T) {
	f := newFixture(t, &transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1"})

	require.NoError(t, os.RemoveAll(f.staging.Path()))

	err := f.dl.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, transfer.IsFatal(err))
	assert.False(t, f.ledger.IsDownloaded("2021-01-01 00-00-00 X1.mp4"))
}

func TestDownloader_SkipsUniqueIDThatIsNotAFileName(t *testing.T) {
	f := newFixture(t,
		&transfer.Recording{ID: "1609459200000", ContentURL: "escape", UniqueID: "/../../escaped"},
		&transfer.Recording{ID: "1609459200000", ContentURL: "nested", UniqueID: "cam/1"},
		&transfer.Recording{ID: "1609459260000", ContentURL: "u2", UniqueID: "X2"},
	)

	err := f.dl.Cycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.camera.streamCount("escape"))
	assert.Zero(t, f.camera.streamCount("nested"))
	assert.Equal(t, []string{"2021-01-01 00-01-00 X2.mp4"}, f.ledger.Snapshot().Downloaded)

	names, err := f.staging.List(transfer.VideoExt)
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-01 00-01-00 X2.mp4"}, names)

	entries, err := os.ReadDir(filepath.Dir(f.staging.Path()))
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotContains(t, e.Name(), "escaped")
	}
}

func TestDownloader_RefusesNameOutsideStaging(t *testing.T) {
	f := newFixture(t, &transfer.Recording{ID: "1609459200000", ContentURL: "u1", UniqueID: "X1"})

	err := f.dl.DownloadRecording(context.Background(), f.camera.recordings[0], "../outside.mp4")
	require.ErrorIs(t, err, staging.ErrInvalidName)
	assert.False(t, transfer.IsFatal(err))
	assert.Empty(t, f.ledger.Snapshot().Downloaded)

	_, err = os.Stat(filepath.Join(filepath.Dir(f.staging.Path()), "outside.mp4"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
