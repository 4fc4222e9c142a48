package staging

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}

	n := copy(p, f.data)
	f.data = f.data[n:]

	return n, nil
}

func TestDir_WriteFileIsAtomic(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "video"))
	require.NoError(t, err)

	n, err := d.WriteFile(context.Background(), "a.mp4", strings.NewReader("footage"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(d.PathOf("a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "footage", string(data))

	_, err = os.Stat(d.PathOf("a.mp4" + PartialSuffix))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDir_WriteFileOverwrites(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = d.WriteFile(context.Background(), "a.mp4", strings.NewReader("first attempt, longer"))
	require.NoError(t, err)

	_, err = d.WriteFile(context.Background(), "a.mp4", strings.NewReader("second"))
	require.NoError(t, err)

	data, err := os.ReadFile(d.PathOf("a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestDir_WriteFileStreamFailureLeavesNothing(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	streamErr := errors.New("connection reset")

	_, err = d.WriteFile(context.Background(), "a.mp4", &failingReader{data: []byte("half"), err: streamErr})
	require.ErrorIs(t, err, streamErr)

	var ioErr *transfer.LocalIOError
	assert.False(t, errors.As(err, &ioErr), "a stream failure is not a local io failure")

	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDir_WriteFileCancelled(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.WriteFile(ctx, "a.mp4", strings.NewReader("footage"))
	require.ErrorIs(t, err, context.Canceled)

	names, err := d.List(transfer.VideoExt)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDir_WriteFileMissingDirIsLocalIO(t *testing.T) {
	root := filepath.Join(t.TempDir(), "video")

	d, err := New(root)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(root))

	_, err = d.WriteFile(context.Background(), "a.mp4", strings.NewReader("x"))

	var ioErr *transfer.LocalIOError
	require.ErrorAs(t, err, &ioErr)
	assert.True(t, transfer.IsFatal(err))
}

func TestDir_RefusesNamesOutsideDirectory(t *testing.T) {
	root := t.TempDir()

	d, err := New(filepath.Join(root, "video"))
	require.NoError(t, err)

	for _, name := range []string{"", "../escaped.mp4", "/abs.mp4", "cam/1.mp4", `..\x.mp4`, ".."} {
		_, err := d.WriteFile(context.Background(), name, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrInvalidName, name)
		assert.False(t, transfer.IsFatal(err), name)

		_, _, err = d.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)

		_, err = d.Stat(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)

		assert.ErrorIs(t, d.Remove(name), ErrInvalidName, name)
	}

	_, err = os.Stat(filepath.Join(root, "escaped.mp4"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDir_ListFiltersAndSorts(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"b.mp4", "a.mp4", "c.mp4.part", ".hidden.mp4", "notes.txt"} {
		require.NoError(t, os.WriteFile(d.PathOf(name), []byte("x"), 0o644))
	}

	require.NoError(t, os.Mkdir(d.PathOf("dir.mp4"), 0o755))

	names, err := d.List(transfer.VideoExt)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, names)
}

func TestDir_OpenVanishedFile(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = d.Open("gone.mp4")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, d.Remove("gone.mp4"))
}

func TestDir_OpenReportsSize(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(d.PathOf("a.mp4"), []byte("12345"), 0o644))

	f, size, err := d.Open("a.mp4")
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(5), size)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
}

func TestWatcher_SignalsOnNewVideo(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	w, err := d.Watch(transfer.VideoExt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err = d.WriteFile(ctx, "a.mp4", strings.NewReader("footage"))
	require.NoError(t, err)

	select {
	case <-w.C():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not signal the new file")
	}

	cancel()
	assert.NoError(t, <-done)
}
