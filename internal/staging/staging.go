// Package staging manages the flat directory where recordings wait between download
// and upload. Files only appear under their final name once fully written.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/smartcam_backup/internal/transfer"
)

const (
	// PartialSuffix marks a file that is still being written.
	PartialSuffix = ".part"

	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrInvalidName is returned for a name that does not denote a file directly inside
// the staging directory.
var ErrInvalidName = errors.New("invalid staging file name")

// Dir is a staging directory.
type Dir struct {
	path string
}

// FileInfo describes a staged file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New returns the staging directory at path, creating it if needed.
func New(path string) (*Dir, error) {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, &transfer.LocalIOError{Path: path, Reason: "cannot create staging directory", Err: err}
	}

	return &Dir{path: path}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// PathOf returns the absolute location of a staged file. It does not validate name;
// every operation on the directory does.
func (d *Dir) PathOf(name string) string {
	return filepath.Join(d.path, name)
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// WriteFile streams r into name. The bytes land in name+PartialSuffix first and are
// renamed into place after a successful sync, so a crash never exposes a partial file
// under its final name. A rewrite of an existing name replaces it.
//
// Failures reading r are returned as-is; failures touching the disk are LocalIOErrors.
// A name outside the directory fails with ErrInvalidName before anything is written.
func (d *Dir) WriteFile(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}

	final := d.PathOf(name)
	partial := final + PartialSuffix

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, &transfer.LocalIOError{Path: partial, Reason: "cannot create file", Err: err}
	}

	w := &trackingWriter{w: out}

	written, err := io.Copy(w, &contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = out.Close()
		_ = os.Remove(partial)

		if w.err != nil {
			return written, &transfer.LocalIOError{Path: partial, Reason: "cannot write file", Err: w.err}
		}

		return written, fmt.Errorf("failed to stream %s: %w", name, err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(partial)

		return written, &transfer.LocalIOError{Path: partial, Reason: "cannot sync file", Err: err}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(partial)

		return written, &transfer.LocalIOError{Path: partial, Reason: "cannot close file", Err: err}
	}

	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)

		return written, &transfer.LocalIOError{Path: final, Reason: "cannot move file into place", Err: err}
	}

	return written, nil
}

// List returns the names of the regular files carrying ext, in lexical order.
// Hidden files and in-flight partial files are skipped.
func (d *Dir) List(ext string) ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, &transfer.LocalIOError{Path: d.path, Reason: "cannot list staging directory", Err: err}
	}

	var names []string

	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext {
			continue
		}

		names = append(names, name)
	}

	// os.ReadDir already sorts by filename.
	return names, nil
}

// Open opens a staged file for reading along with its size. A file that vanished
// returns an error matching fs.ErrNotExist.
func (d *Dir) Open(name string) (*os.File, int64, error) {
	if err := checkName(name); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(d.PathOf(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, err
		}

		return nil, 0, &transfer.LocalIOError{Path: d.PathOf(name), Reason: "cannot open file", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, 0, &transfer.LocalIOError{Path: d.PathOf(name), Reason: "cannot stat file", Err: err}
	}

	return f, info.Size(), nil
}

func (d *Dir) Stat(name string) (FileInfo, error) {
	if err := checkName(name); err != nil {
		return FileInfo{}, err
	}

	info, err := os.Stat(d.PathOf(name))
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Remove deletes a staged file. Removing a file that is already gone is not an error.
func (d *Dir) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	if err := os.Remove(d.PathOf(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &transfer.LocalIOError{Path: d.PathOf(name), Reason: "cannot delete file", Err: err}
	}

	return nil
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}

	return n, err
}

// contextReader stops a copy as soon as ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
