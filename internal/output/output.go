// Package output is the file-system side of a download: one destination file
// written at random offsets by several fetchers.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
)

// File is an open destination. WriteAt calls for disjoint ranges may run
// concurrently.
type File interface {
	io.WriterAt
	// Preallocate reserves n bytes for the file.
	Preallocate(n int64) error
	// Truncate sets the final length.
	Truncate(n int64) error
	Sync() error
	Close() error
}

// FS opens destination files on an afero file system.
type FS struct {
	fs afero.Fs
}

// New wraps fs. Use afero.NewOsFs() for real files.
func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// Fs returns the underlying file system.
func (f *FS) Fs() afero.Fs {
	return f.fs
}

// Stat describes the destination as the resume check needs it.
func (f *FS) Stat(path string) (breakpoint.FileState, error) {
	fi, err := f.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return breakpoint.FileState{}, nil
	}
	if err != nil {
		return breakpoint.FileState{}, err
	}
	if fi.IsDir() {
		return breakpoint.FileState{}, fmt.Errorf("output: %s is a directory", path)
	}
	return breakpoint.FileState{Exists: true, Size: fi.Size()}, nil
}

// Open opens path for random writes, creating parent directories. A fresh
// open discards whatever the file held before.
func (f *FS) Open(path string, fresh bool) (File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	fh, err := f.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if fresh {
		if err := fh.Truncate(0); err != nil {
			fh.Close()
			return nil, fmt.Errorf("reset output: %w", err)
		}
	}
	out := &file{File: fh}
	if _, ok := fh.(*os.File); !ok {
		// afero's in-memory files seek and write as two steps.
		out.mu = &sync.Mutex{}
	}
	return out, nil
}

// Remove deletes path if it exists.
func (f *FS) Remove(path string) error {
	err := f.fs.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type file struct {
	afero.File
	mu *sync.Mutex
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if f.mu != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	return f.File.WriteAt(p, off)
}

func (f *file) Preallocate(n int64) error {
	if n <= 0 {
		return nil
	}
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= n {
		return nil
	}
	return f.File.Truncate(n)
}

func (f *file) Truncate(n int64) error {
	return f.File.Truncate(n)
}
