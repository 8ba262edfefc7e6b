// Package localfs provides the byte source for uploads from local disk.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
)

// FileReader is a seekable storage.Reader over a regular file.
type FileReader struct {
	mu   sync.Mutex
	f    *os.File
	size int64
	name string
}

// Open opens path for reading. Directories and other non-regular files are rejected.
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &FileReader{f: f, size: info.Size(), name: info.Name()}, nil
}

// Seek moves the read position to position bytes from the start of the file.
func (r *FileReader) Seek(position uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if position > uint64(r.size) {
		return fmt.Errorf("seek to %d beyond end of %s (%d bytes)", position, r.name, r.size)
	}
	_, err := r.f.Seek(int64(position), io.SeekStart)
	return err
}

// Read returns up to amount bytes from the current position. It only returns
// fewer bytes at end of file, and an empty slice once the file is exhausted.
func (r *FileReader) Read(amount int) ([]byte, error) {
	if amount <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, amount)
	n, err := io.ReadFull(r.f, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Size returns the file size at open time.
func (r *FileReader) Size() int64 {
	return r.size
}

// Name returns the file's base name.
func (r *FileReader) Name() string {
	return r.name
}

// Close closes the underlying file.
func (r *FileReader) Close() error {
	return r.f.Close()
}

var _ storage.Reader = (*FileReader)(nil)
