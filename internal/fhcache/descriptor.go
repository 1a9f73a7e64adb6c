package fhcache

import (
	"fmt"
	"os"
)

// Descriptor wraps an open file with positional reads so that concurrent
// listeners sharing one handle never race over a single file offset; each
// read is independent, as required by the ordering guarantees for
// cross-listener access to the same handle.
type Descriptor struct {
	f    *os.File
	size int64
}

// OpenDescriptor opens path for positional reads and stats its size.
func OpenDescriptor(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fhcache: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fhcache: stating %s: %w", path, err)
	}

	return &Descriptor{f: f, size: info.Size()}, nil
}

// ReadAt performs a positional read, leaving the shared file offset
// untouched.
func (d *Descriptor) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// Size returns the file size observed at open time.
func (d *Descriptor) Size() int64 {
	return d.size
}

// Close closes the underlying file. Safe to call once the handle's
// refcount has reached zero and it is being destroyed.
func (d *Descriptor) Close() error {
	return d.f.Close()
}
