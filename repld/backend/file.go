package backend

import (
	"os"

	"github.com/pkg/errors"
)

// FileBackend implements Backend over a regular file or a block special
// file.
type FileBackend struct {
	f        *os.File
	noFlush  bool
	capacity int64
}

// NewFileBackend opens path as backing storage. A zero capacity uses
// the current file size.
func NewFileBackend(path string, capacity int64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "could not open backing file")
	}
	if capacity > 0 {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "could not size backing file")
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		capacity = st.Size()
	}
	return &FileBackend{f: f, capacity: capacity}, nil
}

// ReadAt implements Backend.
func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

// WriteAt implements Backend.
func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

// Flush implements Backend.
func (b *FileBackend) Flush() error {
	if b.noFlush {
		return ErrNotSupported
	}
	return b.f.Sync()
}

// Discard implements Backend. Regular files have no discard primitive;
// the range is zeroed instead so reads stay deterministic.
func (b *FileBackend) Discard(off, length int64) error {
	return b.ZeroOut(off, length)
}

// ZeroOut implements Backend.
func (b *FileBackend) ZeroOut(off, length int64) error {
	const chunk = 1 << 20
	zeros := make([]byte, chunk)
	for length > 0 {
		n := int64(chunk)
		if n > length {
			n = length
		}
		if _, err := b.f.WriteAt(zeros[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Size implements Backend.
func (b *FileBackend) Size() (int64, error) {
	return b.capacity, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return b.f.Close()
}
