package backend

import (
	"io"
	"sync"
)

// MemBackend is an in-memory Backend used by tests and by volumes too
// small to bother with a file.
type MemBackend struct {
	mu       sync.RWMutex
	data     []byte
	flushes  int
	failNext error
	noFlush  bool
}

// NewMemBackend creates a memory backend of the given capacity.
func NewMemBackend(capacity int64) *MemBackend {
	return &MemBackend{data: make([]byte, capacity)}
}

// SetFlushUnsupported makes subsequent Flush calls report
// ErrNotSupported, exercising write-ordering degradation.
func (b *MemBackend) SetFlushUnsupported() {
	b.mu.Lock()
	b.noFlush = true
	b.mu.Unlock()
}

// FailNext arranges for the next write to return err once.
func (b *MemBackend) FailNext(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// Flushes returns the number of Flush calls served.
func (b *MemBackend) Flushes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.flushes
}

// ReadAt implements Backend.
func (b *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// WriteAt implements Backend.
func (b *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return 0, err
	}
	if off+int64(len(p)) > int64(len(b.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(b.data[off:], p), nil
}

// Flush implements Backend.
func (b *MemBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noFlush {
		return ErrNotSupported
	}
	b.flushes++
	return nil
}

// Discard implements Backend.
func (b *MemBackend) Discard(off, length int64) error {
	return b.ZeroOut(off, length)
}

// ZeroOut implements Backend.
func (b *MemBackend) ZeroOut(off, length int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off+length > int64(len(b.data)) {
		return io.ErrShortWrite
	}
	for i := off; i < off+length; i++ {
		b.data[i] = 0
	}
	return nil
}

// Size implements Backend.
func (b *MemBackend) Size() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data)), nil
}

// Close implements Backend.
func (b *MemBackend) Close() error { return nil }

// Bytes returns a copy of the backing contents.
func (b *MemBackend) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
