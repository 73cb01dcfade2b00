// Package backend abstracts the local storage a device replicates. The
// engine only needs the flat primitives below; everything else (request
// queues, ordering, acknowledgements) lives above it.
package backend

import "github.com/pkg/errors"

// ErrNotSupported is returned by backends that cannot service flushes,
// discards or zero-out requests; the caller degrades its write-ordering
// mode in response.
var ErrNotSupported = errors.New("operation not supported by backend")

// Backend is the local block store a device submits peer writes to.
type Backend interface {
	// ReadAt fills p from the byte offset off.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt stores p at the byte offset off.
	WriteAt(p []byte, off int64) (int, error)
	// Flush forces all completed writes to stable storage.
	Flush() error
	// Discard releases the byte range; contents become undefined.
	Discard(off, length int64) error
	// ZeroOut writes zeros over the byte range.
	ZeroOut(off, length int64) error
	// Size returns the capacity in bytes.
	Size() (int64, error)
	// Close releases the backend.
	Close() error
}
