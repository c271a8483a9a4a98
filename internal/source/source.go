// Package source opens random-access byte sources for archives.
//
// Every Source is safe for concurrent ReadAt calls. Object store sources
// issue one ranged GET per call and hold no read state between calls.
package source

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrUnsupportedScheme reports an archive location with an unknown URL scheme.
	ErrUnsupportedScheme = errors.New("source: unsupported scheme")
	// ErrNotFound reports a missing file or object.
	ErrNotFound = errors.New("source: archive not found")
)

// DefaultReadTimeout bounds each ranged read against a remote source.
const DefaultReadTimeout = 30 * time.Second

// Source is a sized, closable io.ReaderAt.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size returns the total length in bytes.
	Size() int64
	// Name describes the source for logs, without credentials.
	Name() string
}

// Local is implemented by sources backed by a file on this host.
type Local interface {
	Source
	Path() string
}

// clampRead trims a read of n bytes at off to a source of size bytes. It
// returns io.EOF when nothing is readable.
func clampRead(off int64, n int, size int64) (int, error) {
	if off < 0 {
		return 0, errors.New("source: negative offset")
	}
	if off >= size {
		return 0, io.EOF
	}
	if rem := size - off; int64(n) > rem {
		return int(rem), nil
	}
	return n, nil
}

// RangedRead adapts a ranged fetch into io.ReaderAt semantics: it reads
// len(p) bytes at off, clamps to size and reports io.EOF on short reads.
func RangedRead(p []byte, off, size int64, fetch func(off, n int64) (io.ReadCloser, error)) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := clampRead(off, len(p), size)
	if err != nil {
		return 0, err
	}
	body, err := fetch(off, int64(n))
	if err != nil {
		return 0, err
	}
	defer body.Close()
	got, err := io.ReadFull(body, p[:n])
	if err != nil {
		return got, err
	}
	if n < len(p) {
		return got, io.EOF
	}
	return got, nil
}
