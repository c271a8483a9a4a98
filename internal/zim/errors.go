package zim

import "errors"

var (
	// ErrInvalidFormat reports bytes that do not form a well-formed ZIM archive.
	ErrInvalidFormat = errors.New("zim: invalid format")
	// ErrEntryOutOfRange reports an entry index at or beyond the entry count.
	ErrEntryOutOfRange = errors.New("zim: entry index out of range")
	// ErrClusterOutOfRange reports a cluster number at or beyond the cluster count.
	ErrClusterOutOfRange = errors.New("zim: cluster index out of range")
	// ErrBlobOutOfRange reports a blob number the cluster does not hold.
	ErrBlobOutOfRange = errors.New("zim: blob index out of range")
	// ErrUnsupportedCompression reports a cluster compression type this reader cannot decode.
	ErrUnsupportedCompression = errors.New("zim: unsupported compression")
	// ErrChecksumMismatch reports a stored MD5 that differs from the computed one.
	ErrChecksumMismatch = errors.New("zim: checksum mismatch")
	// ErrNoChecksum reports an archive that carries no checksum.
	ErrNoChecksum = errors.New("zim: archive has no checksum")
)
