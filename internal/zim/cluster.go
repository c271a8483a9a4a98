package zim

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression is the low nibble of a cluster info byte.
type Compression uint8

const (
	CompressionDefault Compression = 0
	CompressionNone    Compression = 1
	CompressionZlib    Compression = 2
	CompressionBzip2   Compression = 3
	CompressionXZ      Compression = 4
	CompressionZstd    Compression = 5
)

const extendedClusterFlag = 0x10

func (c Compression) String() string {
	switch c {
	case CompressionDefault, CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXZ:
		return "xz"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Compressed reports whether cluster data needs a decoder.
func (c Compression) Compressed() bool {
	return c != CompressionDefault && c != CompressionNone
}

// clusterInfo is the decoded cluster info byte.
type clusterInfo struct {
	compression Compression
	extended    bool
}

func parseClusterInfo(b byte) clusterInfo {
	return clusterInfo{
		compression: Compression(b & 0x0f),
		extended:    b&extendedClusterFlag != 0,
	}
}

func (ci clusterInfo) offsetSize() int {
	if ci.extended {
		return 8
	}
	return 4
}

// decompress returns the decoded cluster body, bounded by the max cluster size.
func (a *Archive) decompress(c Compression, data []byte) ([]byte, error) {
	var r io.Reader
	switch c {
	case CompressionDefault, CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := a.zstd.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd cluster: %v", ErrInvalidFormat, err)
		}
		if int64(len(out)) > a.opts.maxClusterSize {
			return nil, fmt.Errorf("%w: cluster exceeds %d bytes", ErrInvalidFormat, a.opts.maxClusterSize)
		}
		return out, nil
	case CompressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: xz cluster: %v", ErrInvalidFormat, err)
		}
		r = xr
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib cluster: %v", ErrInvalidFormat, err)
		}
		defer zr.Close()
		r = zr
	case CompressionBzip2:
		r = bzip2.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCompression, uint8(c))
	}
	out, err := io.ReadAll(io.LimitReader(r, a.opts.maxClusterSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s cluster: %v", ErrInvalidFormat, c, err)
	}
	if int64(len(out)) > a.opts.maxClusterSize {
		return nil, fmt.Errorf("%w: cluster exceeds %d bytes", ErrInvalidFormat, a.opts.maxClusterSize)
	}
	return out, nil
}

// blobFromBody extracts blob from a decoded cluster body (offset table + data).
func blobFromBody(body []byte, ci clusterInfo, blob uint32) ([]byte, error) {
	size := ci.offsetSize()
	off := func(i uint64) (uint64, error) {
		pos := i * uint64(size)
		if pos+uint64(size) > uint64(len(body)) {
			return 0, fmt.Errorf("%w: blob offset table truncated", ErrInvalidFormat)
		}
		if ci.extended {
			return binary.LittleEndian.Uint64(body[pos:]), nil
		}
		return uint64(binary.LittleEndian.Uint32(body[pos:])), nil
	}
	first, err := off(0)
	if err != nil {
		return nil, err
	}
	if first < uint64(size) || first%uint64(size) != 0 || first > uint64(len(body)) {
		return nil, fmt.Errorf("%w: first blob offset %d", ErrInvalidFormat, first)
	}
	count := first/uint64(size) - 1
	if uint64(blob) >= count {
		return nil, fmt.Errorf("%w: blob %d of %d", ErrBlobOutOfRange, blob, count)
	}
	start, err := off(uint64(blob))
	if err != nil {
		return nil, err
	}
	end, err := off(uint64(blob) + 1)
	if err != nil {
		return nil, err
	}
	if start > end || end > uint64(len(body)) {
		return nil, fmt.Errorf("%w: blob %d spans [%d,%d) of %d bytes", ErrInvalidFormat, blob, start, end, len(body))
	}
	return bytes.Clone(body[start:end]), nil
}

// newZstdDecoder builds the shared decoder. DecodeAll on it is safe for concurrent use.
func newZstdDecoder(maxSize int64) (*zstd.Decoder, error) {
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
}
