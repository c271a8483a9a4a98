package zim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultMaxClusterSize bounds the decoded size of a single cluster.
	DefaultMaxClusterSize int64 = 512 << 20

	direntWindow    = 512
	maxDirentWindow = 64 << 10
	maxMIMEList     = 64 << 10
	pointerBatch    = 1024
)

// Option customises Open.
type Option func(*options)

type options struct {
	maxClusterSize int64
}

// WithMaxClusterSize bounds the decoded size of a cluster. Clusters that decode
// larger are reported as ErrInvalidFormat.
func WithMaxClusterSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxClusterSize = n
		}
	}
}

// Archive is an open ZIM archive. All methods are safe for concurrent use.
type Archive struct {
	r         io.ReaderAt
	size      int64
	hdr       Header
	mimeTypes []string
	zstd      *zstd.Decoder
	opts      options
}

// Open parses the header, MIME list and pointer table bounds of the archive in
// r. The caller keeps ownership of r and must keep it open while the Archive
// is in use.
func Open(r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	o := options{maxClusterSize: DefaultMaxClusterSize}
	for _, opt := range opts {
		opt(&o)
	}
	head := make([]byte, HeaderSize)
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: header truncated (%d bytes)", ErrInvalidFormat, size)
	}
	if err := readFull(r, head, 0); err != nil {
		return nil, fmt.Errorf("zim: read header: %w", err)
	}
	hdr, err := parseHeader(head)
	if err != nil {
		return nil, err
	}
	if err := hdr.validate(size); err != nil {
		return nil, err
	}
	a := &Archive{r: r, size: size, hdr: hdr, opts: o}
	mimeBuf, err := a.readAtMost(int64(hdr.MIMEListPos), maxMIMEList)
	if err != nil {
		return nil, fmt.Errorf("zim: read mime list: %w", err)
	}
	if a.mimeTypes, err = parseMIMEList(mimeBuf); err != nil {
		return nil, err
	}
	if a.zstd, err = newZstdDecoder(o.maxClusterSize); err != nil {
		return nil, fmt.Errorf("zim: zstd decoder: %w", err)
	}
	return a, nil
}

// Close releases decoder resources. It does not close the underlying reader.
func (a *Archive) Close() error {
	if a.zstd != nil {
		a.zstd.Close()
	}
	return nil
}

// Header returns a copy of the archive header.
func (a *Archive) Header() Header { return a.hdr }

// Size returns the archive size in bytes.
func (a *Archive) Size() int64 { return a.size }

// EntryCount returns the number of directory entries.
func (a *Archive) EntryCount() int { return int(a.hdr.EntryCount) }

// ClusterCount returns the number of clusters.
func (a *Archive) ClusterCount() int { return int(a.hdr.ClusterCount) }

// MIMETypes returns the archive MIME list in index order.
func (a *Archive) MIMETypes() []string {
	return append([]string(nil), a.mimeTypes...)
}

// EntryAt returns the entry at index in URL order.
func (a *Archive) EntryAt(index uint32) (Entry, error) {
	if index >= a.hdr.EntryCount {
		return Entry{}, fmt.Errorf("%w: %d of %d", ErrEntryOutOfRange, index, a.hdr.EntryCount)
	}
	ptr, err := a.readUint64(int64(a.hdr.URLPtrPos) + 8*int64(index))
	if err != nil {
		return Entry{}, fmt.Errorf("zim: url pointer %d: %w", index, err)
	}
	return a.direntAt(index, ptr)
}

// EntryByPath finds the entry whose Path equals path by binary search over
// the URL pointer list. A path without a "<namespace>/" prefix never matches.
func (a *Archive) EntryByPath(path string) (Entry, bool, error) {
	if len(path) < 2 || path[1] != '/' {
		return Entry{}, false, nil
	}
	ns, url := path[0], path[2:]
	lo, hi := uint32(0), a.hdr.EntryCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		e, err := a.EntryAt(mid)
		if err != nil {
			return Entry{}, false, err
		}
		switch c := compareKey(e.Namespace, e.URL, ns, url); {
		case c == 0:
			return e, true, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return Entry{}, false, nil
}

// lowerBound returns the index of the first entry not ordered before (ns, url).
func (a *Archive) lowerBound(ns byte, url string) (uint32, error) {
	lo, hi := uint32(0), a.hdr.EntryCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		e, err := a.EntryAt(mid)
		if err != nil {
			return 0, err
		}
		if compareKey(e.Namespace, e.URL, ns, url) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func compareKey(ans byte, aurl string, bns byte, burl string) int {
	if ans != bns {
		if ans < bns {
			return -1
		}
		return 1
	}
	return strings.Compare(aurl, burl)
}

// Entries yields every entry in URL order. Each call starts a fresh traversal.
// The sequence stops after the first error.
func (a *Archive) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		total := a.hdr.EntryCount
		buf := make([]byte, 8*pointerBatch)
		for start := uint32(0); start < total; start += pointerBatch {
			n := min(uint32(pointerBatch), total-start)
			chunk := buf[:8*n]
			if err := readFull(a.r, chunk, int64(a.hdr.URLPtrPos)+8*int64(start)); err != nil {
				yield(Entry{}, fmt.Errorf("zim: url pointers at %d: %w", start, err))
				return
			}
			for i := range n {
				ptr := binary.LittleEndian.Uint64(chunk[8*i:])
				e, err := a.direntAt(start+i, ptr)
				if err != nil {
					yield(Entry{}, err)
					return
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// MainPage returns the entry the header names as main page.
func (a *Archive) MainPage() (Entry, bool, error) {
	if !a.hdr.HasMainPage() {
		return Entry{}, false, nil
	}
	e, err := a.EntryAt(a.hdr.MainPage)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (a *Archive) direntAt(index uint32, off uint64) (Entry, error) {
	if off < HeaderSize || off >= uint64(a.size) {
		return Entry{}, fmt.Errorf("%w: entry %d at offset %d outside archive", ErrInvalidFormat, index, off)
	}
	window := direntWindow
	for {
		buf, err := a.readAtMost(int64(off), window)
		if err != nil {
			return Entry{}, fmt.Errorf("zim: entry %d: %w", index, err)
		}
		e, err := parseDirent(buf, a.mimeTypes)
		if err == nil {
			e.Index = index
			return e, nil
		}
		if !errors.Is(err, errShortDirent) {
			return Entry{}, fmt.Errorf("zim: entry %d: %w", index, err)
		}
		if len(buf) < window || window >= maxDirentWindow {
			return Entry{}, fmt.Errorf("%w: entry %d truncated", ErrInvalidFormat, index)
		}
		window *= 2
	}
}

// clusterBounds returns the byte range [start, end) occupied by a cluster.
func (a *Archive) clusterBounds(cluster uint32) (int64, int64, error) {
	if cluster >= a.hdr.ClusterCount {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrClusterOutOfRange, cluster, a.hdr.ClusterCount)
	}
	base := int64(a.hdr.ClusterPtrPos) + 8*int64(cluster)
	start, err := a.readUint64(base)
	if err != nil {
		return 0, 0, fmt.Errorf("zim: cluster pointer %d: %w", cluster, err)
	}
	var end uint64
	if cluster+1 < a.hdr.ClusterCount {
		if end, err = a.readUint64(base + 8); err != nil {
			return 0, 0, fmt.Errorf("zim: cluster pointer %d: %w", cluster+1, err)
		}
	} else if a.hdr.ChecksumPos != 0 {
		end = a.hdr.ChecksumPos
	} else {
		end = uint64(a.size)
	}
	if start < HeaderSize || start >= end || end > uint64(a.size) {
		return 0, 0, fmt.Errorf("%w: cluster %d spans [%d,%d)", ErrInvalidFormat, cluster, start, end)
	}
	return int64(start), int64(end), nil
}

// Blob returns a freshly allocated copy of blob inside cluster.
func (a *Archive) Blob(cluster, blob uint32) ([]byte, error) {
	start, end, err := a.clusterBounds(cluster)
	if err != nil {
		return nil, err
	}
	var info [1]byte
	if err := readFull(a.r, info[:], start); err != nil {
		return nil, fmt.Errorf("zim: cluster %d info: %w", cluster, err)
	}
	ci := parseClusterInfo(info[0])
	if !ci.compression.Compressed() {
		return a.rawBlob(cluster, ci, start+1, end, blob)
	}
	if end-start-1 > a.opts.maxClusterSize {
		return nil, fmt.Errorf("%w: cluster %d is %d bytes", ErrInvalidFormat, cluster, end-start-1)
	}
	raw := make([]byte, end-start-1)
	if err := readFull(a.r, raw, start+1); err != nil {
		return nil, fmt.Errorf("zim: cluster %d: %w", cluster, err)
	}
	body, err := a.decompress(ci.compression, raw)
	if err != nil {
		return nil, fmt.Errorf("cluster %d: %w", cluster, err)
	}
	return blobFromBody(body, ci, blob)
}

// rawBlob reads an uncompressed blob with three small reads instead of the
// whole cluster.
func (a *Archive) rawBlob(cluster uint32, ci clusterInfo, bodyStart, bodyEnd int64, blob uint32) ([]byte, error) {
	size := int64(ci.offsetSize())
	bodyLen := bodyEnd - bodyStart
	readOff := func(i int64) (int64, error) {
		if (i+1)*size > bodyLen {
			return 0, fmt.Errorf("%w: cluster %d offset table truncated", ErrInvalidFormat, cluster)
		}
		var b [8]byte
		if err := readFull(a.r, b[:size], bodyStart+i*size); err != nil {
			return 0, fmt.Errorf("zim: cluster %d offsets: %w", cluster, err)
		}
		if ci.extended {
			v := binary.LittleEndian.Uint64(b[:])
			if v > uint64(bodyLen) {
				return 0, fmt.Errorf("%w: cluster %d offset %d", ErrInvalidFormat, cluster, v)
			}
			return int64(v), nil
		}
		return int64(binary.LittleEndian.Uint32(b[:4])), nil
	}
	first, err := readOff(0)
	if err != nil {
		return nil, err
	}
	if first < size || first%size != 0 || first > bodyLen {
		return nil, fmt.Errorf("%w: cluster %d first offset %d", ErrInvalidFormat, cluster, first)
	}
	if count := first/size - 1; int64(blob) >= count {
		return nil, fmt.Errorf("%w: blob %d of %d in cluster %d", ErrBlobOutOfRange, blob, count, cluster)
	}
	from, err := readOff(int64(blob))
	if err != nil {
		return nil, err
	}
	to, err := readOff(int64(blob) + 1)
	if err != nil {
		return nil, err
	}
	if from > to || to > bodyLen {
		return nil, fmt.Errorf("%w: cluster %d blob %d spans [%d,%d)", ErrInvalidFormat, cluster, blob, from, to)
	}
	out := make([]byte, to-from)
	if err := readFull(a.r, out, bodyStart+from); err != nil {
		return nil, fmt.Errorf("zim: cluster %d blob %d: %w", cluster, blob, err)
	}
	return out, nil
}

// ClusterCompression reports the compression type of a cluster.
func (a *Archive) ClusterCompression(cluster uint32) (Compression, bool, error) {
	start, _, err := a.clusterBounds(cluster)
	if err != nil {
		return 0, false, err
	}
	var info [1]byte
	if err := readFull(a.r, info[:], start); err != nil {
		return 0, false, fmt.Errorf("zim: cluster %d info: %w", cluster, err)
	}
	ci := parseClusterInfo(info[0])
	return ci.compression, ci.extended, nil
}

func (a *Archive) readUint64(off int64) (uint64, error) {
	var b [8]byte
	if err := readFull(a.r, b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// readAtMost reads up to n bytes at off, clamped to the archive size.
func (a *Archive) readAtMost(off int64, n int) ([]byte, error) {
	if off >= a.size {
		return nil, io.ErrUnexpectedEOF
	}
	if rem := a.size - off; int64(n) > rem {
		n = int(rem)
	}
	buf := make([]byte, n)
	if err := readFull(a.r, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFull fills p from r at off. io.ReaderAt may return io.EOF with a full read.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
