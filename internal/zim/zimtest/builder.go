// Package zimtest writes small, valid ZIM archives for tests.
package zimtest

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"pkt.systems/zimd/internal/zim"
)

type item struct {
	ns       byte
	url      string
	title    string
	mime     string
	data     []byte
	kind     zim.Kind
	targetNS byte
	target   string
	rawIndex *uint32
}

// Builder assembles an archive in memory. The zero value writes uncompressed
// 32-bit clusters holding up to 4 blobs each.
type Builder struct {
	Compression     zim.Compression
	Extended        bool
	BlobsPerCluster int
	UUID            [16]byte
	items           []item
	mainNS          byte
	mainURL         string
}

// New returns a Builder using compression c.
func New(c zim.Compression) *Builder {
	return &Builder{Compression: c}
}

// Add adds a content entry.
func (b *Builder) Add(ns byte, url, title, mime string, data []byte) *Builder {
	b.items = append(b.items, item{ns: ns, url: url, title: title, mime: mime, data: data, kind: zim.KindContent})
	return b
}

// AddRedirect adds a redirect entry pointing at targetNS/target.
func (b *Builder) AddRedirect(ns byte, url string, targetNS byte, target string) *Builder {
	b.items = append(b.items, item{ns: ns, url: url, kind: zim.KindRedirect, targetNS: targetNS, target: target})
	return b
}

// AddRawRedirect adds a redirect carrying index verbatim, valid or not.
func (b *Builder) AddRawRedirect(ns byte, url string, index uint32) *Builder {
	b.items = append(b.items, item{ns: ns, url: url, kind: zim.KindRedirect, rawIndex: &index})
	return b
}

// AddLinkTarget adds an entry without content.
func (b *Builder) AddLinkTarget(ns byte, url string) *Builder {
	b.items = append(b.items, item{ns: ns, url: url, kind: zim.KindLinkTarget})
	return b
}

// AddMetadata adds an M namespace entry.
func (b *Builder) AddMetadata(key, value string) *Builder {
	return b.Add(zim.MetadataNamespace, key, "", "text/plain", []byte(value))
}

// SetMainPage names the main page entry.
func (b *Builder) SetMainPage(ns byte, url string) *Builder {
	b.mainNS, b.mainURL = ns, url
	return b
}

// Build encodes the archive.
func (b *Builder) Build() ([]byte, error) {
	items := append([]item(nil), b.items...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ns != items[j].ns {
			return items[i].ns < items[j].ns
		}
		return items[i].url < items[j].url
	})
	index := make(map[string]uint32, len(items))
	for i, it := range items {
		key := string(it.ns) + "/" + it.url
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("zimtest: duplicate entry %s", key)
		}
		index[key] = uint32(i)
	}

	var mimeTypes []string
	mimeIndex := map[string]uint16{}
	for _, it := range items {
		if it.kind != zim.KindContent {
			continue
		}
		if _, ok := mimeIndex[it.mime]; !ok {
			mimeIndex[it.mime] = uint16(len(mimeTypes))
			mimeTypes = append(mimeTypes, it.mime)
		}
	}

	perCluster := b.BlobsPerCluster
	if perCluster <= 0 {
		perCluster = 4
	}
	var clusters [][][]byte
	loc := make([][2]uint32, len(items))
	for i, it := range items {
		if it.kind != zim.KindContent {
			continue
		}
		if len(clusters) == 0 || len(clusters[len(clusters)-1]) == perCluster {
			clusters = append(clusters, nil)
		}
		c := len(clusters) - 1
		loc[i] = [2]uint32{uint32(c), uint32(len(clusters[c]))}
		clusters[c] = append(clusters[c], it.data)
	}

	var dirents [][]byte
	le := binary.LittleEndian
	for i, it := range items {
		var d []byte
		switch it.kind {
		case zim.KindContent:
			d = le.AppendUint16(d, mimeIndex[it.mime])
			d = append(d, 0, it.ns)
			d = le.AppendUint32(d, 0)
			d = le.AppendUint32(d, loc[i][0])
			d = le.AppendUint32(d, loc[i][1])
		case zim.KindRedirect:
			target := uint32(0)
			if it.rawIndex != nil {
				target = *it.rawIndex
			} else {
				t, ok := index[string(it.targetNS)+"/"+it.target]
				if !ok {
					return nil, fmt.Errorf("zimtest: redirect %c/%s to missing %c/%s", it.ns, it.url, it.targetNS, it.target)
				}
				target = t
			}
			d = le.AppendUint16(d, 0xffff)
			d = append(d, 0, it.ns)
			d = le.AppendUint32(d, 0)
			d = le.AppendUint32(d, target)
		default:
			d = le.AppendUint16(d, 0xfffe)
			d = append(d, 0, it.ns)
			d = le.AppendUint32(d, 0)
		}
		d = append(d, it.url...)
		d = append(d, 0)
		d = append(d, it.title...)
		d = append(d, 0)
		dirents = append(dirents, d)
	}

	encoded := make([][]byte, len(clusters))
	for i, blobs := range clusters {
		body, err := b.encodeCluster(blobs)
		if err != nil {
			return nil, err
		}
		encoded[i] = body
	}

	var mimeList []byte
	for _, m := range mimeTypes {
		mimeList = append(mimeList, m...)
		mimeList = append(mimeList, 0)
	}
	mimeList = append(mimeList, 0)

	n := uint64(len(items))
	mimePos := uint64(zim.HeaderSize)
	urlPtrPos := mimePos + uint64(len(mimeList))
	titlePtrPos := urlPtrPos + 8*n
	direntPos := titlePtrPos + 4*n
	pos := direntPos
	direntOffsets := make([]uint64, len(dirents))
	for i, d := range dirents {
		direntOffsets[i] = pos
		pos += uint64(len(d))
	}
	clusterPtrPos := pos
	pos += 8 * uint64(len(encoded))
	clusterOffsets := make([]uint64, len(encoded))
	for i, c := range encoded {
		clusterOffsets[i] = pos
		pos += uint64(len(c))
	}
	checksumPos := pos

	mainPage := zim.NoPage
	if b.mainURL != "" {
		m, ok := index[string(b.mainNS)+"/"+b.mainURL]
		if !ok {
			return nil, fmt.Errorf("zimtest: main page %c/%s missing", b.mainNS, b.mainURL)
		}
		mainPage = m
	}

	out := make([]byte, 0, checksumPos+md5.Size)
	out = le.AppendUint32(out, zim.Magic)
	out = le.AppendUint16(out, 6)
	out = le.AppendUint16(out, 1)
	out = append(out, b.UUID[:]...)
	out = le.AppendUint32(out, uint32(n))
	out = le.AppendUint32(out, uint32(len(encoded)))
	out = le.AppendUint64(out, urlPtrPos)
	out = le.AppendUint64(out, titlePtrPos)
	out = le.AppendUint64(out, clusterPtrPos)
	out = le.AppendUint64(out, mimePos)
	out = le.AppendUint32(out, mainPage)
	out = le.AppendUint32(out, zim.NoPage)
	out = le.AppendUint64(out, checksumPos)
	out = append(out, mimeList...)
	for _, off := range direntOffsets {
		out = le.AppendUint64(out, off)
	}
	for i := range items {
		out = le.AppendUint32(out, uint32(i))
	}
	for _, d := range dirents {
		out = append(out, d...)
	}
	for _, off := range clusterOffsets {
		out = le.AppendUint64(out, off)
	}
	for _, c := range encoded {
		out = append(out, c...)
	}
	sum := md5.Sum(out)
	return append(out, sum[:]...), nil
}

func (b *Builder) encodeCluster(blobs [][]byte) ([]byte, error) {
	width := 4
	if b.Extended {
		width = 8
	}
	var body []byte
	off := uint64(width * (len(blobs) + 1))
	le := binary.LittleEndian
	for i := 0; i <= len(blobs); i++ {
		if b.Extended {
			body = le.AppendUint64(body, off)
		} else {
			body = le.AppendUint32(body, uint32(off))
		}
		if i < len(blobs) {
			off += uint64(len(blobs[i]))
		}
	}
	for _, blob := range blobs {
		body = append(body, blob...)
	}

	info := byte(b.Compression)
	if info == 0 {
		info = byte(zim.CompressionNone)
	}
	if b.Extended {
		info |= 0x10
	}
	var packed []byte
	switch b.Compression {
	case zim.CompressionDefault, zim.CompressionNone:
		packed = body
	case zim.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		packed = enc.EncodeAll(body, nil)
		enc.Close()
	case zim.CompressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		packed = buf.Bytes()
	case zim.CompressionZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		packed = buf.Bytes()
	default:
		return nil, fmt.Errorf("zimtest: cannot write %s clusters", b.Compression)
	}
	return append([]byte{info}, packed...), nil
}

// MustBuild is Build for tests.
func (b *Builder) MustBuild(t testing.TB) []byte {
	t.Helper()
	data, err := b.Build()
	if err != nil {
		t.Fatalf("build archive: %v", err)
	}
	return data
}

// WriteFile builds the archive into dir and returns its path.
func (b *Builder) WriteFile(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "test.zim")
	if err := os.WriteFile(path, b.MustBuild(t), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

// Open builds the archive and opens it from memory.
func (b *Builder) Open(t testing.TB) *zim.Archive {
	t.Helper()
	data := b.MustBuild(t)
	a, err := zim.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// Sample returns a builder holding a small wiki-like archive: two articles, a
// redirect to the first, a stylesheet, an image and metadata.
func Sample(c zim.Compression) *Builder {
	return New(c).
		Add('A', "Main_Page", "Main Page", "text/html", []byte("<html><body>main</body></html>")).
		Add('A', "Go", "Go (programming language)", "text/html", []byte("<html><body>go</body></html>")).
		AddRedirect('A', "Golang", 'A', "Go").
		Add('-', "style.css", "", "text/css", []byte("body{margin:0}")).
		Add('I', "logo.png", "", "image/png", []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}).
		AddMetadata("Title", "Sample").
		AddMetadata("Language", "eng").
		SetMainPage('A', "Main_Page")
}
