package source

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zim")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestOpenFileReadAt(t *testing.T) {
	payload := []byte("hello, archive")
	path := writeTemp(t, payload)
	for _, mmap := range []bool{false, true} {
		name := "pread"
		if mmap {
			name = "mmap"
			if runtime.GOOS == "windows" {
				t.Skip("mmap unsupported")
			}
		}
		t.Run(name, func(t *testing.T) {
			src, err := OpenFile(FileConfig{Path: path, MMap: mmap})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer src.Close()
			if src.Size() != int64(len(payload)) {
				t.Fatalf("size = %d, want %d", src.Size(), len(payload))
			}
			if src.Path() != path {
				t.Fatalf("path = %q, want %q", src.Path(), path)
			}
			buf := make([]byte, 7)
			if _, err := src.ReadAt(buf, 7); err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(buf) != "archive" {
				t.Fatalf("got %q", buf)
			}
			n, err := src.ReadAt(buf, int64(len(payload))-3)
			if !errors.Is(err, io.EOF) || n != 3 {
				t.Fatalf("short read n=%d err=%v, want 3 io.EOF", n, err)
			}
		})
	}
}

func TestOpenFileErrors(t *testing.T) {
	if _, err := OpenFile(FileConfig{Path: filepath.Join(t.TempDir(), "missing.zim")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
	if _, err := OpenFile(FileConfig{Path: t.TempDir()}); err == nil {
		t.Fatalf("expected directory error")
	}
	if _, err := OpenFile(FileConfig{}); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestRangedRead(t *testing.T) {
	data := []byte("abcdefgh")
	fetch := func(off, n int64) (io.ReadCloser, error) {
		return io.NopCloser(newSection(data, off, n)), nil
	}
	buf := make([]byte, 4)
	n, err := RangedRead(buf, 6, int64(len(data)), fetch)
	if !errors.Is(err, io.EOF) || string(buf[:n]) != "gh" {
		t.Fatalf("got %q err=%v", buf[:n], err)
	}
	if _, err := RangedRead(buf, 8, int64(len(data)), fetch); !errors.Is(err, io.EOF) {
		t.Fatalf("past end err = %v", err)
	}
	n, err = RangedRead(buf, 0, int64(len(data)), fetch)
	if err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("got %q err=%v", buf[:n], err)
	}
}

func newSection(data []byte, off, n int64) io.Reader {
	return io.NewSectionReader(readerAt(data), off, n)
}

type readerAt []byte

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r)) {
		return 0, io.EOF
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
