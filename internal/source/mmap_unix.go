//go:build linux || darwin || freebsd || netbsd || openbsd

package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Mapped serves reads from a read-only shared mapping of the file.
type Mapped struct {
	data []byte
	path string
	once sync.Once
}

func mapFile(f *os.File, path string, size int64) (*Mapped, error) {
	if size <= 0 {
		return nil, fmt.Errorf("source: cannot map empty file %s", path)
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("source: %s too large to map", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("source: mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return &Mapped{data: data, path: path}, nil
}

func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, errors.New("source: mapping closed")
	}
	if off < 0 {
		return 0, errors.New("source: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Mapped) Size() int64  { return int64(len(m.data)) }
func (m *Mapped) Name() string { return "mmap:" + m.path }
func (m *Mapped) Path() string { return m.path }

// Close unmaps the file. Reads after Close fail.
func (m *Mapped) Close() error {
	var err error
	m.once.Do(func() {
		err = unix.Munmap(m.data)
		m.data = nil
	})
	return err
}
