package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"pkt.systems/pslog"
)

// FileConfig controls a local file source.
type FileConfig struct {
	Path string
	// MMap maps the whole file read-only instead of issuing pread calls.
	MMap   bool
	Logger pslog.Logger
}

// File reads a local archive with pread.
type File struct {
	f    *os.File
	path string
	size int64
}

// OpenFile opens a local archive. With cfg.MMap set the file is memory-mapped
// where the platform allows it.
func OpenFile(cfg FileConfig) (Local, error) {
	if cfg.Path == "" {
		return nil, errors.New("source: file path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cfg.Path)
		}
		return nil, fmt.Errorf("source: open %s: %w", cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("source: stat %s: %w", cfg.Path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("source: %s is a directory", cfg.Path)
	}
	if cfg.MMap {
		m, err := mapFile(f, cfg.Path, info.Size())
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		logger.Debug("source.file.mapped", "path", cfg.Path, "size", info.Size())
		return m, nil
	}
	if err := adviseRandom(f); err != nil {
		logger.Debug("source.file.fadvise_failed", "path", cfg.Path, "error", err)
	}
	return &File{f: f, path: cfg.Path, size: info.Size()}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *File) Size() int64                             { return f.size }
func (f *File) Name() string                            { return "file:" + f.path }
func (f *File) Path() string                            { return f.path }
func (f *File) Close() error                            { return f.f.Close() }
