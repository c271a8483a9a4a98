package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWatcherReportsChangesToTheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiki.zim")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := make(chan Change, 16)
	w, err := New(Config{Path: path, OnChange: func(c Change) { changes <- c }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	// A sibling file must not be reported.
	if err := os.WriteFile(filepath.Join(dir, "other.zim"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-changes:
		if c.Path != w.Path() {
			t.Fatalf("change path = %q, want %q", c.Path, w.Path())
		}
		if !c.Op.Has(fsnotify.Write) && !c.Op.Has(fsnotify.Create) {
			t.Fatalf("op = %v, want write or create", c.Op)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change reported")
	}
}

func TestWatcherReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiki.zim")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := make(chan Change, 16)
	w, err := New(Config{Path: path, OnChange: func(c Change) { changes <- c }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Op.Has(fsnotify.Remove) {
				return
			}
		case <-deadline:
			t.Fatalf("removal not reported")
		}
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zim")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	if _, err := New(Config{Path: filepath.Join(t.TempDir(), "missing", "a.zim")}); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
