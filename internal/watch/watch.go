// Package watch reports changes to the archive file while it is being served.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/logfields"
)

// Change describes one filesystem event on the watched file.
type Change struct {
	Path string
	Op   fsnotify.Op
}

// Config wires a Watcher.
type Config struct {
	Path     string
	Logger   pslog.Logger
	OnChange func(Change)
}

// Watcher watches the parent directory of one file and forwards events that
// name that file. Watching the directory keeps renames and removals visible.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   pslog.Logger
	onChange func(Change)
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New starts watching cfg.Path.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch: path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %q: %w", cfg.Path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch: watch directory %q: %w", dir, err)
	}
	w := &Watcher{
		path:     abs,
		watcher:  fw,
		logger:   logfields.WithSubsystem(cfg.Logger, "archive.watch"),
		onChange: cfg.OnChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Warn("archive.watch.changed",
				"path", w.path,
				"op", ev.Op.String(),
				"hint", "content is served from the handle opened at startup; restart to pick up changes",
			)
			if w.onChange != nil {
				w.onChange(Change{Path: w.path, Op: ev.Op})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("archive.watch.error", "path", w.path, "error", err)
		}
	}
}
