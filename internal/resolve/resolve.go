// Package resolve maps request paths to archive content.
//
// A path names an entry by its "<namespace>/<url>" string. Redirect entries
// are followed inside the archive up to a hop bound; the resolver never asks
// the client to follow anything. Link targets and deleted entries carry no
// content and resolve as not found.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/logfields"
	"pkt.systems/zimd/internal/zim"
)

// DefaultMaxRedirects bounds redirect chains.
const DefaultMaxRedirects = 16

var (
	// ErrNotFound means no content is reachable at the path.
	ErrNotFound = errors.New("resolve: not found")
	// ErrRedirectLoop means a redirect chain cycled or exceeded the hop bound.
	// It always wraps ErrNotFound.
	ErrRedirectLoop = fmt.Errorf("%w: redirect loop", ErrNotFound)
	// ErrRetrieval means the entry exists but its content could not be read.
	ErrRetrieval = errors.New("resolve: retrieval failed")
)

// Archive is the accessor contract the resolver consumes.
type Archive interface {
	EntryCount() int
	Entries() iter.Seq2[zim.Entry, error]
	Blob(cluster, blob uint32) ([]byte, error)
}

// Indexed archives answer lookups without a full enumeration.
type Indexed interface {
	EntryByPath(path string) (zim.Entry, bool, error)
	EntryAt(index uint32) (zim.Entry, error)
}

// Config tunes a Resolver.
type Config struct {
	// MaxRedirects bounds redirect hops. Zero uses DefaultMaxRedirects.
	MaxRedirects int
	Logger       pslog.Logger
}

// Content is a resolved content block.
type Content struct {
	// Entry is the terminal content entry, after redirects.
	Entry zim.Entry
	Data  []byte
	// Hops counts redirects followed.
	Hops int
}

// Resolver is immutable after New and safe for concurrent use.
type Resolver struct {
	archive      Archive
	index        Indexed
	maxRedirects int
	logger       pslog.Logger
}

// New builds a resolver over archive. Archives without direct lookup are
// enumerated once into an in-memory index.
func New(archive Archive, cfg Config) (*Resolver, error) {
	if archive == nil {
		return nil, errors.New("resolve: archive is required")
	}
	if cfg.MaxRedirects < 0 {
		return nil, fmt.Errorf("resolve: max redirects must be >= 0 (got %d)", cfg.MaxRedirects)
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	logger := logfields.WithSubsystem(cfg.Logger, "archive.resolve")
	r := &Resolver{archive: archive, maxRedirects: cfg.MaxRedirects, logger: logger}
	if idx, ok := archive.(Indexed); ok {
		r.index = idx
		return r, nil
	}
	idx, err := buildMemIndex(archive)
	if err != nil {
		return nil, err
	}
	logger.Debug("archive.resolve.indexed", "entries", len(idx.entries))
	r.index = idx
	return r, nil
}

// MaxRedirects reports the configured hop bound.
func (r *Resolver) MaxRedirects() int { return r.maxRedirects }

// Lookup resolves path to its terminal content entry without reading data.
// It returns the number of redirects followed.
func (r *Resolver) Lookup(ctx context.Context, path string) (zim.Entry, int, error) {
	e, ok, err := r.index.EntryByPath(path)
	if err != nil {
		return zim.Entry{}, 0, fmt.Errorf("%w: lookup %q: %w", ErrRetrieval, path, err)
	}
	if !ok {
		return zim.Entry{}, 0, ErrNotFound
	}
	seen := map[uint32]struct{}{e.Index: {}}
	hops := 0
	for e.Kind == zim.KindRedirect {
		if hops == r.maxRedirects {
			r.loggerFor(ctx).Debug("archive.resolve.redirect_limit", "path", path, "hops", hops)
			return zim.Entry{}, hops, ErrRedirectLoop
		}
		next, err := r.index.EntryAt(e.RedirectIndex)
		if err != nil {
			if errors.Is(err, zim.ErrEntryOutOfRange) {
				r.loggerFor(ctx).Debug("archive.resolve.redirect_dangling", "path", path, "from", e.Path(), "index", e.RedirectIndex)
				return zim.Entry{}, hops, ErrNotFound
			}
			return zim.Entry{}, hops, fmt.Errorf("%w: redirect from %s: %w", ErrRetrieval, e.Path(), err)
		}
		if _, dup := seen[next.Index]; dup {
			r.loggerFor(ctx).Debug("archive.resolve.redirect_cycle", "path", path, "at", next.Path())
			return zim.Entry{}, hops, ErrRedirectLoop
		}
		seen[next.Index] = struct{}{}
		e = next
		hops++
	}
	if e.Kind != zim.KindContent {
		return zim.Entry{}, hops, ErrNotFound
	}
	return e, hops, nil
}

// Resolve returns the content block path refers to.
func (r *Resolver) Resolve(ctx context.Context, path string) (Content, error) {
	e, hops, err := r.Lookup(ctx, path)
	if err != nil {
		return Content{}, err
	}
	data, err := r.archive.Blob(e.Cluster, e.Blob)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %s (cluster %d blob %d): %w", ErrRetrieval, e.Path(), e.Cluster, e.Blob, err)
	}
	return Content{Entry: e, Data: data, Hops: hops}, nil
}

func (r *Resolver) loggerFor(ctx context.Context) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return r.logger
}

// memIndex serves lookups for archives that only offer enumeration.
type memIndex struct {
	entries []zim.Entry
	byPath  map[string]uint32
}

func buildMemIndex(archive Archive) (*memIndex, error) {
	n := archive.EntryCount()
	idx := &memIndex{
		entries: make([]zim.Entry, 0, n),
		byPath:  make(map[string]uint32, n),
	}
	for e, err := range archive.Entries() {
		if err != nil {
			return nil, fmt.Errorf("resolve: enumerate entries: %w", err)
		}
		e.Index = uint32(len(idx.entries))
		// First entry with a given path wins.
		if _, dup := idx.byPath[e.Path()]; !dup {
			idx.byPath[e.Path()] = e.Index
		}
		idx.entries = append(idx.entries, e)
	}
	return idx, nil
}

func (m *memIndex) EntryByPath(path string) (zim.Entry, bool, error) {
	i, ok := m.byPath[path]
	if !ok {
		return zim.Entry{}, false, nil
	}
	return m.entries[i], true, nil
}

func (m *memIndex) EntryAt(index uint32) (zim.Entry, error) {
	if int(index) >= len(m.entries) {
		return zim.Entry{}, fmt.Errorf("%w: %d of %d", zim.ErrEntryOutOfRange, index, len(m.entries))
	}
	return m.entries[index], nil
}
