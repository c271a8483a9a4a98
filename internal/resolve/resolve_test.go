package resolve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"

	"pkt.systems/zimd/internal/zim"
	"pkt.systems/zimd/internal/zim/zimtest"
)

// enumOnly hides the direct lookup methods so the resolver builds its own index.
type enumOnly struct{ a *zim.Archive }

func (e enumOnly) EntryCount() int                          { return e.a.EntryCount() }
func (e enumOnly) Entries() iter.Seq2[zim.Entry, error]     { return e.a.Entries() }
func (e enumOnly) Blob(cluster, blob uint32) ([]byte, error) { return e.a.Blob(cluster, blob) }

type failingBlobs struct{ enumOnly }

var errDisk = errors.New("disk on fire")

func (failingBlobs) Blob(uint32, uint32) ([]byte, error) { return nil, errDisk }

func chainArchive(t *testing.T) *zim.Archive {
	t.Helper()
	return zimtest.New(zim.CompressionZstd).
		Add('A', "Target", "Target", "text/html", []byte("terminal")).
		AddRedirect('A', "Hop1", 'A', "Target").
		AddRedirect('A', "Hop2", 'A', "Hop1").
		AddRedirect('A', "Hop3", 'A', "Hop2").
		AddRedirect('A', "LoopA", 'A', "LoopB").
		AddRedirect('A', "LoopB", 'A', "LoopA").
		AddRedirect('A', "Self", 'A', "Self").
		AddRawRedirect('A', "Dangling", 9999).
		AddLinkTarget('A', "Anchor").
		AddRedirect('A', "ToAnchor", 'A', "Anchor").
		Open(t)
}

func TestResolve(t *testing.T) {
	a := chainArchive(t)
	backends := map[string]Archive{
		"indexed":   a,
		"enumerate": enumOnly{a},
	}
	cases := []struct {
		path     string
		data     string
		hops     int
		err      error
		loopErr  bool
		maxHops  int
		terminal string
	}{
		{path: "A/Target", data: "terminal", terminal: "A/Target"},
		{path: "A/Hop1", data: "terminal", hops: 1, terminal: "A/Target"},
		{path: "A/Hop3", data: "terminal", hops: 3, terminal: "A/Target"},
		{path: "A/Hop3", err: ErrNotFound, loopErr: true, maxHops: 2},
		{path: "A/LoopA", err: ErrNotFound, loopErr: true},
		{path: "A/Self", err: ErrNotFound, loopErr: true},
		{path: "A/Dangling", err: ErrNotFound},
		{path: "A/Anchor", err: ErrNotFound},
		{path: "A/ToAnchor", err: ErrNotFound},
		{path: "A/Missing", err: ErrNotFound},
		{path: "Target", err: ErrNotFound},
		{path: "", err: ErrNotFound},
	}
	for name, backend := range backends {
		for _, tc := range cases {
			t.Run(name+"/"+tc.path, func(t *testing.T) {
				r, err := New(backend, Config{MaxRedirects: tc.maxHops})
				if err != nil {
					t.Fatalf("new resolver: %v", err)
				}
				got, err := r.Resolve(context.Background(), tc.path)
				if tc.err != nil {
					if !errors.Is(err, tc.err) {
						t.Fatalf("err = %v, want %v", err, tc.err)
					}
					if got := errors.Is(err, ErrRedirectLoop); got != tc.loopErr {
						t.Fatalf("redirect loop = %v, want %v (err %v)", got, tc.loopErr, err)
					}
					return
				}
				if err != nil {
					t.Fatalf("resolve: %v", err)
				}
				if string(got.Data) != tc.data || got.Hops != tc.hops || got.Entry.Path() != tc.terminal {
					t.Fatalf("got data=%q hops=%d entry=%s, want %q %d %s", got.Data, got.Hops, got.Entry.Path(), tc.data, tc.hops, tc.terminal)
				}
			})
		}
	}
}

func TestResolveRetrievalFailure(t *testing.T) {
	a := chainArchive(t)
	r, err := New(failingBlobs{enumOnly{a}}, Config{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	_, err = r.Resolve(context.Background(), "A/Hop1")
	if !errors.Is(err, ErrRetrieval) || !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want ErrRetrieval wrapping the cause", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("retrieval failure must not read as not found")
	}
}

func TestLookupSkipsBlobRead(t *testing.T) {
	a := chainArchive(t)
	r, err := New(failingBlobs{enumOnly{a}}, Config{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	e, hops, err := r.Lookup(context.Background(), "A/Hop2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.Path() != "A/Target" || hops != 2 {
		t.Fatalf("lookup = %s/%d, want A/Target/2", e.Path(), hops)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil archive")
	}
	a := chainArchive(t)
	if _, err := New(a, Config{MaxRedirects: -1}); err == nil {
		t.Fatalf("expected error for negative max redirects")
	}
	r, err := New(a, Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.MaxRedirects() != DefaultMaxRedirects {
		t.Fatalf("max redirects = %d, want %d", r.MaxRedirects(), DefaultMaxRedirects)
	}
}

func TestResolveConcurrent(t *testing.T) {
	r, err := New(chainArchive(t), Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	errs := make(chan error, 32)
	for range 32 {
		go func() {
			c, err := r.Resolve(context.Background(), "A/Hop3")
			if err == nil && string(c.Data) != "terminal" {
				err = errors.New("wrong content " + string(c.Data))
			}
			errs <- err
		}()
	}
	for range 32 {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent resolve: %v", err)
		}
	}
}

// listArchive enumerates a fixed entry list. Blob returns the cluster and blob
// numbers so tests can tell which entry was served.
type listArchive []zim.Entry

func (l listArchive) EntryCount() int { return len(l) }

func (l listArchive) Entries() iter.Seq2[zim.Entry, error] {
	return func(yield func(zim.Entry, error) bool) {
		for _, e := range l {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (listArchive) Blob(cluster, blob uint32) ([]byte, error) {
	return fmt.Appendf(nil, "%d/%d", cluster, blob), nil
}

func TestEnumeratedDuplicatePathResolvesFirst(t *testing.T) {
	entries := listArchive{
		{Namespace: 'A', URL: "Dup", MIMEType: "text/html", Kind: zim.KindContent, Cluster: 0, Blob: 1},
		{Namespace: 'A', URL: "Dup", MIMEType: "text/html", Kind: zim.KindContent, Cluster: 0, Blob: 2},
		{Namespace: 'A', URL: "Other", MIMEType: "text/html", Kind: zim.KindContent, Cluster: 1, Blob: 0},
	}
	r, err := New(entries, Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c, err := r.Resolve(context.Background(), "A/Dup")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Entry.Index != 0 || string(c.Data) != "0/1" {
		t.Fatalf("resolved index %d data %q, want first entry 0 with 0/1", c.Entry.Index, c.Data)
	}
}
