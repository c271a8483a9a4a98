package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolServesThroughWorkers(t *testing.T) {
	p := startPool(t, Config{Workers: 2, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	})})
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/A/Test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok /A/Test" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if p.Workers() != 2 || p.QueueDepth() != 2 {
		t.Fatalf("workers=%d depth=%d, want 2/2", p.Workers(), p.QueueDepth())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	p := startPool(t, Config{Workers: 2, QueueDepth: 8, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		w.WriteHeader(http.StatusNoContent)
	})})

	var wg sync.WaitGroup
	codes := make(chan int, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			codes <- rec.Code
		}()
	}
	waitFor(t, "both workers busy", func() bool { return p.Busy() == 2 })
	waitFor(t, "four queued", func() bool { return p.Queued() == 4 })
	close(release)
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", code)
		}
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	var outcomes []Outcome
	var mu sync.Mutex
	p := startPool(t, Config{
		Workers: 1,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			_, _ = io.WriteString(w, "fine")
		}),
		Observer: func(o Outcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		},
	})

	first := httptest.NewRecorder()
	p.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/a", nil))
	if first.Code != http.StatusInternalServerError || first.Body.Len() != 0 {
		t.Fatalf("panic response = %d %q, want 500 empty", first.Code, first.Body.String())
	}
	second := httptest.NewRecorder()
	p.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/b", nil))
	if second.Code != http.StatusOK || second.Body.String() != "fine" {
		t.Fatalf("after panic = %d %q", second.Code, second.Body.String())
	}

	waitFor(t, "two outcomes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if outcomes[0].State != StateFailed || outcomes[0].Status != http.StatusInternalServerError {
		t.Fatalf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].State != StateResponded || outcomes[1].Bytes != 4 || outcomes[1].Worker != 1 {
		t.Fatalf("second outcome = %+v", outcomes[1])
	}
}

func TestPoolWithdrawsExchangeWhenClientLeavesQueue(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	p := startPool(t, Config{Workers: 1, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
	})})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/busy", nil))
	}()
	waitFor(t, "worker busy", func() bool { return p.Busy() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	second := httptest.NewRecorder()
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		p.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/gone", nil).WithContext(ctx))
	}()
	waitFor(t, "second queued", func() bool { return p.Queued() == 1 })
	cancel()
	<-secondDone

	close(release)
	<-firstDone
	waitFor(t, "queue drained", func() bool { return p.Queued() == 0 && p.Busy() == 0 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if second.Body.Len() != 0 {
		t.Fatalf("withdrawn exchange got a body %q", second.Body.String())
	}
}

func TestPoolAnswers503AfterStop(t *testing.T) {
	p, err := New(Config{Handler: http.NotFoundHandler()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !p.Running() {
		t.Fatalf("expected running pool")
	}
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Fatalf("expected stopped pool")
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("restart err = %v, want ErrStopped", err)
	}
}

func TestPoolStopsWithContext(t *testing.T) {
	p, err := New(Config{Handler: http.NotFoundHandler()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	waitFor(t, "pool stop", func() bool { return !p.Running() })
}

type failingWriter struct {
	header http.Header
	status int
}

func (f *failingWriter) Header() http.Header {
	if f.header == nil {
		f.header = http.Header{}
	}
	return f.header
}
func (f *failingWriter) WriteHeader(status int)    { f.status = status }
func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPoolLogsWriteFailureAndContinues(t *testing.T) {
	outcomes := make(chan Outcome, 2)
	p := startPool(t, Config{
		Workers:  1,
		Handler:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("data")) }),
		Observer: func(o Outcome) { outcomes <- o },
	})
	p.ServeHTTP(&failingWriter{}, httptest.NewRequest(http.MethodGet, "/", nil))
	if o := <-outcomes; o.State != StateFailed || o.Err == nil {
		t.Fatalf("outcome = %+v, want failed with error", o)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if o := <-outcomes; o.State != StateResponded || rec.Body.String() != "data" {
		t.Fatalf("outcome = %+v body=%q", o, rec.Body.String())
	}
}

func TestPoolPropagatesAbortHandler(t *testing.T) {
	p := startPool(t, Config{Workers: 1, Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})})
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", v)
		}
	}()
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Fatalf("ServeHTTP returned without panicking")
}

func TestNewValidates(t *testing.T) {
	h := http.NotFoundHandler()
	cases := map[string]Config{
		"no handler":     {},
		"negative pool":  {Handler: h, Workers: -1},
		"negative depth": {Handler: h, QueueDepth: -2},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	p, err := New(Config{Handler: h})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Workers() != DefaultWorkers || p.QueueDepth() != DefaultWorkers {
		t.Fatalf("defaults = %d/%d", p.Workers(), p.QueueDepth())
	}
}

func TestHandlerSeesExchange(t *testing.T) {
	type seen struct {
		id     string
		worker int
		ok     bool
	}
	got := make(chan seen, 1)
	p := startPool(t, Config{Workers: 1, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, worker, ok := ExchangeFromContext(r.Context())
		got <- seen{id: id, worker: worker, ok: ok}
	})})
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	s := <-got
	if !s.ok || s.id == "" || s.worker != 1 {
		t.Fatalf("exchange from context = %+v", s)
	}
	if _, _, ok := ExchangeFromContext(context.Background()); ok {
		t.Fatalf("background context reports an exchange")
	}
}
