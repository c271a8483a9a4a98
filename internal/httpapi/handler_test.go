package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/zimd/internal/dispatch"
	"pkt.systems/zimd/internal/resolve"
	"pkt.systems/zimd/internal/zim"
	"pkt.systems/zimd/internal/zim/zimtest"
)

func newTestServer(t *testing.T, serveMIME bool, r Resolver) *httptest.Server {
	t.Helper()
	if r == nil {
		a := zimtest.Sample(zim.CompressionZstd).
			Add('A', "C++", "C++", "text/html", []byte("plus plus")).
			Open(t)
		res, err := resolve.New(a, resolve.Config{})
		if err != nil {
			t.Fatalf("resolver: %v", err)
		}
		r = res
	}
	h, err := New(Config{Resolver: r, ServeMIMETypes: serveMIME, TracingEnabled: true})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	pool, err := dispatch.New(dispatch.Config{Workers: 2, Handler: h})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	srv := httptest.NewUnstartedServer(pool)
	srv.Config.DisableGeneralOptionsHandler = true
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		pool.Stop()
	})
	return srv
}

func do(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestMethodPolicy(t *testing.T) {
	srv := newTestServer(t, false, nil)
	goBody := "<html><body>go</body></html>"
	cases := []struct {
		name   string
		method string
		path   string
		status int
		body   string
		allow  bool
	}{
		{name: "get content", method: http.MethodGet, path: "/A/Go", status: 200, body: goBody},
		{name: "get redirect", method: http.MethodGet, path: "/A/Golang", status: 200, body: goBody},
		{name: "get css", method: http.MethodGet, path: "/-/style.css", status: 200, body: "body{margin:0}"},
		{name: "get encoded", method: http.MethodGet, path: "/A/C%2B%2B", status: 200, body: "plus plus"},
		{name: "get missing", method: http.MethodGet, path: "/A/Missing", status: 404},
		{name: "get root", method: http.MethodGet, path: "/", status: 404},
		{name: "get no namespace", method: http.MethodGet, path: "/Go", status: 404},
		{name: "head", method: http.MethodHead, path: "/A/Go", status: 200},
		{name: "head missing", method: http.MethodHead, path: "/A/Missing", status: 404},
		{name: "options path", method: http.MethodOptions, path: "/A/Go", status: 200, allow: true},
		{name: "post", method: http.MethodPost, path: "/A/Go", status: 405, allow: true},
		{name: "put", method: http.MethodPut, path: "/A/Go", status: 405, allow: true},
		{name: "delete", method: http.MethodDelete, path: "/", status: 405, allow: true},
		{name: "patch", method: http.MethodPatch, path: "/A/Go", status: 405, allow: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, srv.URL+tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if body != tc.body {
				t.Fatalf("body = %q, want %q", body, tc.body)
			}
			if _, ok := resp.Header["Content-Type"]; ok {
				t.Fatalf("unexpected Content-Type %q", resp.Header.Get("Content-Type"))
			}
			if got := resp.Header.Get("Allow"); tc.allow && got != AllowedMethods {
				t.Fatalf("Allow = %q, want %q", got, AllowedMethods)
			}
		})
	}
}

func TestHeadMatchesGetLength(t *testing.T) {
	srv := newTestServer(t, false, nil)
	get, body := do(t, http.MethodGet, srv.URL+"/A/Main_Page")
	head, headBody := do(t, http.MethodHead, srv.URL+"/A/Main_Page")
	if head.StatusCode != get.StatusCode {
		t.Fatalf("HEAD status %d != GET status %d", head.StatusCode, get.StatusCode)
	}
	if head.ContentLength != int64(len(body)) || get.ContentLength != int64(len(body)) {
		t.Fatalf("content length HEAD=%d GET=%d body=%d", head.ContentLength, get.ContentLength, len(body))
	}
	if headBody != "" {
		t.Fatalf("HEAD body = %q", headBody)
	}
}

func TestOptionsAsterisk(t *testing.T) {
	srv := newTestServer(t, false, nil)
	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "OPTIONS * HTTP/1.1\r\nHost: zimd\r\nConnection: close\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodOptions})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Allow") != AllowedMethods || len(body) != 0 {
		t.Fatalf("OPTIONS * = %d Allow=%q body=%q", resp.StatusCode, resp.Header.Get("Allow"), body)
	}
}

func TestServeMIMETypes(t *testing.T) {
	srv := newTestServer(t, true, nil)
	cases := map[string]string{
		"/A/Go":        "text/html",
		"/-/style.css": "text/css",
		"/I/logo.png":  "image/png",
	}
	for path, want := range cases {
		resp, _ := do(t, http.MethodGet, srv.URL+path)
		if got := resp.Header.Get("Content-Type"); got != want {
			t.Fatalf("%s Content-Type = %q, want %q", path, got, want)
		}
	}
	resp, _ := do(t, http.MethodGet, srv.URL+"/A/Missing")
	if _, ok := resp.Header["Content-Type"]; ok {
		t.Fatalf("404 carries Content-Type %q", resp.Header.Get("Content-Type"))
	}
}

type stubResolver struct {
	content resolve.Content
	err     error
}

func (s stubResolver) Resolve(context.Context, string) (resolve.Content, error) {
	return s.content, s.err
}

func TestRetrievalFailureIs500(t *testing.T) {
	failing := stubResolver{err: fmt.Errorf("%w: cluster 3: %w", resolve.ErrRetrieval, errors.New("secret detail"))}
	srv := newTestServer(t, false, failing)
	resp, body := do(t, http.MethodGet, srv.URL+"/A/Anything")
	if resp.StatusCode != http.StatusInternalServerError || body != "" {
		t.Fatalf("got %d %q, want 500 with empty body", resp.StatusCode, body)
	}
}

func TestRedirectLoopIs404(t *testing.T) {
	srv := newTestServer(t, false, stubResolver{err: resolve.ErrRedirectLoop})
	resp, body := do(t, http.MethodGet, srv.URL+"/A/Loop")
	if resp.StatusCode != http.StatusNotFound || body != "" {
		t.Fatalf("got %d %q, want 404 with empty body", resp.StatusCode, body)
	}
}

func TestHandlerWithoutDispatcher(t *testing.T) {
	h, err := New(Config{Resolver: stubResolver{content: resolve.Content{Data: []byte("direct")}}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/A/x", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "direct" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Length"); got != "6" {
		t.Fatalf("Content-Length = %q, want 6", got)
	}
}

func TestNewRequiresResolver(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMethodLabel(t *testing.T) {
	if methodLabel("GET") != "GET" || methodLabel("BREW") != "_OTHER" {
		t.Fatalf("unexpected method labels")
	}
}
