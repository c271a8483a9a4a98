package dispatch

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

const (
	exchangeQueued int32 = iota
	exchangeClaimed
	exchangeAbandoned
)

// Exchange is one request/response pair waiting for, or owned by, a worker.
type Exchange struct {
	ID       string
	w        http.ResponseWriter
	r        *http.Request
	enqueued time.Time
	state    atomic.Int32
	done     chan struct{}
	// aborted is set by the worker before done closes.
	aborted bool
}

func newExchange(w http.ResponseWriter, r *http.Request) *Exchange {
	return &Exchange{
		ID:       xid.New().String(),
		w:        w,
		r:        r,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

// claim hands the exchange to a worker. It fails once the enqueuing side withdrew it.
func (e *Exchange) claim() bool {
	return e.state.CompareAndSwap(exchangeQueued, exchangeClaimed)
}

// abandon withdraws a queued exchange. It fails once a worker claimed it.
func (e *Exchange) abandon() bool {
	return e.state.CompareAndSwap(exchangeQueued, exchangeAbandoned)
}

// Request returns the exchange request.
func (e *Exchange) Request() *http.Request { return e.r }

// recorder tracks what a handler wrote so the worker can classify the outcome.
type recorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	writeErr error
}

func (r *recorder) WriteHeader(status int) {
	if r.status != 0 {
		return
	}
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	if err != nil && r.writeErr == nil {
		r.writeErr = err
	}
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *recorder) wroteHeader() bool { return r.status != 0 }

type exchangeKey struct{}

type exchangeInfo struct {
	id     string
	worker int
}

func withExchange(ctx context.Context, id string, worker int) context.Context {
	return context.WithValue(ctx, exchangeKey{}, exchangeInfo{id: id, worker: worker})
}

// ExchangeFromContext returns the exchange id and worker handling the request
// whose context is ctx.
func ExchangeFromContext(ctx context.Context) (id string, worker int, ok bool) {
	info, ok := ctx.Value(exchangeKey{}).(exchangeInfo)
	return info.id, info.worker, ok
}
