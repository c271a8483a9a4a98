// Package dispatch runs HTTP exchanges on a fixed pool of workers.
//
// Pool is an http.Handler. Each ServeHTTP call enqueues its exchange on one
// shared channel and blocks until a worker has answered it, since the
// ResponseWriter is only valid for the duration of ServeHTTP. Workers pull
// exchanges in arrival order; every exchange gets exactly one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/logfields"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

// State is a worker state.
type State string

const (
	StateWaiting     State = "waiting"
	StateDispatching State = "dispatching"
	StateResponded   State = "responded"
	StateFailed      State = "failed"
)

// ErrStopped is reported by Start on a pool that was already stopped.
var ErrStopped = errors.New("dispatch: pool stopped")

// Config sizes a Pool.
type Config struct {
	// Workers is the number of concurrent handlers. Zero uses DefaultWorkers.
	Workers int
	// QueueDepth bounds exchanges waiting for a worker. Zero uses Workers.
	QueueDepth int
	// Handler produces each response. It runs on a worker goroutine.
	Handler http.Handler
	Logger  pslog.Logger
	// Observer, when set, receives an Outcome for every finished exchange.
	Observer func(Outcome)
}

// Outcome summarizes one finished exchange.
type Outcome struct {
	ExchangeID string
	Worker     int
	State      State
	Status     int
	Bytes      int64
	QueueWait  time.Duration
	Elapsed    time.Duration
	Err        error
}

// Pool is a fixed set of workers fed by one queue.
type Pool struct {
	cfg     Config
	logger  pslog.Logger
	queue   chan *Exchange
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	busy    atomic.Int64
	metrics *poolMetrics
}

// New validates cfg and returns an unstarted pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Handler == nil {
		return nil, errors.New("dispatch: handler is required")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("dispatch: workers must be >= 0 (got %d)", cfg.Workers)
	}
	if cfg.QueueDepth < 0 {
		return nil, fmt.Errorf("dispatch: queue depth must be >= 0 (got %d)", cfg.QueueDepth)
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = cfg.Workers
	}
	p := &Pool{
		cfg:    cfg,
		logger: logfields.WithSubsystem(cfg.Logger, "dispatch.pool"),
		queue:  make(chan *Exchange, cfg.QueueDepth),
		quit:   make(chan struct{}),
	}
	p.metrics = newPoolMetrics(p)
	return p, nil
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.cfg.Workers }

// QueueDepth returns the queue capacity.
func (p *Pool) QueueDepth() int { return p.cfg.QueueDepth }

// Queued returns the number of exchanges waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// Busy returns the number of workers currently handling an exchange.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Running reports whether workers are accepting exchanges.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Start launches the workers. They run until Stop is called or ctx ends.
// Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	for id := 1; id <= p.cfg.Workers; id++ {
		p.wg.Add(1)
		go p.worker(id)
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.quit:
		}
	}()
	p.logger.Info("dispatch.pool.started", "workers", p.cfg.Workers, "queue_depth", p.cfg.QueueDepth)
	return nil
}

// Stop signals the workers and waits for in-flight exchanges to finish.
// Exchanges still queued are answered with 503 by their enqueuing side.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
	p.metrics.close()
	p.logger.Info("dispatch.pool.stopped")
}

// ServeHTTP enqueues the exchange and blocks until it has been answered, the
// client went away, or the pool stopped.
func (p *Pool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := newExchange(w, r)
	ctx := r.Context()
	select {
	case p.queue <- ex:
	case <-ctx.Done():
		p.logger.Debug("dispatch.exchange.client_gone", "exchange", ex.ID, "queued", false)
		return
	case <-p.quit:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	select {
	case <-ex.done:
	case <-ctx.Done():
		if ex.abandon() {
			p.logger.Debug("dispatch.exchange.client_gone", "exchange", ex.ID, "queued", true)
			return
		}
		<-ex.done
	case <-p.quit:
		if ex.abandon() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		<-ex.done
	}
	if ex.aborted {
		panic(http.ErrAbortHandler)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := logfields.WithWorker(logfields.WithSubsystem(p.cfg.Logger, "dispatch.worker"), id)
	for {
		logger.Trace("dispatch.worker.state", "state", StateWaiting)
		select {
		case <-p.quit:
			logger.Trace("dispatch.worker.exit")
			return
		case ex := <-p.queue:
			if !ex.claim() {
				continue
			}
			p.dispatch(logger, id, ex)
		}
	}
}

func (p *Pool) dispatch(logger pslog.Logger, id int, ex *Exchange) {
	p.busy.Add(1)
	start := time.Now()
	rec := &recorder{ResponseWriter: ex.w}
	out := Outcome{ExchangeID: ex.ID, Worker: id, QueueWait: start.Sub(ex.enqueued)}
	logger.Trace("dispatch.worker.state", "state", StateDispatching, "exchange", ex.ID, "queue_wait", out.QueueWait)

	defer func() {
		if v := recover(); v != nil {
			out.State = StateFailed
			if v == http.ErrAbortHandler {
				ex.aborted = true
				out.Err = http.ErrAbortHandler
			} else {
				out.Err = fmt.Errorf("dispatch: handler panic: %v", v)
				logger.Error("dispatch.exchange.panic", "exchange", ex.ID, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			}
		}
		p.finish(logger, ex, rec, start, out)
	}()

	req := ex.r.WithContext(withExchange(ex.r.Context(), ex.ID, id))
	p.cfg.Handler.ServeHTTP(rec, req)
	out.State = StateResponded
	if rec.writeErr != nil {
		out.State = StateFailed
		out.Err = rec.writeErr
		logger.Debug("dispatch.exchange.write_failed", "exchange", ex.ID, "error", rec.writeErr)
	}
}

func (p *Pool) finish(logger pslog.Logger, ex *Exchange, rec *recorder, start time.Time, out Outcome) {
	if out.State == StateFailed && out.Err != nil && !ex.aborted && rec.writeErr == nil && !rec.wroteHeader() {
		rec.WriteHeader(http.StatusInternalServerError)
	}
	if !rec.wroteHeader() && !ex.aborted {
		rec.WriteHeader(http.StatusOK)
	}
	out.Status = rec.status
	out.Bytes = rec.bytes
	out.Elapsed = time.Since(start)
	p.busy.Add(-1)
	close(ex.done)
	logger.Trace("dispatch.worker.state", "state", out.State, "exchange", ex.ID, "status", out.Status, "bytes", out.Bytes, "elapsed", out.Elapsed)
	p.metrics.observe(out)
	if p.cfg.Observer != nil {
		p.cfg.Observer(out)
	}
}
