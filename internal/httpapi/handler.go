// Package httpapi applies the zimd method policy to each HTTP exchange.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/dispatch"
	"pkt.systems/zimd/internal/logfields"
	"pkt.systems/zimd/internal/resolve"
)

// AllowedMethods is the Allow header value for OPTIONS and 405 responses.
const AllowedMethods = "GET, HEAD, OPTIONS"

// Resolver produces content for a request path.
type Resolver interface {
	Resolve(ctx context.Context, path string) (resolve.Content, error)
}

// Config wires a Handler.
type Config struct {
	Resolver Resolver
	// ServeMIMETypes sends the archive MIME type as Content-Type. When false
	// no Content-Type is sent at all.
	ServeMIMETypes bool
	// TracingEnabled opens a span per exchange.
	TracingEnabled bool
	Logger         pslog.Logger
}

// Handler answers GET, HEAD and OPTIONS; every other method gets 405.
type Handler struct {
	resolver  Resolver
	serveMIME bool
	tracing   bool
	tracer    trace.Tracer
	logger    pslog.Logger
	metrics   *handlerMetrics
}

// New returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("httpapi: resolver is required")
	}
	logger := logfields.WithSubsystem(cfg.Logger, "http.exchange")
	return &Handler{
		resolver:  cfg.Resolver,
		serveMIME: cfg.ServeMIMETypes,
		tracing:   cfg.TracingEnabled,
		tracer:    otel.Tracer("pkt.systems/zimd/httpapi"),
		logger:    logger,
		metrics:   newHandlerMetrics(logger),
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	reqID, worker, dispatched := dispatch.ExchangeFromContext(ctx)
	if !dispatched {
		reqID = xid.New().String()
	}
	logger := logfields.WithRequest(h.logger, reqID, r.Method, r.URL.Path)
	if dispatched {
		logger = logfields.WithWorker(logger, worker)
	}
	var span trace.Span
	if h.tracing {
		ctx, span = h.tracer.Start(ctx, "zimd.http."+strings.ToLower(r.Method),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("zimd.req_id", reqID),
				attribute.String("zimd.path", r.URL.Path),
			),
		)
		defer span.End()
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	r = r.WithContext(ctx)
	logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

	res := h.serve(ctx, w, r)

	elapsed := time.Since(start)
	h.metrics.record(ctx, r.Method, res.status, res.bytes, elapsed)
	if span != nil {
		span.SetAttributes(
			attribute.Int("http.response.status_code", res.status),
			attribute.Int("zimd.redirect_hops", res.hops),
		)
		if res.err != nil && res.status >= http.StatusInternalServerError {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "retrieval_failed")
		}
	}
	logger.Trace("http.request.complete", "status", res.status, "bytes", res.bytes, "hops", res.hops, "elapsed", elapsed)
}

type result struct {
	status int
	bytes  int
	hops   int
	err    error
}

func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request) result {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return h.serveContent(ctx, w, r)
	case http.MethodOptions:
		hdr := w.Header()
		hdr.Set("Allow", AllowedMethods)
		hdr.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return result{status: http.StatusOK}
	default:
		w.Header().Set("Allow", AllowedMethods)
		return writeEmpty(w, http.StatusMethodNotAllowed, nil)
	}
}

func (h *Handler) serveContent(ctx context.Context, w http.ResponseWriter, r *http.Request) result {
	logger := pslog.LoggerFromContext(ctx)
	path := strings.TrimPrefix(r.URL.Path, "/")
	content, err := h.resolver.Resolve(ctx, path)
	if err != nil {
		if errors.Is(err, resolve.ErrNotFound) {
			logger.Debug("http.request.not_found", "error", err)
			return writeEmpty(w, http.StatusNotFound, err)
		}
		logger.Warn("http.request.retrieval_failed", "error", err)
		return writeEmpty(w, http.StatusInternalServerError, err)
	}
	hdr := w.Header()
	hdr.Set("Content-Length", strconv.Itoa(len(content.Data)))
	if h.serveMIME && content.Entry.MIMEType != "" {
		hdr.Set("Content-Type", content.Entry.MIMEType)
	} else {
		suppressContentType(hdr)
	}
	w.WriteHeader(http.StatusOK)
	res := result{status: http.StatusOK, hops: content.Hops}
	if r.Method == http.MethodHead {
		return res
	}
	// Write errors surface through the dispatcher's recorder.
	res.bytes, _ = w.Write(content.Data)
	return res
}

// suppressContentType keeps net/http from sniffing a Content-Type.
func suppressContentType(h http.Header) {
	h["Content-Type"] = nil
}

func writeEmpty(w http.ResponseWriter, status int, err error) result {
	suppressContentType(w.Header())
	w.WriteHeader(status)
	return result{status: status, err: err}
}
