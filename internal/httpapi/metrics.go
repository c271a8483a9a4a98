package httpapi

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type handlerMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
}

func newHandlerMetrics(logger pslog.Logger) *handlerMetrics {
	meter := otel.Meter("pkt.systems/zimd/httpapi")
	m := &handlerMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"zimd.http.requests",
		metric.WithDescription("HTTP exchanges by method and status"),
	)
	logMetricInitError(logger, "zimd.http.requests", err)

	m.duration, err = meter.Float64Histogram(
		"zimd.http.duration",
		metric.WithDescription("Time spent producing a response"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "zimd.http.duration", err)

	m.bytes, err = meter.Int64Counter(
		"zimd.http.response.bytes",
		metric.WithDescription("Body bytes served"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "zimd.http.response.bytes", err)
	return m
}

func (m *handlerMetrics) record(ctx context.Context, method string, status, bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", methodLabel(method)),
		attribute.String("http.response.status_code", strconv.Itoa(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if m.bytes != nil && bytes > 0 {
		m.bytes.Add(ctx, int64(bytes))
	}
}

// methodLabel folds unknown methods into one label to bound cardinality.
func methodLabel(method string) string {
	switch method {
	case "GET", "HEAD", "OPTIONS", "POST", "PUT", "DELETE", "PATCH", "CONNECT", "TRACE":
		return method
	default:
		return "_OTHER"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
