package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	queued       metric.Int64ObservableGauge
	busy         metric.Int64ObservableGauge
	workers      metric.Int64ObservableGauge
	queueWait    metric.Float64Histogram
	outcomes     metric.Int64Counter
	registration metric.Registration
}

func newPoolMetrics(p *Pool) *poolMetrics {
	meter := otel.Meter("pkt.systems/zimd/dispatch")
	logger := p.logger
	m := &poolMetrics{}
	var err error

	m.queued, err = meter.Int64ObservableGauge(
		"zimd.dispatch.queued",
		metric.WithDescription("Exchanges waiting for a worker"),
	)
	logMetricInitError(logger, "zimd.dispatch.queued", err)

	m.busy, err = meter.Int64ObservableGauge(
		"zimd.dispatch.busy",
		metric.WithDescription("Workers handling an exchange"),
	)
	logMetricInitError(logger, "zimd.dispatch.busy", err)

	m.workers, err = meter.Int64ObservableGauge(
		"zimd.dispatch.workers",
		metric.WithDescription("Configured worker count"),
	)
	logMetricInitError(logger, "zimd.dispatch.workers", err)

	m.queueWait, err = meter.Float64Histogram(
		"zimd.dispatch.queue_wait",
		metric.WithDescription("Time an exchange waited for a worker"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "zimd.dispatch.queue_wait", err)

	m.outcomes, err = meter.Int64Counter(
		"zimd.dispatch.exchanges",
		metric.WithDescription("Finished exchanges by worker outcome"),
	)
	logMetricInitError(logger, "zimd.dispatch.exchanges", err)

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if m.queued != nil {
			o.ObserveInt64(m.queued, int64(p.Queued()))
		}
		if m.busy != nil {
			o.ObserveInt64(m.busy, int64(p.Busy()))
		}
		if m.workers != nil {
			o.ObserveInt64(m.workers, int64(p.Workers()))
		}
		return nil
	}, m.queued, m.busy, m.workers)
	if err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "zimd.dispatch.pool", "error", err)
	}
	m.registration = reg
	return m
}

func (m *poolMetrics) observe(out Outcome) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.queueWait != nil {
		m.queueWait.Record(ctx, out.QueueWait.Seconds())
	}
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("zimd.dispatch.state", string(out.State))))
	}
}

func (m *poolMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
