package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type gatewayMetrics struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
	beacons  metric.Int64Counter
}

func newGatewayMetrics(logger pslog.Logger) *gatewayMetrics {
	meter := otel.Meter("pkt.systems/waitroom/client")
	m := &gatewayMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"waitroom.gateway.requests",
		metric.WithDescription("Queue gateway requests"),
	)
	logMetricInitError(logger, "waitroom.gateway.requests", err)

	m.duration, err = meter.Int64Histogram(
		"waitroom.gateway.duration_ms",
		metric.WithDescription("Queue gateway request duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "waitroom.gateway.duration_ms", err)

	m.beacons, err = meter.Int64Counter(
		"waitroom.gateway.beacons",
		metric.WithDescription("Release beacons by delivery outcome"),
	)
	logMetricInitError(logger, "waitroom.gateway.beacons", err)
	return m
}

func (m *gatewayMetrics) recordRequest(ctx context.Context, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *gatewayMetrics) recordBeacon(ctx context.Context, outcome string) {
	if m == nil || m.beacons == nil {
		return
	}
	m.beacons.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRejected(err):
		return "rejected"
	case IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
