package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	transitions metric.Int64Counter
	heartbeats  metric.Int64Counter
	releases    metric.Int64Counter
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/waitroom/session")
	m := &sessionMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"waitroom.session.transitions",
		metric.WithDescription("Queue session phase transitions"),
	)
	logMetricInitError(logger, "waitroom.session.transitions", err)

	m.heartbeats, err = meter.Int64Counter(
		"waitroom.session.heartbeats",
		metric.WithDescription("Heartbeat sends by outcome"),
	)
	logMetricInitError(logger, "waitroom.session.heartbeats", err)

	m.releases, err = meter.Int64Counter(
		"waitroom.session.releases",
		metric.WithDescription("Session release notifications by reason"),
	)
	logMetricInitError(logger, "waitroom.session.releases", err)
	return m
}

func (m *sessionMetrics) transition(phase Phase) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("phase", phase.String())))
}

func (m *sessionMetrics) heartbeat(err error) {
	if m == nil || m.heartbeats == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.heartbeats.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *sessionMetrics) release(reason string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
