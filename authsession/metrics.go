package authsession

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jrsteele09/go-auth-session/authsession"

type metrics struct {
	transitions       metric.Int64Counter
	enrichFailures    metric.Int64Counter
	enrichDiscarded   metric.Int64Counter
	failsafeTriggered metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("authsession.transitions",
		metric.WithDescription("Session transitions applied, by kind")); err != nil {
		return nil, errors.Wrap(err, "[newMetrics] transitions")
	}
	if m.enrichFailures, err = meter.Int64Counter("authsession.enrichment.failures",
		metric.WithDescription("Profile enrichment attempts that failed")); err != nil {
		return nil, errors.Wrap(err, "[newMetrics] enrichment failures")
	}
	if m.enrichDiscarded, err = meter.Int64Counter("authsession.enrichment.discarded",
		metric.WithDescription("Profile results dropped because the identity changed")); err != nil {
		return nil, errors.Wrap(err, "[newMetrics] enrichment discarded")
	}
	if m.failsafeTriggered, err = meter.Int64Counter("authsession.failsafe.triggers",
		metric.WithDescription("Watchdog timers that forced the session to resolve")); err != nil {
		return nil, errors.Wrap(err, "[newMetrics] failsafe triggers")
	}
	return m, nil
}

func (m *metrics) transition(kind TransitionKind, event string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("event", event),
	))
}

func (m *metrics) enrichFailure(class Class) {
	m.enrichFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("class", class.String())))
}

func (m *metrics) discarded() {
	m.enrichDiscarded.Add(context.Background(), 1)
}

func (m *metrics) failsafe(watchdog string) {
	m.failsafeTriggered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("watchdog", watchdog)))
}
