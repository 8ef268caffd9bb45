package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all service metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	VerifyFailures   metric.Int64Counter
	DuplicateHits    metric.Int64Counter
	GateDecisions    metric.Int64Counter
	OutcomesRecorded metric.Int64Counter
	DeadLetters      metric.Int64Counter
	AlertsRaised     metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	PendingOps       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("actiongate.request.duration",
		metric.WithDescription("Webhook request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyFailures, err = meter.Int64Counter("actiongate.webhook.verify_failures",
		metric.WithDescription("Webhook signature verification failures"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateHits, err = meter.Int64Counter("actiongate.idempotency.duplicates",
		metric.WithDescription("Duplicate operations served from cache"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDecisions, err = meter.Int64Counter("actiongate.gate.decisions",
		metric.WithDescription("Auto-send gate decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesRecorded, err = meter.Int64Counter("actiongate.outcomes.recorded",
		metric.WithDescription("Draft outcomes classified and recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("actiongate.dlq.records",
		metric.WithDescription("Operations dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsRaised, err = meter.Int64Counter("actiongate.dlq.alerts",
		metric.WithDescription("Operator alerts raised for failure streaks"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("actiongate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingOps, err = meter.Int64UpDownCounter("actiongate.idempotency.pending",
		metric.WithDescription("Reservations currently pending"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
