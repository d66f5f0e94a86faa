package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/gatehouse"
)

// Metrics holds the OpenTelemetry instruments for the auth flow.
type Metrics struct {
	RegisterTotal  metric.Int64Counter
	LoginTotal     metric.Int64Counter
	LogoutTotal    metric.Int64Counter
	GuardDecisions metric.Int64Counter
	TokensIssued   metric.Int64Counter

	ProviderDuration metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments are bound to whichever meter provider is global at first use, so
// InitTelemetry has to run before the first request.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RegisterTotal, _ = meter.Int64Counter(
		"gatehouse.auth.register.total",
		metric.WithDescription("Registration attempts by outcome"),
		metric.WithUnit("{request}"),
	)

	m.LoginTotal, _ = meter.Int64Counter(
		"gatehouse.auth.login.total",
		metric.WithDescription("Login attempts by outcome"),
		metric.WithUnit("{request}"),
	)

	m.LogoutTotal, _ = meter.Int64Counter(
		"gatehouse.auth.logout.total",
		metric.WithDescription("Logout requests by outcome"),
		metric.WithUnit("{request}"),
	)

	m.GuardDecisions, _ = meter.Int64Counter(
		"gatehouse.guard.decisions.total",
		metric.WithDescription("Route guard decisions by reason"),
		metric.WithUnit("{decision}"),
	)

	m.TokensIssued, _ = meter.Int64Counter(
		"gatehouse.tokens.issued.total",
		metric.WithDescription("Session tokens issued"),
		metric.WithUnit("{token}"),
	)

	m.ProviderDuration, _ = meter.Float64Histogram(
		"gatehouse.provider.duration",
		metric.WithDescription("Duration of identity provider calls"),
		metric.WithUnit("ms"),
	)

	return m
}

// Outcome records one event on counter tagged with outcome.
func Outcome(ctx context.Context, counter metric.Int64Counter, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveProvider records the duration of an identity provider operation.
func ObserveProvider(ctx context.Context, operation string, started time.Time, err error) {
	m := GetMetrics()
	if m.ProviderDuration == nil {
		return
	}

	m.ProviderDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("error", err != nil),
		))
}
