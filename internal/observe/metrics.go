// Package observe provides application-wide observability primitives for
// Lorekeeper: OpenTelemetry metrics and structured logging setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lorekeeper metrics.
const meterName = "github.com/halvardb/lorekeeper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// LLMDuration tracks completion request latency.
	LLMDuration metric.Float64Histogram

	// SummarySaves counts conversation summaries persisted to disk. Use with
	// attribute: attribute.String("world", ...).
	SummarySaves metric.Int64Counter

	// SummaryRollovers counts rollovers into a new numbered summary file.
	SummaryRollovers metric.Int64Counter

	// SummaryRetries counts failed summarization attempts that were retried.
	SummaryRetries metric.Int64Counter

	// ProviderErrors counts LLM provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// ActiveConversations tracks the number of conversations currently open.
	ActiveConversations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM completion latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("lorekeeper.llm.duration",
		metric.WithDescription("Latency of LLM completion requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarySaves, err = m.Int64Counter("lorekeeper.summary.saves",
		metric.WithDescription("Total conversation summaries persisted, by world."),
	); err != nil {
		return nil, err
	}
	if met.SummaryRollovers, err = m.Int64Counter("lorekeeper.summary.rollovers",
		metric.WithDescription("Total summary file rollovers."),
	); err != nil {
		return nil, err
	}
	if met.SummaryRetries, err = m.Int64Counter("lorekeeper.summary.retries",
		metric.WithDescription("Total retried summarization attempts."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lorekeeper.provider.errors",
		metric.WithDescription("Total LLM provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConversations, err = m.Int64UpDownCounter("lorekeeper.active_conversations",
		metric.WithDescription("Number of currently open conversations."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSummarySave records one persisted summary for the given world.
func (m *Metrics) RecordSummarySave(ctx context.Context, world string) {
	m.SummarySaves.Add(ctx, 1,
		metric.WithAttributes(attribute.String("world", world)),
	)
}

// RecordSummaryRollover records one rollover into a new numbered file.
func (m *Metrics) RecordSummaryRollover(ctx context.Context, world string) {
	m.SummaryRollovers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("world", world)),
	)
}

// RecordSummaryRetry records one retried summarization attempt.
func (m *Metrics) RecordSummaryRetry(ctx context.Context) {
	m.SummaryRetries.Add(ctx, 1)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
