// Package observe provides application-wide observability primitives for
// consultscribe: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all consultscribe metrics.
const meterName = "github.com/MrWong99/consultscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AppendDuration tracks how long one utterance append takes inside the
	// session actor, persistence included.
	AppendDuration metric.Float64Histogram

	// FinalizeDuration tracks end-to-end finalize latency.
	FinalizeDuration metric.Float64Histogram

	// --- Counters ---

	// UtterancesAccepted counts utterances committed to a canonical record.
	UtterancesAccepted metric.Int64Counter

	// DuplicatesDropped counts re-delivered utterances discarded by identity.
	DuplicatesDropped metric.Int64Counter

	// Reconciliations counts resolutions of more than one completed record
	// for a session.
	Reconciliations metric.Int64Counter

	// TombstonesCreated counts records demoted to error status.
	TombstonesCreated metric.Int64Counter

	// CASConflicts counts version conflicts on record updates.
	CASConflicts metric.Int64Counter

	// SuggestionsAccepted counts suggestions recorded in the ledger.
	SuggestionsAccepted metric.Int64Counter

	// OutboundDropped counts events dropped from full connection queues.
	OutboundDropped metric.Int64Counter

	// Finalizations counts finalize calls. Use with attribute:
	//   attribute.String("status", ...)
	Finalizations metric.Int64Counter

	// --- Error counters ---

	// PersistenceFailures counts utterance writes that failed after all
	// retries.
	PersistenceFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running session actors.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of joined realtime connections
	// across all sessions.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// single-row database writes.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AppendDuration, err = m.Float64Histogram("consultscribe.transcript.append.duration",
		metric.WithDescription("Latency of an utterance append in the session actor."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("consultscribe.finalize.duration",
		metric.WithDescription("Latency of session finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtterancesAccepted, err = m.Int64Counter("consultscribe.utterances.accepted",
		metric.WithDescription("Total utterances committed to a canonical transcript."),
	); err != nil {
		return nil, err
	}
	if met.DuplicatesDropped, err = m.Int64Counter("consultscribe.utterances.duplicates",
		metric.WithDescription("Total re-delivered utterances dropped by identity."),
	); err != nil {
		return nil, err
	}
	if met.Reconciliations, err = m.Int64Counter("consultscribe.transcript.reconciliations",
		metric.WithDescription("Total resolutions of multiple completed transcript records."),
	); err != nil {
		return nil, err
	}
	if met.TombstonesCreated, err = m.Int64Counter("consultscribe.transcript.tombstones",
		metric.WithDescription("Total transcript records demoted to error status."),
	); err != nil {
		return nil, err
	}
	if met.CASConflicts, err = m.Int64Counter("consultscribe.transcript.cas_conflicts",
		metric.WithDescription("Total version conflicts on transcript record updates."),
	); err != nil {
		return nil, err
	}
	if met.SuggestionsAccepted, err = m.Int64Counter("consultscribe.suggestions.accepted",
		metric.WithDescription("Total suggestions recorded in the ledger."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDropped, err = m.Int64Counter("consultscribe.realtime.outbound_dropped",
		metric.WithDescription("Total events dropped from full connection queues."),
	); err != nil {
		return nil, err
	}
	if met.Finalizations, err = m.Int64Counter("consultscribe.finalizations",
		metric.WithDescription("Total finalize calls by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistenceFailures, err = m.Int64Counter("consultscribe.persistence.failures",
		metric.WithDescription("Total utterance writes that failed after retries."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("consultscribe.active_sessions",
		metric.WithDescription("Number of running session actors."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("consultscribe.active_connections",
		metric.WithDescription("Number of joined realtime connections across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("consultscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFinalization records a finalize counter increment with the given
// status ("ok", "cached", "error").
func (m *Metrics) RecordFinalization(ctx context.Context, status string) {
	m.Finalizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordReconciliation records one reconciliation that demoted the given
// number of records.
func (m *Metrics) RecordReconciliation(ctx context.Context, sessionID string, demoted int) {
	m.Reconciliations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
	m.TombstonesCreated.Add(ctx, int64(demoted))
}
