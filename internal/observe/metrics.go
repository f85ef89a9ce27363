// Package observe provides application-wide observability primitives for
// the bridge: OpenTelemetry metrics with a Prometheus exporter bridge so
// the standard /metrics scrape endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/lmbridge"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// LLMRoundDuration tracks the latency of one LLM request within an
	// autonomous query.
	LLMRoundDuration metric.Float64Histogram

	// ToolCallDuration tracks downstream MCP tool execution latency.
	ToolCallDuration metric.Float64Histogram

	// RoundsPerQuery tracks how many LLM rounds an autonomous query took.
	RoundsPerQuery metric.Float64Histogram

	// LLMRequests counts LLM runtime requests. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// ToolCalls counts downstream tool invocations. Use with attributes:
	//   attribute.String("server", ...), attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ModelLoads counts lifecycle load sequences. Use with attribute:
	//   attribute.String("status", ...)
	ModelLoads metric.Int64Counter

	// BudgetExhaustions counts queries that hit the round ceiling.
	BudgetExhaustions metric.Int64Counter

	// OpenSessions tracks the number of live downstream MCP sessions.
	OpenSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second tool calls and minute-scale LLM rounds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// roundBuckets defines bucket boundaries for rounds-per-query.
var roundBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 50, 100}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMRoundDuration, err = m.Float64Histogram("lmbridge.llm.round.duration",
		metric.WithDescription("Latency of one LLM request within an autonomous query."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("lmbridge.tool.duration",
		metric.WithDescription("Latency of downstream MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RoundsPerQuery, err = m.Float64Histogram("lmbridge.query.rounds",
		metric.WithDescription("LLM rounds taken by one autonomous query."),
		metric.WithExplicitBucketBoundaries(roundBuckets...),
	); err != nil {
		return nil, err
	}

	if met.LLMRequests, err = m.Int64Counter("lmbridge.llm.requests",
		metric.WithDescription("Total LLM runtime requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("lmbridge.tool.calls",
		metric.WithDescription("Total downstream tool invocations by server, tool, and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("lmbridge.model.loads",
		metric.WithDescription("Total model load sequences by status."),
	); err != nil {
		return nil, err
	}
	if met.BudgetExhaustions, err = m.Int64Counter("lmbridge.query.budget_exhaustions",
		metric.WithDescription("Total queries terminated by the round ceiling."),
	); err != nil {
		return nil, err
	}

	if met.OpenSessions, err = m.Int64UpDownCounter("lmbridge.downstream.open_sessions",
		metric.WithDescription("Number of live downstream MCP sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordLLMRequest records an LLM request counter increment with the
// standard attribute set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, op, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, server, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordModelLoad records a lifecycle load counter increment.
func (m *Metrics) RecordModelLoad(ctx context.Context, status string) {
	m.ModelLoads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
