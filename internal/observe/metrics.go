// Package observe provides application-wide observability primitives for
// Vocalis: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so everything is scrapeable
// at /metrics. A package-level default [Metrics] instance ([DefaultMetrics])
// is provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocalis metrics.
const meterName = "github.com/vocalis-ai/vocalis"

// Metrics holds all OpenTelemetry metric instruments for the platform.
// All fields are safe for concurrent use.
type Metrics struct {
	// ─── latency histograms per pipeline stage ───

	// STTDuration tracks time from utterance end to final transcript.
	STTDuration metric.Float64Histogram

	// LLMTTFT tracks LLM time-to-first-token.
	LLMTTFT metric.Float64Histogram

	// TTSTTFB tracks TTS time-to-first-audio-byte.
	TTSTTFB metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency (user speech end to
	// first agent audio).
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// ─── counters ───

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// Interruptions counts user barge-ins. Attribute: agent_id.
	Interruptions metric.Int64Counter

	// CallsStarted counts accepted calls. Attributes: direction, agent_id.
	CallsStarted metric.Int64Counter

	// CallsRejected counts admission failures. Attribute: reason.
	CallsRejected metric.Int64Counter

	// IngestJobs counts ingestion pipeline outcomes. Attributes: stage,
	// status.
	IngestJobs metric.Int64Counter

	// KnowledgeSearches counts retrieval queries. Attribute: cache
	// ("hit"/"miss").
	KnowledgeSearches metric.Int64Counter

	// IntegrationDispatches counts integration trigger deliveries.
	// Attributes: integration, status.
	IntegrationDispatches metric.Int64Counter

	// EventDrops counts events discarded because a subscriber channel was
	// full. Attribute: event.
	EventDrops metric.Int64Counter

	// ─── gauges ───

	// ActiveCalls tracks currently connected calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveSessions tracks live voice sessions (a superset of calls
	// during setup and teardown).
	ActiveSessions metric.Int64UpDownCounter

	// ─── HTTP middleware ───

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.STTDuration, err = hist("vocalis.stt.duration", "Time from utterance end to final transcript."); err != nil {
		return nil, err
	}
	if met.LLMTTFT, err = hist("vocalis.llm.ttft", "LLM time to first token."); err != nil {
		return nil, err
	}
	if met.TTSTTFB, err = hist("vocalis.tts.ttfb", "TTS time to first audio byte."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = hist("vocalis.turn.duration", "End-to-end turn latency."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = hist("vocalis.tool_execution.duration", "Latency of tool execution."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("vocalis.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocalis.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("vocalis.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("vocalis.interruptions",
		metric.WithDescription("Total user barge-ins by agent."),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("vocalis.calls.started",
		metric.WithDescription("Total accepted calls by direction and agent."),
	); err != nil {
		return nil, err
	}
	if met.CallsRejected, err = m.Int64Counter("vocalis.calls.rejected",
		metric.WithDescription("Total rejected calls by reason."),
	); err != nil {
		return nil, err
	}
	if met.IngestJobs, err = m.Int64Counter("vocalis.ingest.jobs",
		metric.WithDescription("Ingestion pipeline outcomes by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.KnowledgeSearches, err = m.Int64Counter("vocalis.knowledge.searches",
		metric.WithDescription("Knowledge retrieval queries by cache outcome."),
	); err != nil {
		return nil, err
	}
	if met.IntegrationDispatches, err = m.Int64Counter("vocalis.integration.dispatches",
		metric.WithDescription("Integration trigger deliveries by integration and status."),
	); err != nil {
		return nil, err
	}

	if met.EventDrops, err = m.Int64Counter("vocalis.event.drops",
		metric.WithDescription("Events dropped on slow subscribers by event type."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("vocalis.active_calls",
		metric.WithDescription("Number of currently connected calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalis.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
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

// RecordProviderRequest increments the provider request counter with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall increments the tool call counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordIngestJob increments the ingestion outcome counter.
func (m *Metrics) RecordIngestJob(ctx context.Context, stage, outcome string) {
	m.IngestJobs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordKnowledgeSearch increments the retrieval query counter.
func (m *Metrics) RecordKnowledgeSearch(ctx context.Context, cacheOutcome string) {
	m.KnowledgeSearches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cache", cacheOutcome)),
	)
}

// RecordIntegrationDispatch increments the trigger delivery counter.
func (m *Metrics) RecordIntegrationDispatch(ctx context.Context, plugin, trigger, outcome string) {
	m.IntegrationDispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("plugin", plugin),
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordEventDrop increments the dropped-event counter.
func (m *Metrics) RecordEventDrop(ctx context.Context, event string) {
	m.EventDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordInterruption increments the barge-in counter.
func (m *Metrics) RecordInterruption(ctx context.Context, agentID string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_id", agentID)),
	)
}
