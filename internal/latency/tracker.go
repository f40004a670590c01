// Package latency implements the per-session latency tracker that threads
// through every stage of the call pipeline.
//
// A [Tracker] is owned by one call session. Stages time themselves with
// [Tracker.Start] / [Handle.End] or record externally measured durations with
// [Tracker.Mark]. Each operation has a configurable target; exceeding it
// emits a [TargetExceeded] event on a bounded channel (slow consumers drop,
// drops are counted). On session end the accumulated samples are flushed in
// one batch to the metrics store.
package latency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Op names a timed pipeline operation.
type Op string

// The operations the core times. e2e_turn spans user-speech-end to
// first-audio-byte and is the headline number for perceived responsiveness.
const (
	OpSTTPartial Op = "stt_partial"
	OpSTTFinal   Op = "stt_final"
	OpLLMTTFT    Op = "llm_ttft"
	OpLLMTotal   Op = "llm_total"
	OpTTSTTFB    Op = "tts_ttfb"
	OpTTSTotal   Op = "tts_total"
	OpSIPConnect Op = "sip_connect"
	OpToolCall   Op = "tool_call"
	OpE2ETurn    Op = "e2e_turn"
)

// DefaultTargets holds the per-operation latency targets used when the
// config does not override them.
var DefaultTargets = map[Op]time.Duration{
	OpSTTPartial: 300 * time.Millisecond,
	OpSTTFinal:   800 * time.Millisecond,
	OpLLMTTFT:    1200 * time.Millisecond,
	OpLLMTotal:   5 * time.Second,
	OpTTSTTFB:    500 * time.Millisecond,
	OpTTSTotal:   10 * time.Second,
	OpSIPConnect: 5 * time.Second,
	OpToolCall:   2 * time.Second,
	OpE2ETurn:    2500 * time.Millisecond,
}

// TargetExceeded is emitted when a recorded duration is over the op's target.
type TargetExceeded struct {
	SessionID  string
	Op         Op
	DurationMs float64
	TargetMs   float64
}

// Sample is one recorded measurement, ready for batch insertion into the
// metrics store.
type Sample struct {
	SessionID  string
	AgentID    string
	Op         Op
	DurationMs float64
	RecordedAt time.Time
}

// OpStats summarises all samples recorded for one operation.
type OpStats struct {
	Count         int
	ExceededCount int
	MinMs         float64
	AvgMs         float64
	P50Ms         float64
	P95Ms         float64
	P99Ms         float64
	MaxMs         float64
}

// Handle represents one in-flight timed operation.
type Handle struct {
	t     *Tracker
	op    Op
	start time.Time
	done  bool
}

// End stops the timer, records the sample, and returns the duration in
// milliseconds. Calling End twice is a no-op returning the original duration.
func (h *Handle) End() float64 {
	if h == nil {
		return 0
	}
	d := float64(h.t.now().Sub(h.start)) / float64(time.Millisecond)
	if h.done {
		return d
	}
	h.done = true
	h.t.Mark(h.op, d)
	return d
}

// Tracker accumulates latency samples for one call session.
// All methods are safe for concurrent use.
type Tracker struct {
	sessionID string
	agentID   string
	targets   map[Op]time.Duration

	mu       sync.Mutex
	samples  map[Op][]float64
	exceeded map[Op]int
	recorded []Sample

	events  chan TargetExceeded
	dropped int

	now func() time.Time
}

// Option configures a Tracker during construction.
type Option func(*Tracker)

// WithTargets overrides individual op targets. Ops absent from targets keep
// their [DefaultTargets] value.
func WithTargets(targets map[Op]time.Duration) Option {
	return func(t *Tracker) {
		for op, d := range targets {
			t.targets[op] = d
		}
	}
}

// WithAgentID attaches an agent id to flushed samples.
func WithAgentID(agentID string) Option {
	return func(t *Tracker) { t.agentID = agentID }
}

// New creates a Tracker for the given session.
func New(sessionID string, opts ...Option) *Tracker {
	t := &Tracker{
		sessionID: sessionID,
		targets:   make(map[Op]time.Duration, len(DefaultTargets)),
		samples:   make(map[Op][]float64),
		exceeded:  make(map[Op]int),
		events:    make(chan TargetExceeded, 32),
		now:       time.Now,
	}
	for op, d := range DefaultTargets {
		t.targets[op] = d
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start begins timing op and returns a handle to stop it.
func (t *Tracker) Start(op Op) *Handle {
	return &Handle{t: t, op: op, start: t.now()}
}

// Mark records an externally measured duration for op.
func (t *Tracker) Mark(op Op, durationMs float64) {
	t.mu.Lock()
	t.samples[op] = append(t.samples[op], durationMs)
	t.recorded = append(t.recorded, Sample{
		SessionID:  t.sessionID,
		AgentID:    t.agentID,
		Op:         op,
		DurationMs: durationMs,
		RecordedAt: t.now(),
	})

	target, hasTarget := t.targets[op]
	over := hasTarget && durationMs > float64(target)/float64(time.Millisecond)
	if over {
		t.exceeded[op]++
	}
	t.mu.Unlock()

	if over {
		ev := TargetExceeded{
			SessionID:  t.sessionID,
			Op:         op,
			DurationMs: durationMs,
			TargetMs:   float64(target) / float64(time.Millisecond),
		}
		select {
		case t.events <- ev:
		default:
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
		}
	}
}

// Events returns the channel of target-breach events. The channel is never
// closed; consumers select against their own done signal.
func (t *Tracker) Events() <-chan TargetExceeded { return t.events }

// DroppedEvents returns how many breach events were discarded because the
// events channel was full.
func (t *Tracker) DroppedEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// SessionStats returns per-op aggregate statistics over all recorded samples.
func (t *Tracker) SessionStats() map[Op]OpStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Op]OpStats, len(t.samples))
	for op, vals := range t.samples {
		out[op] = summarise(vals, t.exceeded[op])
	}
	return out
}

// Sink receives a batch of samples at session end.
type Sink interface {
	InsertLatencySamples(ctx context.Context, samples []Sample) error
}

// Flush sends all recorded samples to sink in one batch and clears the
// tracker's buffers. Flushing an empty tracker is a no-op.
func (t *Tracker) Flush(ctx context.Context, sink Sink) error {
	t.mu.Lock()
	batch := t.recorded
	t.recorded = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return sink.InsertLatencySamples(ctx, batch)
}

// summarise computes OpStats for a non-empty sample slice.
func summarise(vals []float64, exceeded int) OpStats {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return OpStats{
		Count:         len(sorted),
		ExceededCount: exceeded,
		MinMs:         sorted[0],
		AvgMs:         sum / float64(len(sorted)),
		P50Ms:         percentile(sorted, 0.50),
		P95Ms:         percentile(sorted, 0.95),
		P99Ms:         percentile(sorted, 0.99),
		MaxMs:         sorted[len(sorted)-1],
	}
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
