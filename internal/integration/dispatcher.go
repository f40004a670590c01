package integration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/store"
)

const (
	dispatchAttempts    = 3
	dispatchBackoffBase = 500 * time.Millisecond
	dispatchTimeout     = 30 * time.Second
)

// BindingSource yields the enabled bindings subscribed to a trigger.
// Satisfied by [store.IntegrationStore].
type BindingSource interface {
	ListEnabled(ctx context.Context, agentID string, trigger store.Trigger) ([]store.IntegrationBinding, error)
}

// Dispatcher is the triggered-event bus between call sessions and their
// integrations. One call context lives from call_started to call_ended;
// each trigger fans out to the subscribed bindings with per-binding retry
// and isolation. Safe for concurrent use.
type Dispatcher struct {
	bindings BindingSource
	plugins  *PluginRegistry
	metrics  *observe.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	calls map[string]*CallContext

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher over the binding store and plugin
// registry. metrics may be nil.
func NewDispatcher(bindings BindingSource, plugins *PluginRegistry, metrics *observe.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		bindings: bindings,
		plugins:  plugins,
		metrics:  metrics,
		log:      log,
		calls:    make(map[string]*CallContext),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// OnCallStarted opens the call context and dispatches call_started.
func (d *Dispatcher) OnCallStarted(ctx context.Context, sessionID, agentID, orgID, callerNumber string) {
	cctx := newCallContext(sessionID, agentID, orgID, callerNumber, d.now())
	d.mu.Lock()
	d.calls[sessionID] = cctx
	d.mu.Unlock()

	d.dispatch(ctx, cctx, store.TriggerCallStarted)
}

// AddTranscriptMessage buffers one spoken line for later delivery. Lines
// for unknown sessions are dropped.
func (d *Dispatcher) AddTranscriptMessage(sessionID, speaker, text string) {
	if cctx := d.call(sessionID); cctx != nil {
		cctx.AddTranscriptMessage(speaker, text, d.now())
	}
}

// OnFunctionCalled records data extracted by a completed tool call.
func (d *Dispatcher) OnFunctionCalled(sessionID, name string, fields map[string]any) {
	if cctx := d.call(sessionID); cctx != nil {
		cctx.OnFunctionCalled(name, fields)
	}
}

// OnCallEnded dispatches call_ended with the full call context, then drops
// the context. Blocks until every binding has been attempted, so callers
// typically run it from the session teardown goroutine.
func (d *Dispatcher) OnCallEnded(ctx context.Context, sessionID string) {
	cctx := d.call(sessionID)
	if cctx == nil {
		return
	}
	cctx.markEnded(d.now())

	d.dispatch(ctx, cctx, store.TriggerCallEnded)

	d.mu.Lock()
	delete(d.calls, sessionID)
	d.mu.Unlock()
}

// OnTranscriptReady dispatches transcript_ready after the transcript has
// been persisted. The call context must still be open.
func (d *Dispatcher) OnTranscriptReady(ctx context.Context, sessionID string) {
	if cctx := d.call(sessionID); cctx != nil {
		d.dispatch(ctx, cctx, store.TriggerTranscriptReady)
	}
}

func (d *Dispatcher) call(sessionID string) *CallContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[sessionID]
}

// dispatch runs every subscribed binding. Bindings execute sequentially but
// independently: one failure never stops the rest.
func (d *Dispatcher) dispatch(ctx context.Context, cctx *CallContext, trigger store.Trigger) {
	bindings, err := d.bindings.ListEnabled(ctx, cctx.AgentID, trigger)
	if err != nil {
		d.log.Error("integration binding lookup failed",
			"agent", cctx.AgentID, "trigger", trigger, "error", err)
		return
	}
	if len(bindings) == 0 {
		return
	}

	payload := cctx.snapshot(string(trigger))
	for _, binding := range bindings {
		d.deliver(ctx, binding, payload, trigger)
	}
}

// deliver executes one binding with bounded retry and exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, binding store.IntegrationBinding, payload Payload, trigger store.Trigger) {
	plugin, err := d.plugins.Get(binding.ToolID)
	if err != nil {
		d.log.Error("integration plugin missing",
			"binding", binding.IntegrationID, "tool", binding.ToolID)
		d.count(ctx, binding.ToolID, trigger, "no_plugin")
		return
	}

	var lastErr error
	for attempt := 0; attempt < dispatchAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, dispatchBackoffBase<<(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		lastErr = plugin.Execute(execCtx, payload, binding.Config)
		cancel()
		if lastErr == nil {
			d.count(ctx, binding.ToolID, trigger, "ok")
			return
		}
	}

	d.log.Error("integration delivery failed",
		"binding", binding.IntegrationID, "name", binding.Name,
		"trigger", trigger, "error", lastErr)
	d.count(ctx, binding.ToolID, trigger, "failed")
}

func (d *Dispatcher) count(ctx context.Context, plugin string, trigger store.Trigger, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordIntegrationDispatch(ctx, plugin, string(trigger), outcome)
}
