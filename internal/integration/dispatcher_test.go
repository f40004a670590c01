package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/store"
)

// fakeBindings serves a fixed binding list for every trigger lookup.
type fakeBindings struct {
	bindings []store.IntegrationBinding
	err      error
}

func (f fakeBindings) ListEnabled(_ context.Context, _ string, trigger store.Trigger) ([]store.IntegrationBinding, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.IntegrationBinding
	for _, b := range f.bindings {
		if b.HasTrigger(trigger) {
			out = append(out, b)
		}
	}
	return out, nil
}

// fakePlugin records executions and fails a configurable number of times.
type fakePlugin struct {
	id string

	mu        sync.Mutex
	failures  int
	executed  []Payload
	testCalls int
}

func (p *fakePlugin) ID() string { return p.id }

func (p *fakePlugin) ConfigSchema() map[string]any { return map[string]any{"type": "object"} }

func (p *fakePlugin) ValidateConfig(map[string]any) error { return nil }

func (p *fakePlugin) TestConnection(context.Context, map[string]any) error {
	p.mu.Lock()
	p.testCalls++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Execute(_ context.Context, payload Payload, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("temporary failure")
	}
	p.executed = append(p.executed, payload)
	return nil
}

func (p *fakePlugin) payloads() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Payload, len(p.executed))
	copy(out, p.executed)
	return out
}

func binding(id, toolID string, triggers ...store.Trigger) store.IntegrationBinding {
	return store.IntegrationBinding{
		IntegrationID: id,
		AgentID:       "agent-1",
		ToolID:        toolID,
		Name:          id,
		Config:        map[string]any{},
		Triggers:      triggers,
		Enabled:       true,
	}
}

func newTestDispatcher(bindings BindingSource, plugins ...Plugin) *Dispatcher {
	d := NewDispatcher(bindings, NewPluginRegistry(plugins...), nil, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatchCallLifecycle(t *testing.T) {
	plugin := &fakePlugin{id: "webhook"}
	d := newTestDispatcher(
		fakeBindings{bindings: []store.IntegrationBinding{
			binding("b1", "webhook", store.TriggerCallStarted, store.TriggerCallEnded),
		}},
		plugin,
	)

	ctx := context.Background()
	d.OnCallStarted(ctx, "sess-1", "agent-1", "org-1", "+14155551212")
	d.AddTranscriptMessage("sess-1", "user", "I want to book a table")
	d.AddTranscriptMessage("sess-1", "agent", "For how many people?")
	d.OnFunctionCalled("sess-1", "book_table", map[string]any{"party_size": 2})
	d.OnCallEnded(ctx, "sess-1")

	payloads := plugin.payloads()
	if len(payloads) != 2 {
		t.Fatalf("got %d deliveries, want call_started and call_ended", len(payloads))
	}

	started, ended := payloads[0], payloads[1]
	if started.Trigger != "call_started" || len(started.Transcript) != 0 {
		t.Errorf("call_started payload = %+v", started)
	}
	if ended.Trigger != "call_ended" {
		t.Errorf("second trigger = %q", ended.Trigger)
	}
	if len(ended.Transcript) != 2 || ended.Transcript[0].Text != "I want to book a table" {
		t.Errorf("transcript = %+v", ended.Transcript)
	}
	if ended.ExtractedData["party_size"] != 2 {
		t.Errorf("extracted data = %+v", ended.ExtractedData)
	}
	if ended.EndedAt == nil {
		t.Error("call_ended payload has no end time")
	}

	// Context is gone after call_ended.
	if d.call("sess-1") != nil {
		t.Error("call context leaked after call_ended")
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	plugin := &fakePlugin{id: "webhook", failures: 2}
	d := newTestDispatcher(
		fakeBindings{bindings: []store.IntegrationBinding{
			binding("b1", "webhook", store.TriggerCallEnded),
		}},
		plugin,
	)

	ctx := context.Background()
	d.OnCallStarted(ctx, "sess-1", "agent-1", "org-1", "")
	d.OnCallEnded(ctx, "sess-1")

	if got := plugin.payloads(); len(got) != 1 {
		t.Fatalf("delivery after two transient failures: %d payloads, want 1", len(got))
	}
}

func TestDispatchIsolatesFailingBindings(t *testing.T) {
	// The first binding fails permanently; the second must still deliver.
	broken := &fakePlugin{id: "mcp", failures: 100}
	healthy := &fakePlugin{id: "webhook"}
	d := newTestDispatcher(
		fakeBindings{bindings: []store.IntegrationBinding{
			binding("b-broken", "mcp", store.TriggerCallEnded),
			binding("b-ok", "webhook", store.TriggerCallEnded),
		}},
		broken, healthy,
	)

	ctx := context.Background()
	d.OnCallStarted(ctx, "sess-1", "agent-1", "org-1", "")
	d.OnCallEnded(ctx, "sess-1")

	if got := healthy.payloads(); len(got) != 1 {
		t.Errorf("healthy binding starved by broken sibling: %d payloads", len(got))
	}
}

func TestDispatchSkipsUnsubscribedTriggers(t *testing.T) {
	plugin := &fakePlugin{id: "webhook"}
	d := newTestDispatcher(
		fakeBindings{bindings: []store.IntegrationBinding{
			binding("b1", "webhook", store.TriggerCallEnded),
		}},
		plugin,
	)

	d.OnCallStarted(context.Background(), "sess-1", "agent-1", "org-1", "")
	if got := plugin.payloads(); len(got) != 0 {
		t.Errorf("call_started delivered to a call_ended-only binding")
	}
}

func TestDispatchUnknownSessionIsNoop(t *testing.T) {
	d := newTestDispatcher(fakeBindings{}, &fakePlugin{id: "webhook"})
	d.AddTranscriptMessage("ghost", "user", "hello")
	d.OnFunctionCalled("ghost", "fn", nil)
	d.OnCallEnded(context.Background(), "ghost")
}

func TestWebhookPluginDeliversSignedPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		sigBySrv string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		sigBySrv = r.Header.Get("X-Vocalis-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPlugin()
	cfg := map[string]any{"url": srv.URL, "secret": "s3cret"}
	payload := Payload{SessionID: "sess-1", AgentID: "agent-1", Trigger: "call_ended"}

	if err := p.Execute(context.Background(), payload, cfg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var got Payload
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("delivered body: %v", err)
	}
	if got.SessionID != "sess-1" || got.Trigger != "call_ended" {
		t.Errorf("payload = %+v", got)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); sigBySrv != want {
		t.Errorf("signature = %q, want %q", sigBySrv, want)
	}
}

func TestWebhookPluginRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhookPlugin()
	err := p.Execute(context.Background(), Payload{}, map[string]any{"url": srv.URL})
	if err == nil {
		t.Fatal("502 accepted as delivered")
	}
}

func TestWebhookValidateConfig(t *testing.T) {
	p := NewWebhookPlugin()
	if err := p.ValidateConfig(map[string]any{"url": "https://example.com/hook"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	for _, cfg := range []map[string]any{
		{},
		{"url": ""},
		{"url": "not a url"},
		{"url": "ftp://example.com"},
	} {
		if err := p.ValidateConfig(cfg); err == nil {
			t.Errorf("config %v accepted", cfg)
		}
	}
}

func TestMCPPluginValidateConfig(t *testing.T) {
	p := NewMCPPlugin(nil)
	if err := p.ValidateConfig(map[string]any{"server": "crm", "tool": "create_lead"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := p.ValidateConfig(map[string]any{"server": "crm"}); err == nil {
		t.Error("missing tool accepted")
	}
}

func TestPluginRegistry(t *testing.T) {
	r := NewPluginRegistry(&fakePlugin{id: "webhook"})
	if _, err := r.Get("webhook"); err != nil {
		t.Errorf("registered plugin missing: %v", err)
	}
	if _, err := r.Get("ghost"); err == nil {
		t.Error("unregistered plugin found")
	}
}
