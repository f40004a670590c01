// Package integration dispatches call lifecycle events to the external
// integrations bound to an agent. It keeps a per-call context (transcript
// buffer plus data extracted from function calls) and on each trigger runs
// every subscribed binding's plugin with isolated, retried execution.
package integration

import (
	"sync"
	"time"
)

// TranscriptLine is one spoken line buffered for delivery to integrations.
type TranscriptLine struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallContext accumulates per-call state between call_started and
// call_ended. Safe for concurrent use; the orchestrator and session tasks
// feed it from different goroutines.
type CallContext struct {
	SessionID      string
	AgentID        string
	OrganizationID string
	CallerNumber   string
	StartedAt      time.Time

	mu         sync.Mutex
	endedAt    time.Time
	transcript []TranscriptLine
	extracted  map[string]any
}

func newCallContext(sessionID, agentID, orgID, callerNumber string, startedAt time.Time) *CallContext {
	return &CallContext{
		SessionID:      sessionID,
		AgentID:        agentID,
		OrganizationID: orgID,
		CallerNumber:   callerNumber,
		StartedAt:      startedAt,
		extracted:      make(map[string]any),
	}
}

// AddTranscriptMessage appends one spoken line.
func (c *CallContext) AddTranscriptMessage(speaker, text string, at time.Time) {
	c.mu.Lock()
	c.transcript = append(c.transcript, TranscriptLine{Speaker: speaker, Text: text, Timestamp: at})
	c.mu.Unlock()
}

// OnFunctionCalled merges the extracted fields of a completed tool call into
// the call's data map. Later calls overwrite earlier keys.
func (c *CallContext) OnFunctionCalled(name string, fields map[string]any) {
	c.mu.Lock()
	c.extracted["last_function"] = name
	for k, v := range fields {
		c.extracted[k] = v
	}
	c.mu.Unlock()
}

func (c *CallContext) markEnded(at time.Time) {
	c.mu.Lock()
	c.endedAt = at
	c.mu.Unlock()
}

// Payload is the snapshot delivered to plugins.
type Payload struct {
	SessionID      string           `json:"sessionId"`
	AgentID        string           `json:"agentId"`
	OrganizationID string           `json:"organizationId"`
	CallerNumber   string           `json:"callerNumber,omitempty"`
	Trigger        string           `json:"trigger"`
	StartedAt      time.Time        `json:"startedAt"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	Transcript     []TranscriptLine `json:"transcript"`
	ExtractedData  map[string]any   `json:"extractedData"`
}

// snapshot copies the mutable state into a delivery payload.
func (c *CallContext) snapshot(trigger string) Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	transcript := make([]TranscriptLine, len(c.transcript))
	copy(transcript, c.transcript)
	extracted := make(map[string]any, len(c.extracted))
	for k, v := range c.extracted {
		extracted[k] = v
	}

	p := Payload{
		SessionID:      c.SessionID,
		AgentID:        c.AgentID,
		OrganizationID: c.OrganizationID,
		CallerNumber:   c.CallerNumber,
		Trigger:        trigger,
		StartedAt:      c.StartedAt,
		Transcript:     transcript,
		ExtractedData:  extracted,
	}
	if !c.endedAt.IsZero() {
		ended := c.endedAt
		p.EndedAt = &ended
	}
	return p
}
