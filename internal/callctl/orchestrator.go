// Package callctl implements the call orchestrator: it classifies joining
// participants as SIP or web callers, places outbound SIP calls through the
// media plane's control API, admits calls against the concurrency cap, and
// owns the active-call registry.
//
// The orchestrator is the only writer of the active-call map. Everything
// else observes calls through the event [Broker] or read-only snapshots.
package callctl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// CallState is the lifecycle state of an active call.
type CallState string

const (
	StateRinging      CallState = "ringing"
	StateConnected    CallState = "connected"
	StateDisconnected CallState = "disconnected"
	StateFailed       CallState = "failed"
)

// AgentSource is the slice of the agent store the orchestrator needs.
// Satisfied by [store.AgentStore].
type AgentSource interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
	FindByPhone(ctx context.Context, countryCode, number string) (*store.Agent, error)
}

// SessionWriter is the slice of the session store the orchestrator needs.
// Satisfied by [store.SessionStore].
type SessionWriter interface {
	Create(ctx context.Context, cs store.CallSession) error
	End(ctx context.Context, sessionID string, status store.SessionStatus, endedAt time.Time) error
}

// ActiveCall is the orchestrator's record of one live call. The Tracker is
// shared with the voice session; everything else is written only by the
// orchestrator.
type ActiveCall struct {
	SessionID      string
	OrganizationID string
	AgentID        string
	RoomName       string
	CallType       types.CallType
	State          CallState
	StartedAt      time.Time

	SIPParticipantID string
	PhoneNumber      string

	Tracker *latency.Tracker

	// sipConnect times ring-to-answer on outbound calls.
	sipConnect *latency.Handle

	// done stops the tracker-event forwarder when the call is removed.
	done chan struct{}
}

// OutboundRequest is a request to place an outbound SIP call.
type OutboundRequest struct {
	OrganizationID string
	AgentID        string
	PhoneNumber    string
	RoomName       string
	RingTimeout    time.Duration
	Metadata       map[string]any
}

// OutboundResult reports the placed call.
type OutboundResult struct {
	CallID           string    `json:"callId"`
	RoomName         string    `json:"roomName"`
	SIPParticipantID string    `json:"sipParticipantId"`
	State            CallState `json:"state"`
	InitiatedAt      time.Time `json:"initiatedAt"`
}

// CallBinding is the orchestrator's answer to a participant join: the
// session it created and what the agent should say first.
type CallBinding struct {
	SessionID string
	Agent     *store.Agent
	CallType  types.CallType
	Greeting  string
	Tracker   *latency.Tracker
}

// Orchestrator tracks active calls and mediates between the HTTP surface,
// the media plane, and the voice sessions. Safe for concurrent use.
type Orchestrator struct {
	cfg      config.TelephonyConfig
	agents   AgentSource
	sessions SessionWriter
	sink     latency.Sink
	dialer   SIPDialer
	broker   *Broker
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	active   map[string]*ActiveCall
	pending  int
	draining bool

	now       func() time.Time
	shortRand func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetricSink sets where latency trackers flush on call end. Nil
// disables flushing.
func WithMetricSink(sink latency.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// NewOrchestrator builds the call orchestrator. Zero telephony config fields
// take the platform defaults: 30 s ring timeout, 1 h call cap, no
// concurrency limit.
func NewOrchestrator(cfg config.TelephonyConfig, agents AgentSource, sessions SessionWriter, dialer SIPDialer, broker *Broker, metrics *observe.Metrics, opts ...Option) *Orchestrator {
	if cfg.RingingTimeout <= 0 {
		cfg.RingingTimeout = 30 * time.Second
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = time.Hour
	}
	o := &Orchestrator{
		cfg:       cfg,
		agents:    agents,
		sessions:  sessions,
		dialer:    dialer,
		broker:    broker,
		metrics:   metrics,
		log:       slog.Default(),
		active:    make(map[string]*ActiveCall),
		now:       time.Now,
		shortRand: func() string { return uuid.NewString()[:8] },
	}
	for _, op := range opts {
		op(o)
	}
	return o
}

// ─── admission ───

// admit reserves a slot for a new call, or reports why it cannot. A
// successful reservation counts against the concurrency cap until the caller
// either registers the call or returns the slot with releaseSlot, so
// concurrent joins cannot overshoot the cap while a dial is in flight.
func (o *Orchestrator) admit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return apperr.New(apperr.Admission, "shutting down, not accepting calls")
	}
	if o.cfg.MaxConcurrentCalls > 0 && len(o.active)+o.pending >= o.cfg.MaxConcurrentCalls {
		if o.metrics != nil {
			o.metrics.CallsRejected.Add(context.Background(), 1)
		}
		return apperr.Errorf(apperr.Admission,
			"concurrent call limit %d reached", o.cfg.MaxConcurrentCalls)
	}
	o.pending++
	return nil
}

// releaseSlot returns an admitted-but-unregistered slot after a dial or
// setup failure.
func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	if o.pending > 0 {
		o.pending--
	}
	o.mu.Unlock()
}

// Drain stops the orchestrator admitting new calls. In-flight calls
// continue until they end.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
}

// ─── outbound ───

// StartOutbound validates and places an outbound SIP call. The returned
// state is always ringing; answer and hangup arrive as broker events.
func (o *Orchestrator) StartOutbound(ctx context.Context, req OutboundRequest) (*OutboundResult, error) {
	phone, err := ValidatePhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	agent, err := o.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.OrganizationID != req.OrganizationID {
		return nil, apperr.Errorf(apperr.NotFound, "agent %q not in organization %q", req.AgentID, req.OrganizationID)
	}
	if agent.Status != store.AgentActive {
		return nil, apperr.Errorf(apperr.Conflict, "agent %q is %s, not active", agent.ID, agent.Status)
	}

	if err := o.admit(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	roomName := req.RoomName
	if roomName == "" {
		roomName = RoomName(req.OrganizationID, req.AgentID, o.shortRand())
	}
	ringTimeout := req.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = o.cfg.RingingTimeout
	}

	tracker := latency.New(sessionID, latency.WithAgentID(agent.ID))
	call := &ActiveCall{
		SessionID:      sessionID,
		OrganizationID: req.OrganizationID,
		AgentID:        agent.ID,
		RoomName:       roomName,
		CallType:       types.CallOutbound,
		State:          StateRinging,
		StartedAt:      o.now(),
		PhoneNumber:    phone,
		Tracker:        tracker,
		sipConnect:     tracker.Start(latency.OpSIPConnect),
		done:           make(chan struct{}),
	}

	dial, err := o.dialer.Dial(ctx, DialRequest{
		PhoneNumber:         phone,
		RoomName:            roomName,
		ParticipantIdentity: "sip_out_" + sessionID,
		RingingTimeout:      ringTimeout,
		MaxCallDuration:     o.cfg.MaxCallDuration,
		Metadata:            sessionID,
	})
	if err != nil {
		o.releaseSlot()
		o.log.Error("outbound dial failed", "agent", agent.ID, "err", err)
		return nil, err
	}
	call.SIPParticipantID = dial.ParticipantID

	if err := o.sessions.Create(ctx, store.CallSession{
		SessionID:              sessionID,
		OrganizationID:         req.OrganizationID,
		AgentID:                agent.ID,
		RoomName:               roomName,
		ParticipantIdentity:    dial.ParticipantIdentity,
		CallType:               string(types.CallOutbound),
		Status:                 store.SessionActive,
		StartedAt:              call.StartedAt,
		DestinationPhoneNumber: phone,
		CallSID:                dial.SIPCallID,
		SIPParticipantID:       dial.ParticipantID,
		CallDirection:          "outbound",
		IsTelephony:            true,
		Metadata:               req.Metadata,
	}); err != nil {
		o.releaseSlot()
		return nil, err
	}

	o.register(call)
	o.log.Info("outbound call placed",
		"session", sessionID, "agent", agent.ID, "room", roomName)

	return &OutboundResult{
		CallID:           sessionID,
		RoomName:         roomName,
		SIPParticipantID: dial.ParticipantID,
		State:            StateRinging,
		InitiatedAt:      call.StartedAt,
	}, nil
}

// ─── inbound and web joins ───

// HandleParticipantJoined admits and registers a call for a participant that
// just joined a room. For SIP participants the agent is resolved from the
// room name; web participants carry the agent id in their metadata.
func (o *Orchestrator) HandleParticipantJoined(ctx context.Context, roomName string, p Participant) (*CallBinding, error) {
	info := Classify(p)
	if info.CallType == types.CallOutbound {
		// The outbound leg we created has answered and joined its room.
		if call := o.findByRoom(roomName); call != nil {
			o.MarkAnswered(call.SessionID)
			return nil, nil
		}
	}

	orgID, agentID, err := ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	agent, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if err := o.admit(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	tracker := latency.New(sessionID, latency.WithAgentID(agent.ID))
	call := &ActiveCall{
		SessionID:        sessionID,
		OrganizationID:   orgID,
		AgentID:          agent.ID,
		RoomName:         roomName,
		CallType:         info.CallType,
		State:            StateConnected,
		StartedAt:        o.now(),
		PhoneNumber:      info.CallerPhoneNumber,
		SIPParticipantID: info.CallSID,
		Tracker:          tracker,
		done:             make(chan struct{}),
	}

	if err := o.sessions.Create(ctx, store.CallSession{
		SessionID:              sessionID,
		OrganizationID:         orgID,
		AgentID:                agent.ID,
		RoomName:               roomName,
		ParticipantIdentity:    p.Identity,
		CallType:               string(info.CallType),
		Status:                 store.SessionActive,
		StartedAt:              call.StartedAt,
		CallerPhoneNumber:      info.CallerPhoneNumber,
		DestinationPhoneNumber: info.DestinationPhoneNumber,
		CallSID:                info.CallSID,
		CallDirection:          info.CallDirection,
		IsTelephony:            info.IsTelephony,
	}); err != nil {
		o.releaseSlot()
		return nil, err
	}

	o.register(call)
	o.publish(EventCallStarted, call, nil)
	o.publish(EventCallAnswered, call, nil)
	o.log.Info("participant joined",
		"session", sessionID, "room", roomName, "call_type", info.CallType,
		"telephony", info.IsTelephony)

	return &CallBinding{
		SessionID: sessionID,
		Agent:     agent,
		CallType:  info.CallType,
		Greeting:  GreetingFor(agent, info.CallType),
		Tracker:   tracker,
	}, nil
}

// StartWeb admits and registers a browser call that attached straight to the
// media endpoint. No media-plane webhook fires for these, so the registry
// entry is created here and removed by EndCall when the socket closes.
func (o *Orchestrator) StartWeb(ctx context.Context, agentID string) (*CallBinding, error) {
	agent, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if err := o.admit(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	roomName := RoomName(agent.OrganizationID, agent.ID, o.shortRand())
	tracker := latency.New(sessionID, latency.WithAgentID(agent.ID))
	call := &ActiveCall{
		SessionID:      sessionID,
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		RoomName:       roomName,
		CallType:       types.CallWeb,
		State:          StateConnected,
		StartedAt:      o.now(),
		Tracker:        tracker,
		done:           make(chan struct{}),
	}

	if err := o.sessions.Create(ctx, store.CallSession{
		SessionID:      sessionID,
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		RoomName:       roomName,
		CallType:       string(types.CallWeb),
		Status:         store.SessionActive,
		StartedAt:      call.StartedAt,
	}); err != nil {
		o.releaseSlot()
		return nil, err
	}

	o.register(call)
	o.publish(EventCallStarted, call, nil)
	o.publish(EventCallAnswered, call, nil)
	o.log.Info("web call attached", "session", sessionID, "agent", agent.ID)

	return &CallBinding{
		SessionID: sessionID,
		Agent:     agent,
		CallType:  types.CallWeb,
		Greeting:  GreetingFor(agent, types.CallWeb),
		Tracker:   tracker,
	}, nil
}

// RouteResult is the agent-room binding returned to the SIP dispatch
// webhook.
type RouteResult struct {
	OrganizationID string `json:"organizationId"`
	AgentID        string `json:"agentId"`
	RoomName       string `json:"roomName"`
}

// RouteByPhone resolves the active agent bound to a dialed number and
// derives the room the call should land in. The country code split is not
// recoverable from E.164 alone, so prefixes of one to three digits are
// tried longest-first.
func (o *Orchestrator) RouteByPhone(ctx context.Context, dialed string) (*RouteResult, error) {
	phone, err := ValidatePhoneNumber(dialed)
	if err != nil {
		return nil, err
	}
	digits := phone
	if digits[0] == '+' {
		digits = digits[1:]
	}

	var agent *store.Agent
	for ccLen := 3; ccLen >= 1; ccLen-- {
		if len(digits) <= ccLen {
			continue
		}
		a, err := o.agents.FindByPhone(ctx, digits[:ccLen], digits[ccLen:])
		if err == nil {
			agent = a
			break
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}
	}
	if agent == nil {
		return nil, apperr.Errorf(apperr.NotFound, "no active agent for %s", phone)
	}

	return &RouteResult{
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		RoomName:       RoomName(agent.OrganizationID, agent.ID, o.shortRand()),
	}, nil
}

// ─── lifecycle transitions ───

// MarkAnswered transitions a ringing outbound call to connected and stops
// the sip_connect timer.
func (o *Orchestrator) MarkAnswered(sessionID string) {
	o.mu.Lock()
	call, ok := o.active[sessionID]
	if !ok || call.State != StateRinging {
		o.mu.Unlock()
		return
	}
	call.State = StateConnected
	h := call.sipConnect
	call.sipConnect = nil
	o.mu.Unlock()

	if h != nil {
		h.End()
	}
	o.publish(EventCallAnswered, call, nil)
	o.log.Info("call answered", "session", sessionID)
}

// EndCall transitions a call to disconnected (or failed), persists the end
// of its session row, flushes its latency samples, and removes it from the
// active set. Ending an unknown or already ended call is a no-op.
func (o *Orchestrator) EndCall(ctx context.Context, sessionID string, status store.SessionStatus) {
	o.mu.Lock()
	call, ok := o.active[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.active, sessionID)
	if status == store.SessionFailed {
		call.State = StateFailed
	} else {
		call.State = StateDisconnected
	}
	close(call.done)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveCalls.Add(ctx, -1)
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.sessions.End(ctx, sessionID, status, o.now()); err != nil {
		o.log.Error("session end", "session", sessionID, "err", err)
	}
	if o.sink != nil {
		if err := call.Tracker.Flush(ctx, o.sink); err != nil {
			o.log.Error("latency flush", "session", sessionID, "err", err)
		}
	}

	if status == store.SessionFailed {
		o.publish(EventCallError, call, apperr.New(apperr.Pipeline, "call failed"))
	}
	o.publish(EventCallEnded, call, nil)
	o.log.Info("call ended", "session", sessionID, "status", status)
}

// EndCallByRoom ends the active call bound to a room, if any. Room events
// from the media plane identify calls by room name, not session id.
func (o *Orchestrator) EndCallByRoom(ctx context.Context, roomName string, status store.SessionStatus) bool {
	call := o.findByRoom(roomName)
	if call == nil {
		return false
	}
	o.EndCall(ctx, call.SessionID, status)
	return true
}

// FailCall ends the call recording a failure cause.
func (o *Orchestrator) FailCall(ctx context.Context, sessionID string, cause error) {
	o.mu.Lock()
	call, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		o.publish(EventCallError, call, cause)
	}
	o.EndCall(ctx, sessionID, store.SessionFailed)
}

// ─── registry access ───

// Get returns a snapshot of one active call.
func (o *Orchestrator) Get(sessionID string) (*ActiveCall, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call, ok := o.active[sessionID]
	if !ok {
		return nil, false
	}
	cp := *call
	return &cp, true
}

// ActiveCount returns how many calls are currently registered.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// findByRoom returns the active call bound to a room, or nil.
func (o *Orchestrator) findByRoom(roomName string) *ActiveCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, call := range o.active {
		if call.RoomName == roomName {
			return call
		}
	}
	return nil
}

// register moves the call's reserved slot into the active set and starts
// forwarding its tracker breaches onto the broker.
func (o *Orchestrator) register(call *ActiveCall) {
	o.mu.Lock()
	if o.pending > 0 {
		o.pending--
	}
	o.active[call.SessionID] = call
	o.mu.Unlock()

	if o.metrics != nil {
		ctx := context.Background()
		o.metrics.ActiveCalls.Add(ctx, 1)
		o.metrics.CallsStarted.Add(ctx, 1)
	}
	if call.CallType == types.CallOutbound {
		o.publish(EventCallStarted, call, nil)
	}

	go o.forwardBreaches(call)
}

// forwardBreaches relays target_exceeded events from the call's tracker to
// the broker until the call ends.
func (o *Orchestrator) forwardBreaches(call *ActiveCall) {
	for {
		select {
		case <-call.done:
			return
		case ev := <-call.Tracker.Events():
			o.broker.Publish(Event{
				Type:           EventLatencyExceeded,
				SessionID:      call.SessionID,
				AgentID:        call.AgentID,
				OrganizationID: call.OrganizationID,
				RoomName:       call.RoomName,
				Op:             string(ev.Op),
				DurationMs:     ev.DurationMs,
			})
		}
	}
}

func (o *Orchestrator) publish(t EventType, call *ActiveCall, err error) {
	o.broker.Publish(Event{
		Type:           t,
		SessionID:      call.SessionID,
		AgentID:        call.AgentID,
		OrganizationID: call.OrganizationID,
		RoomName:       call.RoomName,
		Err:            err,
	})
}
