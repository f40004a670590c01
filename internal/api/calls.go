package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/store"
)

type outboundCallRequest struct {
	OrganizationID string         `json:"organizationId"`
	AgentID        string         `json:"agentId"`
	PhoneNumber    string         `json:"phoneNumber"`
	RoomName       string         `json:"roomName"`
	RingTimeout    int            `json:"ringTimeout"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) startOutboundCall(c *gin.Context) {
	var req outboundCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	if req.OrganizationID == "" || req.AgentID == "" {
		failValidation(c, "organizationId and agentId are required")
		return
	}

	res, err := s.d.Calls.StartOutbound(c.Request.Context(), callctl.OutboundRequest{
		OrganizationID: req.OrganizationID,
		AgentID:        req.AgentID,
		PhoneNumber:    req.PhoneNumber,
		RoomName:       req.RoomName,
		RingTimeout:    time.Duration(req.RingTimeout) * time.Second,
		Metadata:       req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"callId":           res.CallID,
		"roomName":         res.RoomName,
		"sipParticipantId": res.SIPParticipantID,
		"state":            res.State,
		"initiatedAt":      res.InitiatedAt,
	})
}

type callResponse struct {
	SessionID       string         `json:"sessionId"`
	OrganizationID  string         `json:"organizationId"`
	AgentID         string         `json:"agentId"`
	RoomName        string         `json:"roomName"`
	CallType        string         `json:"callType"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
	DurationSeconds int            `json:"durationSeconds"`
	CallerNumber    string         `json:"callerNumber,omitempty"`
	CallDirection   string         `json:"callDirection,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func callToResponse(cs store.CallSession) callResponse {
	out := callResponse{
		SessionID:       cs.SessionID,
		OrganizationID:  cs.OrganizationID,
		AgentID:         cs.AgentID,
		RoomName:        cs.RoomName,
		CallType:        cs.CallType,
		Status:          string(cs.Status),
		StartedAt:       cs.StartedAt,
		DurationSeconds: cs.DurationSeconds,
		CallerNumber:    cs.CallerPhoneNumber,
		CallDirection:   cs.CallDirection,
		Metadata:        cs.Metadata,
	}
	if !cs.EndedAt.IsZero() {
		t := cs.EndedAt
		out.EndedAt = &t
	}
	return out
}

func (s *Server) listCalls(c *gin.Context) {
	filter := store.SessionFilter{
		AgentID:        c.Query("agent_id"),
		OrganizationID: c.Query("tenant_id"),
	}
	if filter.AgentID == "" && filter.OrganizationID == "" {
		failValidation(c, "agent_id or tenant_id query parameter is required")
		return
	}
	sessions, err := s.d.Sessions.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]callResponse, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, callToResponse(cs))
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "total": len(out)})
}

func (s *Server) getCall(c *gin.Context) {
	cs, err := s.d.Sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	resp := callToResponse(*cs)
	if call, ok := s.d.Calls.Get(cs.SessionID); ok {
		resp.Status = string(store.SessionActive)
		resp.Metadata = mergeMeta(resp.Metadata, map[string]any{"callState": call.State})
	}
	c.JSON(http.StatusOK, resp)
}

func mergeMeta(base, extra map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

type transcriptLine struct {
	Timestamp    time.Time `json:"timestamp"`
	Speaker      string    `json:"speaker"`
	Text         string    `json:"text"`
	Type         string    `json:"type"`
	LatencyMs    int       `json:"latencyMs,omitempty"`
	FunctionName string    `json:"functionName,omitempty"`
}

func (s *Server) getCallTranscript(c *gin.Context) {
	id := c.Param("sessionId")
	entries, err := s.d.Sessions.Transcript(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]transcriptLine, 0, len(entries))
	for _, e := range entries {
		out = append(out, transcriptLine{
			Timestamp:    e.Timestamp,
			Speaker:      string(e.Speaker),
			Text:         e.Text,
			Type:         string(e.Type),
			LatencyMs:    e.LatencyMs,
			FunctionName: e.FunctionName,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "transcript": out, "total": len(out)})
}

// sipDispatchRequest is the LiveKit SIP dispatch webhook payload. Only the
// dialed number matters for routing.
type sipDispatchRequest struct {
	CallID      string `json:"call_id"`
	TrunkPhone  string `json:"trunk_phone_number"`
	CallerPhone string `json:"calling_phone_number"`
}

// sipDispatch answers the LiveKit dispatch webhook with the room binding for
// the agent that owns the dialed trunk number.
func (s *Server) sipDispatch(c *gin.Context) {
	var req sipDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	if req.TrunkPhone == "" {
		failValidation(c, "trunk_phone_number is required")
		return
	}

	route, err := s.d.Calls.RouteByPhone(c.Request.Context(), req.TrunkPhone)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_name": route.RoomName,
		"attributes": map[string]string{
			"agentId":        route.AgentID,
			"organizationId": route.OrganizationID,
		},
	})
}

// livekitEvent is the subset of the LiveKit room webhook payload the server
// acts on.
type livekitEvent struct {
	Event string `json:"event"`
	Room  struct {
		Name string `json:"name"`
	} `json:"room"`
	Participant struct {
		Identity   string            `json:"identity"`
		Kind       string            `json:"kind"`
		Metadata   string            `json:"metadata"`
		Attributes map[string]string `json:"attributes"`
	} `json:"participant"`
}

// livekitWebhook ingests room events from the media plane. A joined
// participant admits and registers the inbound or web call; room teardown
// events end it. Unhandled event types are acknowledged so LiveKit does not
// retry them.
func (s *Server) livekitWebhook(c *gin.Context) {
	var ev livekitEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}

	switch ev.Event {
	case "participant_joined":
		binding, err := s.d.Calls.HandleParticipantJoined(c.Request.Context(), ev.Room.Name, callctl.Participant{
			Identity:   ev.Participant.Identity,
			Kind:       ev.Participant.Kind,
			Metadata:   ev.Participant.Metadata,
			Attributes: ev.Participant.Attributes,
		})
		if err != nil {
			fail(c, err)
			return
		}
		resp := gin.H{"handled": true}
		if binding != nil {
			resp["sessionId"] = binding.SessionID
		}
		c.JSON(http.StatusOK, resp)

	case "participant_left", "room_finished":
		ended := s.d.Calls.EndCallByRoom(c.Request.Context(), ev.Room.Name, store.SessionCompleted)
		c.JSON(http.StatusOK, gin.H{"handled": ended})

	default:
		c.JSON(http.StatusOK, gin.H{"handled": false})
	}
}
