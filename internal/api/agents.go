package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

type agentRequest struct {
	OrganizationID string `json:"organizationId"`
	DisplayName    string `json:"displayName"`
	PersonaName    string `json:"personaName"`
	Language       string `json:"language"`
	VoiceID        string `json:"voiceId"`
	SystemPrompt   string `json:"systemPrompt"`
	Greeting       string `json:"greeting"`
	Farewell       string `json:"farewell"`

	PhoneCountryCode string `json:"phoneCountryCode"`
	PhoneNumber      string `json:"phoneNumber"`
	PhoneLocation    string `json:"phoneLocation"`
}

type agentResponse struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	DisplayName    string    `json:"displayName"`
	PersonaName    string    `json:"personaName"`
	Language       string    `json:"language"`
	VoiceID        string    `json:"voiceId"`
	SystemPrompt   string    `json:"systemPrompt"`
	Greeting       string    `json:"greeting,omitempty"`
	Farewell       string    `json:"farewell,omitempty"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	Status         string    `json:"status"`
	NumberOfCalls  int       `json:"numberOfCalls"`
	CreatedAt      time.Time `json:"createdAt"`
}

func agentToResponse(a store.Agent) agentResponse {
	phone := ""
	if a.PhoneNumber != "" {
		phone = a.PhoneCountryCode + a.PhoneNumber
	}
	return agentResponse{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		DisplayName:    a.DisplayName,
		PersonaName:    a.PersonaName,
		Language:       a.Language,
		VoiceID:        a.VoiceID,
		SystemPrompt:   a.SystemPrompt,
		Greeting:       a.Greeting,
		Farewell:       a.Farewell,
		PhoneNumber:    phone,
		Status:         string(a.Status),
		NumberOfCalls:  a.NumberOfCalls,
		CreatedAt:      a.CreatedAt,
	}
}

func (r agentRequest) toAgent(id string) (store.Agent, error) {
	a := store.Agent{
		ID:               id,
		OrganizationID:   strings.TrimSpace(r.OrganizationID),
		DisplayName:      strings.TrimSpace(r.DisplayName),
		PersonaName:      strings.TrimSpace(r.PersonaName),
		Language:         r.Language,
		VoiceID:          r.VoiceID,
		SystemPrompt:     r.SystemPrompt,
		Greeting:         r.Greeting,
		Farewell:         r.Farewell,
		PhoneCountryCode: strings.TrimSpace(r.PhoneCountryCode),
		PhoneLocation:    r.PhoneLocation,
		Status:           store.AgentActive,
	}
	if a.DisplayName == "" {
		return a, apperr.New(apperr.Validation, "displayName is required")
	}
	if a.Language == "" {
		a.Language = "en"
	}
	if n := strings.TrimSpace(r.PhoneNumber); n != "" {
		if a.PhoneCountryCode == "" {
			return a, apperr.New(apperr.Validation, "phoneCountryCode is required with phoneNumber")
		}
		if _, err := callctl.ValidatePhoneNumber(a.PhoneCountryCode + n); err != nil {
			return a, err
		}
		a.PhoneNumber = n
	}
	return a, nil
}

func (s *Server) createAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	if req.OrganizationID == "" {
		failValidation(c, "organizationId is required")
		return
	}
	a, err := req.toAgent(uuid.NewString())
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.d.Agents.Create(c.Request.Context(), a); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, agentToResponse(a))
}

func (s *Server) listAgents(c *gin.Context) {
	tenant := c.Query("tenant_id")
	if tenant == "" {
		failValidation(c, "tenant_id query parameter is required")
		return
	}
	agents, err := s.d.Agents.List(c.Request.Context(), tenant)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "total": len(out)})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.d.Agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(*a))
}

func (s *Server) updateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	a, err := req.toAgent(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.d.Agents.Update(c.Request.Context(), a); err != nil {
		fail(c, err)
		return
	}
	updated, err := s.d.Agents.Get(c.Request.Context(), a.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(*updated))
}

func (s *Server) updateAgentStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	status := store.AgentStatus(req.Status)
	switch status {
	case store.AgentActive, store.AgentInactive, store.AgentBusy, store.AgentError:
	default:
		failValidation(c, "status must be one of active, inactive, busy, error")
		return
	}
	if err := s.d.Agents.UpdateStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		fail(c, err)
		return
	}

	// Activation warms the pipeline so the agent's first call hits primed
	// caches and pooled provider sockets. Best-effort: the agent is active
	// either way.
	if status == store.AgentActive && s.d.Warmer != nil {
		if agent, err := s.d.Agents.Get(c.Request.Context(), c.Param("id")); err == nil {
			if werr := s.d.Warmer.WarmAgent(c.Request.Context(), agent); werr != nil {
				s.log.Warn("agent warmup", "agent", agent.ID, "err", werr)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": req.Status})
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.d.Agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// validateAgent reports phone-binding conflicts without blocking the save.
// A conflicted configuration is still valid to store; the dashboard shows
// the warning.
func (s *Server) validateAgent(c *gin.Context) {
	conflicts, err := s.d.Agents.PhoneConflicts(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"valid": true, "conflictingAgents": []agentResponse{}}
	if len(conflicts) > 0 {
		out := make([]agentResponse, 0, len(conflicts))
		for _, a := range conflicts {
			out = append(out, agentToResponse(a))
		}
		resp["valid"] = false
		resp["warning"] = "phone number is already bound to another active agent"
		resp["conflictingAgents"] = out
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) routeByPhone(c *gin.Context) {
	var req struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	route, err := s.d.Calls.RouteByPhone(c.Request.Context(), req.PhoneNumber)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

// enhancePromptInstruction is the meta-prompt for the prompt rewriter.
const enhancePromptInstruction = "You improve system prompts for voice agents. " +
	"Rewrite the given prompt to be clear, specific, and suited to spoken " +
	"conversation: short sentences, explicit persona, concrete guidance on " +
	"tone and when to use tools. Reply with the improved prompt only."

func (s *Server) enhancePrompt(c *gin.Context) {
	var req struct {
		Prompt      string `json:"prompt"`
		PersonaName string `json:"personaName"`
		Language    string `json:"language"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		failValidation(c, "prompt is required")
		return
	}

	user := req.Prompt
	if req.PersonaName != "" {
		user = "Persona: " + req.PersonaName + "\nLanguage: " + req.Language + "\n\n" + user
	}
	resp, err := s.d.Enhancer.Complete(c.Request.Context(), llm.CompletionRequest{
		SystemPrompt: enhancePromptInstruction,
		Messages:     []types.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		fail(c, apperr.Wrap(apperr.Transport, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"enhancedPrompt": strings.TrimSpace(resp.Content)})
}
