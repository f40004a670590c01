package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/store"
)

type createIntegrationRequest struct {
	AgentID        string         `json:"agentId"`
	OrganizationID string         `json:"organizationId"`
	ToolID         string         `json:"toolId"`
	Name           string         `json:"name"`
	Config         map[string]any `json:"config"`
	Triggers       []string       `json:"triggers"`
}

func (s *Server) createIntegration(c *gin.Context) {
	var req createIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" || req.ToolID == "" {
		failValidation(c, "agentId and toolId are required")
		return
	}

	plugin, err := s.d.Plugins.Get(req.ToolID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := plugin.ValidateConfig(req.Config); err != nil {
		fail(c, err)
		return
	}

	triggers := make([]store.Trigger, 0, len(req.Triggers))
	for _, t := range req.Triggers {
		triggers = append(triggers, store.Trigger(t))
	}
	if len(triggers) == 0 {
		triggers = []store.Trigger{store.TriggerCallEnded}
	}

	b := store.IntegrationBinding{
		IntegrationID:  uuid.NewString(),
		AgentID:        req.AgentID,
		OrganizationID: req.OrganizationID,
		ToolID:         req.ToolID,
		Name:           req.Name,
		Config:         req.Config,
		Triggers:       triggers,
		Enabled:        true,
	}
	if err := s.d.Bindings.Create(c.Request.Context(), b); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"integrationId": b.IntegrationID, "enabled": true})
}

func (s *Server) getIntegration(c *gin.Context) {
	b, err := s.d.Bindings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) listIntegrations(c *gin.Context) {
	bindings, err := s.d.Bindings.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": bindings, "total": len(bindings)})
}

func (s *Server) setIntegrationEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		failValidation(c, "body must be {\"enabled\": true|false}")
		return
	}
	if err := s.d.Bindings.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": *req.Enabled})
}

func (s *Server) deleteIntegration(c *gin.Context) {
	if err := s.d.Bindings.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// testIntegration probes the binding's configured target without dispatching
// a real payload.
func (s *Server) testIntegration(c *gin.Context) {
	b, err := s.d.Bindings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	plugin, err := s.d.Plugins.Get(b.ToolID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := plugin.TestConnection(c.Request.Context(), b.Config); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// listPlugins returns the installed plugin ids and their config schemas for
// dashboard form rendering.
func (s *Server) listPlugins(c *gin.Context) {
	ids := s.d.Plugins.IDs()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		p, err := s.d.Plugins.Get(id)
		if err != nil {
			continue
		}
		out = append(out, gin.H{"id": id, "configSchema": p.ConfigSchema()})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}
