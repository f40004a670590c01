package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/store"
)

type createOrgRequest struct {
	Name   string         `json:"name"`
	Slug   string         `json:"slug"`
	Config map[string]any `json:"config"`
}

type orgResponse struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func orgToResponse(o store.Organization) orgResponse {
	return orgResponse{
		ID:        o.ID,
		Slug:      o.Slug,
		Name:      o.Name,
		Status:    string(o.Status),
		Config:    o.Config,
		CreatedAt: o.CreatedAt,
	}
}

func (s *Server) createOrganization(c *gin.Context) {
	var req createOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Slug = strings.TrimSpace(strings.ToLower(req.Slug))
	if req.Name == "" || req.Slug == "" {
		failValidation(c, "name and slug are required")
		return
	}

	org := store.Organization{
		ID:     uuid.NewString(),
		Slug:   req.Slug,
		Name:   req.Name,
		Status: store.OrgActive,
		Config: req.Config,
	}
	if err := s.d.Orgs.Create(c.Request.Context(), org); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, orgToResponse(org))
}

func (s *Server) listOrganizations(c *gin.Context) {
	orgs, err := s.d.Orgs.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]orgResponse, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, orgToResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"organizations": out, "total": len(out)})
}

func (s *Server) getOrganization(c *gin.Context) {
	org, err := s.d.Orgs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orgToResponse(*org))
}

func (s *Server) getOrganizationBySlug(c *gin.Context) {
	org, err := s.d.Orgs.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orgToResponse(*org))
}
