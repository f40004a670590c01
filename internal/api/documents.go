package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vocalis-ai/vocalis/internal/ingest"
	"github.com/vocalis-ai/vocalis/internal/store"
)

func (s *Server) ingestDocument(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		failValidation(c, "multipart field \"file\" is required")
		return
	}
	agentID := c.PostForm("agentId")
	orgID := c.PostForm("organizationId")
	if agentID == "" || orgID == "" {
		failValidation(c, "agentId and organizationId form fields are required")
		return
	}
	preview := true
	if v := c.PostForm("previewEnabled"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			failValidation(c, "previewEnabled must be a boolean")
			return
		}
		preview = p
	}

	f, err := file.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()

	res, err := s.d.Ingest.Upload(c.Request.Context(), ingest.UploadRequest{
		AgentID:        agentID,
		OrganizationID: orgID,
		FileName:       file.Filename,
		Size:           file.Size,
		Content:        f,
		PreviewEnabled: preview,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// stageAlias collapses mid-pipeline stages to "processing" for dashboard
// reads; terminal stages and preview_ready pass through.
func stageAlias(stage store.IngestStage) string {
	if stage.Terminal() || stage == store.StagePreviewReady {
		return string(stage)
	}
	return "processing"
}

func (s *Server) ingestionStatus(c *gin.Context) {
	is, err := s.d.Ingest.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ingestionStatusBody(is))
}

func ingestionStatusBody(is *store.IngestionSession) gin.H {
	resp := gin.H{
		"sessionId":      is.SessionID,
		"stage":          is.Stage,
		"status":         stageAlias(is.Stage),
		"progress":       is.Progress,
		"previewEnabled": is.PreviewEnabled,
		"fileName":       is.FileName,
		"fileSize":       is.FileSize,
	}
	// The chunk snapshot exists from preview_ready onward.
	switch is.Stage {
	case store.StagePreviewReady, store.StageEmbedding, store.StageCompleted:
		resp["chunkCount"] = len(is.ChunksSnapshot)
	}
	if is.ErrorMessage != "" {
		resp["errorMessage"] = is.ErrorMessage
	}
	if !is.ExpiresAt.IsZero() {
		resp["expiresAt"] = is.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) ingestionChunks(c *gin.Context) {
	chunks, err := s.d.Ingest.PreviewChunks(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks, "total": len(chunks)})
}

func (s *Server) confirmIngestion(c *gin.Context) {
	res, err := s.d.Ingest.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"chunksCreated": res.ChunksCreated,
		"ragIds":        res.RagIDs,
	})
}

func (s *Server) cancelIngestion(c *gin.Context) {
	if err := s.d.Ingest.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteDocument(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "deleted via api"
	}
	if err := s.d.Ingest.SoftDelete(c.Request.Context(), c.Param("id"), reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
