package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) chunkAnalytics(c *gin.Context) {
	a, err := s.d.Knowledge.Analytics(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalChunks":      a.TotalChunks,
		"totalTokens":      a.TotalTokens,
		"avgQuality":       a.AvgQuality,
		"totalAccessCount": a.TotalAccessCount,
		"contentTypes":     a.ContentTypes,
		"qualityBuckets":   a.QualityBuckets,
	})
}

func (s *Server) hotChunks(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			failValidation(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	chunks, err := s.d.Knowledge.HotChunks(c.Request.Context(), c.Param("agentId"), limit)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, gin.H{
			"chunkId":      ch.ChunkID,
			"documentId":   ch.DocumentID,
			"text":         ch.Text,
			"sectionTitle": ch.SectionTitle,
			"accessCount":  ch.AccessCount,
			"qualityScore": ch.QualityScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chunks": out, "total": len(out)})
}

func (s *Server) latencyPercentiles(c *gin.Context) {
	window := time.Hour
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			failValidation(c, "window must be a positive duration (e.g. 15m, 1h)")
			return
		}
		window = d
	}
	percs, err := s.d.Latency.QueryPercentiles(c.Request.Context(),
		c.Param("agentId"), c.Query("metric"), window)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(percs))
	for _, p := range percs {
		out = append(out, gin.H{
			"metric": p.MetricName,
			"count":  p.Count,
			"avgMs":  p.AvgMs,
			"p50Ms":  p.P50Ms,
			"p95Ms":  p.P95Ms,
			"p99Ms":  p.P99Ms,
			"maxMs":  p.MaxMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"window": window.String(), "metrics": out})
}

func (s *Server) activeCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activeCalls": s.d.Calls.ActiveCount()})
}
