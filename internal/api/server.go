// Package api exposes the Vocalis HTTP surface: tenant and agent management,
// outbound calls and call history, document ingestion with preview/confirm,
// analytics reads, integration bindings, and the LiveKit SIP dispatch
// webhook. All routes live under /api/v1; health, readiness, and metrics sit
// at the root.
//
// Handlers translate between JSON and the subsystems and hold no state of
// their own. Errors cross the boundary as apperr kinds and are mapped to
// status codes in one place.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/health"
	"github.com/vocalis-ai/vocalis/internal/ingest"
	"github.com/vocalis-ai/vocalis/internal/integration"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// ─── store slices ───

// OrgDirectory is the slice of the organization store the API needs.
// Satisfied by [store.OrgStore].
type OrgDirectory interface {
	Create(ctx context.Context, org store.Organization) error
	Get(ctx context.Context, id string) (*store.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*store.Organization, error)
	List(ctx context.Context) ([]store.Organization, error)
}

// AgentDirectory is the slice of the agent store the API needs. Satisfied by
// [store.AgentStore].
type AgentDirectory interface {
	Create(ctx context.Context, a store.Agent) error
	Get(ctx context.Context, id string) (*store.Agent, error)
	List(ctx context.Context, organizationID string) ([]store.Agent, error)
	Update(ctx context.Context, a store.Agent) error
	UpdateStatus(ctx context.Context, id string, status store.AgentStatus) error
	Delete(ctx context.Context, id string) error
	PhoneConflicts(ctx context.Context, id string) ([]store.Agent, error)
}

// SessionReader is the read slice of the session store. Satisfied by
// [store.SessionStore].
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*store.CallSession, error)
	List(ctx context.Context, filter store.SessionFilter) ([]store.CallSession, error)
	Transcript(ctx context.Context, sessionID string) ([]types.TranscriptEntry, error)
}

// BindingStore is the integration binding store slice. Satisfied by
// [store.IntegrationStore].
type BindingStore interface {
	Create(ctx context.Context, b store.IntegrationBinding) error
	Get(ctx context.Context, integrationID string) (*store.IntegrationBinding, error)
	List(ctx context.Context, agentID string) ([]store.IntegrationBinding, error)
	SetEnabled(ctx context.Context, integrationID string, enabled bool) error
	Delete(ctx context.Context, integrationID string) error
}

// CallControl is the call orchestrator surface the API needs. Satisfied by
// [callctl.Orchestrator].
type CallControl interface {
	StartOutbound(ctx context.Context, req callctl.OutboundRequest) (*callctl.OutboundResult, error)
	RouteByPhone(ctx context.Context, dialed string) (*callctl.RouteResult, error)
	HandleParticipantJoined(ctx context.Context, roomName string, p callctl.Participant) (*callctl.CallBinding, error)
	EndCallByRoom(ctx context.Context, roomName string, status store.SessionStatus) bool
	Get(sessionID string) (*callctl.ActiveCall, bool)
	ActiveCount() int
}

// KnowledgeAnalytics is the retrieval analytics surface. Satisfied by
// [knowledge.Retriever].
type KnowledgeAnalytics interface {
	Analytics(ctx context.Context, agentID string) (*store.ChunkAnalytics, error)
	HotChunks(ctx context.Context, agentID string, limit int) ([]store.Chunk, error)
}

// LatencyReader reads aggregated latency percentiles. Satisfied by
// [store.MetricStore].
type LatencyReader interface {
	QueryPercentiles(ctx context.Context, agentID, metricType string, window time.Duration) ([]store.Percentiles, error)
}

// MediaLauncher runs a voice session over an attached audio path. Satisfied
// by [session.Launcher].
type MediaLauncher interface {
	Attach(ctx context.Context, agentID string, in session.AudioInput, out session.AudioOutput) (string, error)
}

// AgentWarmer primes provider connections and caches for an agent entering
// service. Satisfied by [session.Launcher].
type AgentWarmer interface {
	WarmAgent(ctx context.Context, agent *store.Agent) error
}

// Deps carries the collaborators the server routes to. Health may be nil;
// the endpoints then report liveness only.
type Deps struct {
	Orgs      OrgDirectory
	Agents    AgentDirectory
	Sessions  SessionReader
	Bindings  BindingStore
	Calls     CallControl
	Ingest    *ingest.Manager
	Knowledge KnowledgeAnalytics
	Latency   LatencyReader
	Plugins   *integration.PluginRegistry

	// Media handles browser voice calls over the web media endpoint. Nil
	// disables the endpoint.
	Media MediaLauncher

	// Warmer is invoked when an agent is activated. Nil skips warming.
	Warmer AgentWarmer

	// Enhancer rewrites agent prompts for the enhance-prompt endpoint.
	Enhancer llm.Provider

	Metrics *observe.Metrics
	Health  *health.Handler
	Log     *slog.Logger
}

// Server is the HTTP API server. Create with [NewServer], run with
// [Server.Start], stop with [Server.Shutdown].
type Server struct {
	d      Deps
	http   *http.Server
	log    *slog.Logger
	origin string
}

// NewServer builds the gin engine, mounts all routes, and wraps it in an
// http.Server listening on cfg.ListenAddr.
func NewServer(cfg config.ServerConfig, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{d: d, log: log, origin: cfg.DashboardOrigin}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if d.Metrics != nil {
		engine.Use(observe.Middleware(d.Metrics))
	}
	engine.Use(corsMiddleware(cfg.DashboardOrigin))

	s.mountOps(engine)
	s.mountV1(engine.Group("/api/v1"))

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func corsMiddleware(origin string) gin.HandlerFunc {
	cc := cors.DefaultConfig()
	if origin == "" {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = []string{origin}
	}
	cc.AllowHeaders = append(cc.AllowHeaders, "Authorization", "X-Correlation-ID")
	return cors.New(cc)
}

// mountOps adds the operational endpoints outside the versioned base path.
func (s *Server) mountOps(engine *gin.Engine) {
	if s.d.Health != nil {
		engine.GET("/health", gin.WrapF(s.d.Health.Health))
		engine.GET("/ready", gin.WrapF(s.d.Health.Ready))
	} else {
		engine.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		})
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) mountV1(v1 *gin.RouterGroup) {
	orgs := v1.Group("/organizations")
	orgs.POST("/create", s.createOrganization)
	orgs.GET("", s.listOrganizations)
	orgs.GET("/slug/:slug", s.getOrganizationBySlug)
	orgs.GET("/:id", s.getOrganization)

	agents := v1.Group("/agents")
	agents.POST("/create", s.createAgent)
	agents.GET("", s.listAgents)
	agents.POST("/enhance-prompt", s.enhancePrompt)
	agents.POST("/route-by-phone", s.routeByPhone)
	agents.GET("/validate/:id", s.validateAgent)
	agents.GET("/:id", s.getAgent)
	agents.PUT("/:id", s.updateAgent)
	agents.PATCH("/:id/status", s.updateAgentStatus)
	agents.DELETE("/:id", s.deleteAgent)
	agents.GET("/:id/integrations", s.listIntegrations)

	calls := v1.Group("/calls")
	calls.POST("/outbound", s.startOutboundCall)
	calls.GET("", s.listCalls)
	calls.GET("/web/:agentId", s.webCall)
	calls.GET("/:sessionId", s.getCall)
	calls.GET("/:sessionId/transcript", s.getCallTranscript)

	docs := v1.Group("/documents")
	docs.POST("/ingest", s.ingestDocument)
	docs.GET("/:id/status", s.ingestionStatus)
	docs.GET("/:id/chunks", s.ingestionChunks)
	docs.POST("/:id/confirm", s.confirmIngestion)
	docs.POST("/:id/cancel", s.cancelIngestion)
	docs.DELETE("/:id", s.deleteDocument)

	analytics := v1.Group("/analytics")
	analytics.GET("/chunks/:agentId", s.chunkAnalytics)
	analytics.GET("/chunks/:agentId/hot", s.hotChunks)
	analytics.GET("/latency/:agentId", s.latencyPercentiles)
	analytics.GET("/calls/active", s.activeCalls)

	integrations := v1.Group("/integrations")
	integrations.POST("/create", s.createIntegration)
	integrations.GET("/plugins", s.listPlugins)
	integrations.GET("/:id", s.getIntegration)
	integrations.PATCH("/:id/enabled", s.setIntegrationEnabled)
	integrations.DELETE("/:id", s.deleteIntegration)
	integrations.POST("/:id/test", s.testIntegration)

	v1.POST("/livekit/sip-dispatch", s.sipDispatch)
	v1.POST("/livekit/webhook", s.livekitWebhook)
}

// Start serves until the listener fails or [Server.Shutdown] is called.
func (s *Server) Start() error {
	s.log.Info("http server starting", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
