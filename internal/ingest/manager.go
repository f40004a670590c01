// Package ingest implements the document ingestion pipeline: upload,
// structured parse, section-aware chunking, operator preview, and on confirm
// embedding into the per-agent chunk namespace. Sessions advance through a
// staged state machine with TTL expiry, cancellation, and soft-delete
// recovery of confirmed documents.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
)

// acceptedExtensions is the closed set of ingestible file types.
var acceptedExtensions = map[string]struct{}{
	"pdf": {}, "docx": {}, "doc": {}, "txt": {}, "md": {}, "csv": {},
	"xlsx": {}, "xls": {}, "json": {}, "html": {}, "htm": {},
}

const (
	defaultMaxFileSize = 50 << 20 // 50 MiB
	defaultSessionTTL  = 24 * time.Hour
	defaultPurgeAfter  = 30 * 24 * time.Hour

	purgeInterval = time.Hour
	staleInterval = 24 * time.Hour
)

// UploadRequest describes one file upload.
type UploadRequest struct {
	AgentID        string
	OrganizationID string
	FileName       string
	Size           int64
	Content        io.Reader
	PreviewEnabled bool
}

// UploadResult is returned immediately; the pipeline continues in the
// background.
type UploadResult struct {
	SessionID      string `json:"sessionId"`
	Stage          string `json:"stage"`
	PreviewEnabled bool   `json:"previewEnabled"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
}

// ConfirmResult is returned by Confirm. Repeated confirms return the same
// rag ids.
type ConfirmResult struct {
	RagIDs        []string `json:"ragIds"`
	ChunksCreated int      `json:"chunksCreated"`
}

// Manager drives ingestion sessions from upload through confirmation and
// owns the cleanup janitors. Safe for concurrent use.
type Manager struct {
	cfg      config.IngestConfig
	store    *store.Store
	parser   Parser
	chunker  Chunker
	embedder embeddings.Provider
	metrics  *observe.Metrics
	log      *slog.Logger

	// invalidate drops retrieval caches after a namespace change.
	invalidate func()

	mu     sync.Mutex
	active map[string]*activeJob

	now func() time.Time
}

// activeJob is the in-memory state of a session whose driver is running.
// Status reads prefer this over the store row so polling sees stage changes
// without read-after-write races.
type activeJob struct {
	mu       sync.Mutex
	stage    store.IngestStage
	progress int
	cancel   context.CancelFunc
}

func (j *activeJob) set(stage store.IngestStage, progress int) {
	j.mu.Lock()
	j.stage = stage
	j.progress = progress
	j.mu.Unlock()
}

func (j *activeJob) get() (store.IngestStage, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage, j.progress
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInvalidate registers a callback run after confirm, soft delete,
// recover, and purge change a retrieval namespace.
func WithInvalidate(fn func()) ManagerOption {
	return func(m *Manager) { m.invalidate = fn }
}

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager builds an ingestion manager. Zero config fields take the
// platform defaults: 50 MiB cap, 24 hour session TTL, 30 day purge delay.
func NewManager(cfg config.IngestConfig, st *store.Store, parser Parser, embedder embeddings.Provider, metrics *observe.Metrics, opts ...ManagerOption) *Manager {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = defaultPurgeAfter
	}

	m := &Manager{
		cfg:        cfg,
		store:      st,
		parser:     parser,
		embedder:   embedder,
		metrics:    metrics,
		log:        slog.Default(),
		invalidate: func() {},
		active:     make(map[string]*activeJob),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ─── upload ───

// Upload validates the file, creates the ingestion session, and starts the
// background driver. The returned stage is always "uploading".
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ext := fileExtension(req.FileName)
	if _, ok := acceptedExtensions[ext]; !ok {
		return nil, apperr.Errorf(apperr.Validation, "unsupported file type %q", ext)
	}
	if req.Size > m.cfg.MaxFileSize {
		return nil, apperr.Errorf(apperr.Validation,
			"file too large: %d bytes exceeds the %d byte limit", req.Size, m.cfg.MaxFileSize)
	}

	// Cap the read regardless of the declared size.
	content, err := io.ReadAll(io.LimitReader(req.Content, m.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("ingest upload: read: %w", err)
	}
	if int64(len(content)) > m.cfg.MaxFileSize {
		return nil, apperr.Errorf(apperr.Validation,
			"file too large: body exceeds the %d byte limit", m.cfg.MaxFileSize)
	}

	sessionID := uuid.NewString()
	session := store.IngestionSession{
		SessionID:      sessionID,
		AgentID:        req.AgentID,
		OrganizationID: req.OrganizationID,
		FileName:       req.FileName,
		FileType:       ext,
		FileSize:       int64(len(content)),
		Stage:          store.StageUploading,
		PreviewEnabled: req.PreviewEnabled,
		ExpiresAt:      m.now().Add(m.cfg.SessionTTL),
	}
	if err := m.store.Ingestions().Create(ctx, session); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &activeJob{stage: store.StageUploading, cancel: cancel}
	m.mu.Lock()
	m.active[sessionID] = job
	m.mu.Unlock()

	go m.drive(jobCtx, sessionID, req.FileName, content, req.PreviewEnabled, job)

	return &UploadResult{
		SessionID:      sessionID,
		Stage:          string(store.StageUploading),
		PreviewEnabled: req.PreviewEnabled,
		FileName:       req.FileName,
		FileSize:       int64(len(content)),
	}, nil
}

// drive advances a session from parsing to preview_ready, or straight
// through confirmation when preview is disabled.
func (m *Manager) drive(ctx context.Context, sessionID, fileName string, content []byte, preview bool, job *activeJob) {
	defer m.release(sessionID)

	fail := func(stage store.IngestStage, err error) {
		job.set(store.StageFailed, 0)
		if ctx.Err() != nil {
			// Cancelled mid-stage; the Cancel call already updated the row.
			return
		}
		m.log.Error("ingestion failed", "session", sessionID, "stage", stage, "error", err)
		m.countJob(ctx, stage, "failed")
		if serr := m.store.Ingestions().Fail(context.WithoutCancel(ctx), sessionID, err.Error()); serr != nil {
			m.log.Error("ingestion fail record", "session", sessionID, "error", serr)
		}
	}

	m.setStage(ctx, sessionID, job, store.StageParsing, 10)
	elements, err := m.parser.Parse(ctx, fileName, content)
	if err != nil {
		fail(store.StageParsing, err)
		return
	}
	if len(elements) == 0 {
		fail(store.StageParsing, apperr.New(apperr.Pipeline, "parser produced no elements"))
		return
	}

	m.setStage(ctx, sessionID, job, store.StageChunking, 50)
	chunks := m.chunker.Chunk(elements)
	if len(chunks) == 0 {
		fail(store.StageChunking, apperr.New(apperr.Pipeline, "no chunks above minimum length"))
		return
	}

	if err := m.store.Ingestions().SetPreview(ctx, sessionID, chunks); err != nil {
		fail(store.StageChunking, err)
		return
	}
	job.set(store.StagePreviewReady, 100)
	m.countJob(ctx, store.StagePreviewReady, "ok")

	if !preview {
		if _, err := m.Confirm(ctx, sessionID); err != nil {
			m.log.Error("auto-confirm failed", "session", sessionID, "error", err)
		}
	}
}

func (m *Manager) setStage(ctx context.Context, sessionID string, job *activeJob, stage store.IngestStage, progress int) {
	job.set(stage, progress)
	if err := m.store.Ingestions().SetStage(ctx, sessionID, stage, progress); err != nil {
		m.log.Warn("ingestion stage record", "session", sessionID, "stage", stage, "error", err)
	}
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	if job, ok := m.active[sessionID]; ok {
		job.cancel()
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
}

// ─── status and preview ───

// Status returns the current session state, preferring the in-memory stage
// of a running driver over the stored row.
func (m *Manager) Status(ctx context.Context, sessionID string) (*store.IngestionSession, error) {
	session, err := m.store.Ingestions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	job, running := m.active[sessionID]
	m.mu.Unlock()
	if running {
		stage, progress := job.get()
		session.Stage = stage
		session.Progress = progress
	}
	return session, nil
}

// PreviewChunks returns the chunk snapshot of a session at or past
// preview_ready.
func (m *Manager) PreviewChunks(ctx context.Context, sessionID string) ([]store.PreviewChunk, error) {
	session, err := m.store.Ingestions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(session.ChunksSnapshot) == 0 && !session.Stage.Terminal() {
		return nil, apperr.Errorf(apperr.Conflict,
			"session %q has no preview yet (stage %s)", sessionID, session.Stage)
	}
	return session.ChunksSnapshot, nil
}

// ─── confirm ───

// Confirm persists the previewed chunks as a document and embeds them into
// the agent's namespace. Idempotent: confirming a completed session returns
// the rag ids recorded the first time.
func (m *Manager) Confirm(ctx context.Context, sessionID string) (*ConfirmResult, error) {
	session, err := m.store.Ingestions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Stage {
	case store.StageCompleted:
		return &ConfirmResult{RagIDs: session.RagEntryIDs, ChunksCreated: len(session.RagEntryIDs)}, nil
	case store.StagePreviewReady:
	case store.StageFailed, store.StageCancelled:
		return nil, apperr.Errorf(apperr.Conflict, "session %q is %s", sessionID, session.Stage)
	default:
		return nil, apperr.Errorf(apperr.Conflict,
			"session %q not ready for confirm (stage %s)", sessionID, session.Stage)
	}
	if m.now().After(session.ExpiresAt) {
		return nil, apperr.Errorf(apperr.Conflict, "session %q preview expired", sessionID)
	}
	if len(session.ChunksSnapshot) == 0 {
		return nil, apperr.Errorf(apperr.Pipeline, "session %q has an empty preview", sessionID)
	}

	if err := m.store.Ingestions().SetStage(ctx, sessionID, store.StageConfirming, 0); err != nil {
		return nil, err
	}

	// Document row first, embeddings after. A failure past this point
	// leaves the session failed and the document processing; the daily
	// janitor sweeps the leftovers.
	doc := store.Document{
		DocumentID:     sessionID,
		AgentID:        session.AgentID,
		OrganizationID: session.OrganizationID,
		FileName:       session.FileName,
		FileType:       session.FileType,
		FileSize:       session.FileSize,
		SourceType:     "upload",
		Status:         store.DocProcessing,
		UploadedAt:     session.CreatedAt,
	}
	if err := m.store.Ingestions().SetStage(ctx, sessionID, store.StagePersisting, 20); err != nil {
		return nil, err
	}
	if err := m.store.Documents().Create(ctx, doc); err != nil && apperr.KindOf(err) != apperr.Conflict {
		return nil, m.failConfirm(ctx, sessionID, store.StagePersisting, err)
	}

	if err := m.store.Ingestions().SetStage(ctx, sessionID, store.StageEmbedding, 50); err != nil {
		return nil, err
	}
	texts := make([]string, len(session.ChunksSnapshot))
	for i, pc := range session.ChunksSnapshot {
		texts[i] = pc.Text
	}
	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, m.failConfirm(ctx, sessionID, store.StageEmbedding, err)
	}
	if len(vectors) != len(texts) {
		return nil, m.failConfirm(ctx, sessionID, store.StageEmbedding,
			apperr.Errorf(apperr.Pipeline, "embedder returned %d vectors for %d chunks", len(vectors), len(texts)))
	}

	chunks := make([]store.Chunk, len(session.ChunksSnapshot))
	ragIDs := make([]string, len(session.ChunksSnapshot))
	for i, pc := range session.ChunksSnapshot {
		id := uuid.NewString()
		ragIDs[i] = id
		chunks[i] = store.Chunk{
			ChunkID:      id,
			DocumentID:   sessionID,
			AgentID:      session.AgentID,
			ChunkIndex:   pc.ChunkIndex,
			Text:         pc.Text,
			TokenCount:   pc.TokenCount,
			PageNumber:   pc.PageNumber,
			SectionTitle: pc.SectionTitle,
			SectionPath:  pc.SectionPath,
			ContentType:  pc.ContentType,
			QualityScore: pc.QualityScore,
			Embedding:    vectors[i],
		}
	}
	if err := m.store.Chunks().InsertBatch(ctx, chunks); err != nil {
		return nil, m.failConfirm(ctx, sessionID, store.StageEmbedding, err)
	}

	if err := m.store.Documents().MarkProcessed(ctx, sessionID, len(chunks), ragIDs); err != nil {
		return nil, m.failConfirm(ctx, sessionID, store.StageEmbedding, err)
	}
	if err := m.store.Ingestions().Complete(ctx, sessionID, ragIDs); err != nil {
		return nil, err
	}

	m.countJob(ctx, store.StageCompleted, "ok")
	m.invalidate()
	m.log.Info("ingestion completed",
		"session", sessionID, "agent", session.AgentID, "chunks", len(chunks))
	return &ConfirmResult{RagIDs: ragIDs, ChunksCreated: len(chunks)}, nil
}

func (m *Manager) failConfirm(ctx context.Context, sessionID string, stage store.IngestStage, err error) error {
	m.countJob(ctx, stage, "failed")
	if serr := m.store.Ingestions().Fail(context.WithoutCancel(ctx), sessionID, err.Error()); serr != nil {
		m.log.Error("ingestion fail record", "session", sessionID, "error", serr)
	}
	return err
}

// ─── cancel, delete, recover ───

// Cancel stops a running driver and moves the session to cancelled,
// discarding preview artifacts. Cancelling a terminal session returns a
// conflict.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if job, ok := m.active[sessionID]; ok {
		job.cancel()
	}
	m.mu.Unlock()

	return m.store.Ingestions().Cancel(ctx, sessionID)
}

// SoftDelete tombstones a document. Its chunks stay stored but leave
// retrieval immediately; Recover restores them until the purge deadline.
func (m *Manager) SoftDelete(ctx context.Context, documentID, reason string) error {
	purgeAt := m.now().Add(m.cfg.PurgeAfter)
	if err := m.store.Documents().SoftDelete(ctx, documentID, reason, purgeAt); err != nil {
		return err
	}
	m.invalidate()
	m.log.Info("document soft-deleted", "document", documentID, "purge_at", purgeAt)
	return nil
}

// Recover restores a soft-deleted document before its purge deadline.
func (m *Manager) Recover(ctx context.Context, documentID string) error {
	if err := m.store.Documents().Recover(ctx, documentID); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// ─── janitors ───

// StartJanitors launches the hourly tombstone purge and the daily sweep of
// stale ingestion sessions. Both stop when ctx is cancelled.
func (m *Manager) StartJanitors(ctx context.Context) {
	go m.runEvery(ctx, purgeInterval, m.purgeTombstones)
	go m.runEvery(ctx, staleInterval, m.expireStale)
}

func (m *Manager) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) purgeTombstones(ctx context.Context) {
	n, err := m.store.Documents().PurgeExpired(ctx, m.now())
	if err != nil {
		m.log.Error("tombstone purge", "error", err)
		return
	}
	if n > 0 {
		m.invalidate()
		m.log.Info("tombstones purged", "count", n)
	}
}

func (m *Manager) expireStale(ctx context.Context) {
	ids, err := m.store.Ingestions().ExpireStale(ctx, m.now())
	if err != nil {
		m.log.Error("stale session sweep", "error", err)
		return
	}
	if len(ids) > 0 {
		m.log.Info("stale ingestion sessions expired", "count", len(ids))
	}
}

func (m *Manager) countJob(ctx context.Context, stage store.IngestStage, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordIngestJob(ctx, string(stage), outcome)
}
