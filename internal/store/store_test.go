package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCALIS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCALIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCALIS_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema and
// registers cleanup to close it.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS chunks CASCADE",
		"DROP TABLE IF EXISTS integration_bindings CASCADE",
		"DROP TABLE IF EXISTS ingestion_sessions CASCADE",
		"DROP TABLE IF EXISTS document_tombstones CASCADE",
		"DROP TABLE IF EXISTS documents CASCADE",
		"DROP TABLE IF EXISTS call_metrics CASCADE",
		"DROP TABLE IF EXISTS transcript_entries CASCADE",
		"DROP TABLE IF EXISTS call_sessions CASCADE",
		"DROP TABLE IF EXISTS agents CASCADE",
		"DROP TABLE IF EXISTS organizations CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	s, err := store.New(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustCreateOrg(t *testing.T, ctx context.Context, s *store.Store, id, slug string) {
	t.Helper()
	err := s.Orgs().Create(ctx, store.Organization{ID: id, Slug: slug, Name: slug})
	if err != nil {
		t.Fatalf("create org %s: %v", id, err)
	}
}

func mustCreateAgent(t *testing.T, ctx context.Context, s *store.Store, a store.Agent) {
	t.Helper()
	if err := s.Agents().Create(ctx, a); err != nil {
		t.Fatalf("create agent %s: %v", a.ID, err)
	}
}

func mustCreateDocument(t *testing.T, ctx context.Context, s *store.Store, d store.Document) {
	t.Helper()
	if err := s.Documents().Create(ctx, d); err != nil {
		t.Fatalf("create document %s: %v", d.DocumentID, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Organizations
// ─────────────────────────────────────────────────────────────────────────────

func TestOrgs_CreateGetBySlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := store.Organization{
		ID:     "org-1",
		Slug:   "acme",
		Name:   "Acme Corp",
		Config: map[string]any{"region": "eu"},
	}
	if err := s.Orgs().Create(ctx, org); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Orgs().GetBySlug(ctx, "acme")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if got.ID != org.ID || got.Name != org.Name {
		t.Errorf("GetBySlug: want %s/%s, got %s/%s", org.ID, org.Name, got.ID, got.Name)
	}
	if got.Status != store.OrgActive {
		t.Errorf("Status: want active, got %s", got.Status)
	}
	if got.Config["region"] != "eu" {
		t.Errorf("Config: want region=eu, got %v", got.Config)
	}

	// Duplicate slug is a conflict.
	err = s.Orgs().Create(ctx, store.Organization{ID: "org-2", Slug: "acme", Name: "Other"})
	if !apperr.Is(err, apperr.Conflict) {
		t.Errorf("duplicate slug: want Conflict, got %v", err)
	}

	// Missing org is NotFound.
	_, err = s.Orgs().Get(ctx, "does-not-exist")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("missing org: want NotFound, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Agents
// ─────────────────────────────────────────────────────────────────────────────

func TestAgents_PhoneConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateOrg(t, ctx, s, "org-1", "acme")

	a1 := store.Agent{
		ID: "agent-1", OrganizationID: "org-1", DisplayName: "Support",
		PhoneCountryCode: "49", PhoneNumber: "15123456789",
	}
	a2 := store.Agent{
		ID: "agent-2", OrganizationID: "org-1", DisplayName: "Sales",
		PhoneCountryCode: "49", PhoneNumber: "15123456789",
	}
	a3 := store.Agent{
		ID: "agent-3", OrganizationID: "org-1", DisplayName: "Billing",
		PhoneCountryCode: "49", PhoneNumber: "15199999999",
	}
	for _, a := range []store.Agent{a1, a2, a3} {
		mustCreateAgent(t, ctx, s, a)
	}

	conflicts, err := s.Agents().PhoneConflicts(ctx, "agent-1")
	if err != nil {
		t.Fatalf("PhoneConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != "agent-2" {
		t.Errorf("PhoneConflicts: want [agent-2], got %v", agentIDs(conflicts))
	}

	// Deactivating the conflicting agent clears the conflict.
	if err := s.Agents().UpdateStatus(ctx, "agent-2", store.AgentInactive); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	conflicts, err = s.Agents().PhoneConflicts(ctx, "agent-1")
	if err != nil {
		t.Fatalf("PhoneConflicts after deactivate: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("PhoneConflicts after deactivate: want 0, got %d", len(conflicts))
	}

	// Routing by phone finds the remaining active holder.
	routed, err := s.Agents().FindByPhone(ctx, "49", "15123456789")
	if err != nil {
		t.Fatalf("FindByPhone: %v", err)
	}
	if routed.ID != "agent-1" {
		t.Errorf("FindByPhone: want agent-1, got %s", routed.ID)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Call sessions and transcripts
// ─────────────────────────────────────────────────────────────────────────────

func TestSessions_LifecycleAndTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateOrg(t, ctx, s, "org-1", "acme")

	started := time.Now().Add(-95 * time.Second)
	cs := store.CallSession{
		SessionID:      "sess-1",
		OrganizationID: "org-1",
		AgentID:        "agent-1",
		RoomName:       "sip_org-1_agent-1_ab12",
		CallType:       "inbound",
		StartedAt:      started,
		IsTelephony:    true,
	}
	if err := s.Sessions().Create(ctx, cs); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries := []types.TranscriptEntry{
		{Timestamp: started.Add(2 * time.Second), Speaker: types.SpeakerAgent, Text: "Hello, how can I help?"},
		{Timestamp: started.Add(6 * time.Second), Speaker: types.SpeakerUser, Text: "I need to book a table.", Confidence: 0.93},
		{Timestamp: started.Add(8 * time.Second), Speaker: types.SpeakerAgent, Text: "search_knowledge", Type: types.EntryFunctionCall, FunctionName: "search_knowledge"},
	}
	if err := s.Sessions().AppendTranscript(ctx, "sess-1", entries); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	transcript, err := s.Sessions().Transcript(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("Transcript: want 3 entries, got %d", len(transcript))
	}
	for i := 1; i < len(transcript); i++ {
		if transcript[i].Timestamp.Before(transcript[i-1].Timestamp) {
			t.Errorf("transcript out of order at %d", i)
		}
	}
	if transcript[2].Type != types.EntryFunctionCall {
		t.Errorf("entry type: want function_call, got %s", transcript[2].Type)
	}

	ended := started.Add(95 * time.Second)
	if err := s.Sessions().End(ctx, "sess-1", store.SessionCompleted, ended); err != nil {
		t.Fatalf("End: %v", err)
	}
	got, err := s.Sessions().Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.SessionCompleted {
		t.Errorf("Status: want completed, got %s", got.Status)
	}
	if got.DurationSeconds != 95 {
		t.Errorf("DurationSeconds: want 95, got %d", got.DurationSeconds)
	}

	// A second End keeps the original end time and duration.
	if err := s.Sessions().End(ctx, "sess-1", store.SessionCompleted, ended.Add(time.Hour)); err != nil {
		t.Fatalf("second End: %v", err)
	}
	again, _ := s.Sessions().Get(ctx, "sess-1")
	if again.DurationSeconds != 95 {
		t.Errorf("second End changed duration: got %d", again.DurationSeconds)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Metrics
// ─────────────────────────────────────────────────────────────────────────────

func TestMetrics_LatencySinkAndPercentiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	samples := []latency.Sample{
		{SessionID: "sess-1", AgentID: "agent-1", Op: latency.OpE2ETurn, DurationMs: 900, RecordedAt: time.Now()},
		{SessionID: "sess-1", AgentID: "agent-1", Op: latency.OpE2ETurn, DurationMs: 1100, RecordedAt: time.Now()},
		{SessionID: "sess-1", AgentID: "agent-1", Op: latency.OpE2ETurn, DurationMs: 2600, RecordedAt: time.Now()},
		{SessionID: "sess-1", AgentID: "agent-1", Op: latency.OpLLMTTFT, DurationMs: 450, RecordedAt: time.Now()},
	}
	if err := s.Metrics().InsertLatencySamples(ctx, samples); err != nil {
		t.Fatalf("InsertLatencySamples: %v", err)
	}

	stats, err := s.Metrics().QueryPercentiles(ctx, "agent-1", "latency", time.Hour)
	if err != nil {
		t.Fatalf("QueryPercentiles: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("QueryPercentiles: want 2 metric names, got %d", len(stats))
	}
	// Sorted by metric name: e2e_turn first.
	if stats[0].MetricName != string(latency.OpE2ETurn) || stats[0].Count != 3 {
		t.Errorf("e2e_turn: got %+v", stats[0])
	}
	if stats[0].MaxMs != 2600 {
		t.Errorf("MaxMs: want 2600, got %v", stats[0].MaxMs)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Documents, tombstones, chunks
// ─────────────────────────────────────────────────────────────────────────────

func TestChunks_SearchScopedToNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateDocument(t, ctx, s, store.Document{DocumentID: "doc-1", AgentID: "agent-1", OrganizationID: "org-1", FileName: "faq.md"})
	mustCreateDocument(t, ctx, s, store.Document{DocumentID: "doc-2", AgentID: "agent-2", OrganizationID: "org-1", FileName: "other.md"})

	chunks := []store.Chunk{
		{ChunkID: "c-1", DocumentID: "doc-1", AgentID: "agent-1", ChunkIndex: 0, Text: "Opening hours are 9 to 5.", Embedding: []float32{1, 0, 0, 0}, QualityScore: 0.9},
		{ChunkID: "c-2", DocumentID: "doc-1", AgentID: "agent-1", ChunkIndex: 1, Text: "We are closed on Sundays.", Embedding: []float32{0, 1, 0, 0}, QualityScore: 0.7},
		{ChunkID: "c-3", DocumentID: "doc-2", AgentID: "agent-2", ChunkIndex: 0, Text: "Unrelated tenant content.", Embedding: []float32{1, 0, 0, 0}, QualityScore: 0.5},
	}
	if err := s.Chunks().InsertBatch(ctx, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	results, err := s.Chunks().Search(ctx, "agent-1", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search: want 2 results in namespace, got %d", len(results))
	}
	if results[0].Chunk.ChunkID != "c-1" {
		t.Errorf("closest: want c-1, got %s", results[0].Chunk.ChunkID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v vs %v", results[0].Score, results[1].Score)
	}

	// Soft-deleted documents are filtered from retrieval.
	if err := s.Documents().SoftDelete(ctx, "doc-1", "operator request", time.Now().Add(30*24*time.Hour)); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	filtered, err := s.Chunks().Search(ctx, "agent-1", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search after soft delete: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("soft-deleted doc still retrievable: got %d results", len(filtered))
	}

	// Recovery restores retrieval.
	if err := s.Documents().Recover(ctx, "doc-1"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	recovered, err := s.Chunks().Search(ctx, "agent-1", []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search after recover: %v", err)
	}
	if len(recovered) != 2 {
		t.Errorf("after recover: want 2 results, got %d", len(recovered))
	}
}

func TestDocuments_PurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateDocument(t, ctx, s, store.Document{DocumentID: "doc-1", AgentID: "agent-1", OrganizationID: "org-1", FileName: "a.md"})
	if err := s.Chunks().InsertBatch(ctx, []store.Chunk{
		{ChunkID: "c-1", DocumentID: "doc-1", AgentID: "agent-1", Text: "x", Embedding: []float32{1, 0, 0, 0}},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	purgeAt := time.Now().Add(-time.Minute)
	if err := s.Documents().SoftDelete(ctx, "doc-1", "", purgeAt); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	n, err := s.Documents().PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired: want 1, got %d", n)
	}

	// Document and chunks are gone; recovery now fails.
	if _, err := s.Documents().Get(ctx, "doc-1"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("purged document: want NotFound, got %v", err)
	}
	if err := s.Documents().Recover(ctx, "doc-1"); !apperr.Is(err, apperr.Cancelled) {
		t.Errorf("recover purged: want Cancelled, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestIngestions_StageProgressionAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	is := store.IngestionSession{
		SessionID:      "ing-1",
		AgentID:        "agent-1",
		OrganizationID: "org-1",
		FileName:       "handbook.pdf",
		FileType:       "pdf",
		FileSize:       1 << 20,
		PreviewEnabled: true,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	if err := s.Ingestions().Create(ctx, is); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Ingestions().SetStage(ctx, "ing-1", store.StageParsing, 20); err != nil {
		t.Fatalf("SetStage: %v", err)
	}
	preview := []store.PreviewChunk{
		{ChunkIndex: 0, Text: "Chapter one.", TokenCount: 3, ContentType: store.ContentText, QualityScore: 0.8},
	}
	if err := s.Ingestions().SetPreview(ctx, "ing-1", preview); err != nil {
		t.Fatalf("SetPreview: %v", err)
	}

	got, err := s.Ingestions().Get(ctx, "ing-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stage != store.StagePreviewReady || len(got.ChunksSnapshot) != 1 {
		t.Errorf("after preview: stage=%s snapshot=%d", got.Stage, len(got.ChunksSnapshot))
	}

	if err := s.Ingestions().Complete(ctx, "ing-1", []string{"rag-1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	done, _ := s.Ingestions().Get(ctx, "ing-1")
	if done.Stage != store.StageCompleted || len(done.RagEntryIDs) != 1 {
		t.Errorf("after complete: stage=%s ragIDs=%v", done.Stage, done.RagEntryIDs)
	}

	// Cancelling a terminal session is a conflict.
	if err := s.Ingestions().Cancel(ctx, "ing-1"); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("cancel terminal: want Conflict, got %v", err)
	}

	// An expired non-terminal session is swept by ExpireStale.
	stale := store.IngestionSession{
		SessionID: "ing-2", AgentID: "agent-1", OrganizationID: "org-1",
		FileName: "old.txt", ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := s.Ingestions().Create(ctx, stale); err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	expired, err := s.Ingestions().ExpireStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 || expired[0] != "ing-2" {
		t.Errorf("ExpireStale: want [ing-2], got %v", expired)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Integration bindings
// ─────────────────────────────────────────────────────────────────────────────

func TestIntegrations_ListEnabledByTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bindings := []store.IntegrationBinding{
		{
			IntegrationID: "int-1", AgentID: "agent-1", OrganizationID: "org-1",
			ToolID: "webhook", Name: "CRM sync",
			Config:   map[string]any{"url": "https://crm.example.com/hook"},
			Triggers: []store.Trigger{store.TriggerCallEnded}, Enabled: true,
		},
		{
			IntegrationID: "int-2", AgentID: "agent-1", OrganizationID: "org-1",
			ToolID: "webhook", Name: "disabled hook",
			Triggers: []store.Trigger{store.TriggerCallEnded}, Enabled: false,
		},
		{
			IntegrationID: "int-3", AgentID: "agent-1", OrganizationID: "org-1",
			ToolID: "mcp", Name: "start only",
			Triggers: []store.Trigger{store.TriggerCallStarted}, Enabled: true,
		},
	}
	for _, b := range bindings {
		if err := s.Integrations().Create(ctx, b); err != nil {
			t.Fatalf("Create %s: %v", b.IntegrationID, err)
		}
	}

	hit, err := s.Integrations().ListEnabled(ctx, "agent-1", store.TriggerCallEnded)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(hit) != 1 || hit[0].IntegrationID != "int-1" {
		t.Errorf("ListEnabled: want [int-1], got %d results", len(hit))
	}
	if hit[0].Config["url"] != "https://crm.example.com/hook" {
		t.Errorf("Config round-trip: got %v", hit[0].Config)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Pure helpers
// ─────────────────────────────────────────────────────────────────────────────

func TestIngestStageTerminal(t *testing.T) {
	terminal := []store.IngestStage{store.StageCompleted, store.StageFailed, store.StageCancelled}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []store.IngestStage{store.StageUploading, store.StageParsing, store.StagePreviewReady, store.StageEmbedding} {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestBindingHasTrigger(t *testing.T) {
	b := store.IntegrationBinding{Triggers: []store.Trigger{store.TriggerCallEnded, store.TriggerCustom}}
	if !b.HasTrigger(store.TriggerCallEnded) {
		t.Error("expected call_ended trigger")
	}
	if b.HasTrigger(store.TriggerCallStarted) {
		t.Error("unexpected call_started trigger")
	}
}

func agentIDs(agents []store.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
