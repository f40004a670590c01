// Package store provides the PostgreSQL-backed datastore for Vocalis:
// organizations, agents, call sessions with transcripts, latency metrics,
// documents with soft-delete tombstones, ingestion sessions, integration
// bindings, and the per-agent chunk namespace with pgvector similarity
// search.
//
// All sub-stores share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS. All operations are safe for concurrent use.
package store

import "time"

// OrgStatus is the lifecycle status of an organization.
type OrgStatus string

const (
	OrgActive   OrgStatus = "active"
	OrgInactive OrgStatus = "inactive"
)

// Organization is a tenant. It owns agents, sessions, documents, and
// integration bindings; deleting an organization cascades to all of them.
type Organization struct {
	ID        string
	Slug      string
	Name      string
	Status    OrgStatus
	Config    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStatus is the operational status of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
)

// Agent is a configured voice persona belonging to one organization.
type Agent struct {
	ID             string
	OrganizationID string
	DisplayName    string
	PersonaName    string
	Language       string
	VoiceID        string
	SystemPrompt   string
	Greeting       string
	Farewell       string

	// Phone triple. Empty when the agent has no phone binding. At most one
	// active agent may hold a given (country code, number) pair.
	PhoneCountryCode string
	PhoneNumber      string
	PhoneLocation    string

	Status        AgentStatus
	NumberOfCalls int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionStatus is the lifecycle status of a call session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// CallSession is one live or finished call. Transcript entries and metrics
// hang off the session id.
type CallSession struct {
	SessionID           string
	OrganizationID      string
	AgentID             string
	RoomName            string
	ParticipantIdentity string
	CallType            string
	Status              SessionStatus
	StartedAt           time.Time
	EndedAt             time.Time
	DurationSeconds     int

	// Telephony fields, zero for web calls.
	CallerPhoneNumber      string
	DestinationPhoneNumber string
	CallSID                string
	SIPParticipantID       string
	CallDirection          string
	IsTelephony            bool

	Metadata map[string]any
}

// DocumentStatus is the post-confirmation processing status of a document.
type DocumentStatus string

const (
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
	DocDeleted    DocumentStatus = "deleted"
)

// Document is a confirmed, ingested file owned by one agent.
type Document struct {
	DocumentID     string
	AgentID        string
	OrganizationID string
	FileName       string
	FileType       string
	FileSize       int64
	SourceType     string
	Status         DocumentStatus
	ChunkCount     int
	RagEntryIDs    []string
	Metadata       map[string]any
	UploadedAt     time.Time
	ProcessedAt    time.Time
}

// Tombstone records a soft-deleted document. The document and its chunks
// remain stored but are excluded from retrieval until recovered or purged.
type Tombstone struct {
	DocumentID       string
	AgentID          string
	FileName         string
	Reason           string
	DeletedAt        time.Time
	PurgeAt          time.Time
	IsPurged         bool
	OriginalMetadata map[string]any
}

// ContentType classifies what a chunk mostly contains.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentCode  ContentType = "code"
	ContentTable ContentType = "table"
	ContentImage ContentType = "image"
)

// Chunk is one retrievable unit of a document, with its embedding stored in
// the same row for pgvector similarity search. The retrieval namespace is
// the owning agent id.
type Chunk struct {
	ChunkID      string
	DocumentID   string
	AgentID      string
	ChunkIndex   int
	Text         string
	TokenCount   int
	PageNumber   int
	SectionTitle string
	SectionPath  []string
	ContentType  ContentType
	QualityScore float64
	Embedding    []float32

	AccessCount    int
	LastAccessedAt time.Time
}

// ChunkResult is one similarity search hit. Score is cosine similarity in
// [0, 1], higher is more similar.
type ChunkResult struct {
	Chunk Chunk
	Score float64
}

// ChunkAnalytics aggregates the chunk namespace of one agent.
type ChunkAnalytics struct {
	TotalChunks      int
	TotalTokens      int
	AvgQuality       float64
	TotalAccessCount int
	ContentTypes     map[ContentType]int
	QualityBuckets   map[string]int
}

// IngestStage is a state of the ingestion pipeline FSM.
type IngestStage string

const (
	StageUploading    IngestStage = "uploading"
	StageParsing      IngestStage = "parsing"
	StageChunking     IngestStage = "chunking"
	StagePreviewReady IngestStage = "preview_ready"
	StageConfirming   IngestStage = "confirming"
	StagePersisting   IngestStage = "persisting"
	StageEmbedding    IngestStage = "embedding"
	StageCompleted    IngestStage = "completed"
	StageFailed       IngestStage = "failed"
	StageCancelled    IngestStage = "cancelled"
)

// Terminal reports whether the stage ends the session.
func (s IngestStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// IngestionSession is one upload-to-confirm workflow. Its id doubles as the
// document id once confirmed.
type IngestionSession struct {
	SessionID      string
	AgentID        string
	OrganizationID string
	FileName       string
	FileType       string
	FileSize       int64
	Stage          IngestStage
	Progress       int
	PreviewEnabled bool

	// ChunksSnapshot holds the preview chunks serialized at preview_ready.
	ChunksSnapshot []PreviewChunk

	// RagEntryIDs is set once embedding completes, making confirm
	// idempotent.
	RagEntryIDs []string

	ErrorMessage string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// PreviewChunk is the operator-facing snapshot of a chunk before confirm.
type PreviewChunk struct {
	ChunkIndex   int         `json:"chunk_index"`
	Text         string      `json:"text"`
	TokenCount   int         `json:"token_count"`
	PageNumber   int         `json:"page_number,omitempty"`
	SectionTitle string      `json:"section_title,omitempty"`
	SectionPath  []string    `json:"section_path,omitempty"`
	ContentType  ContentType `json:"content_type"`
	QualityScore float64     `json:"quality_score"`
}

// Trigger names an integration dispatch event.
type Trigger string

const (
	TriggerCallStarted     Trigger = "call_started"
	TriggerCallEnded       Trigger = "call_ended"
	TriggerTranscriptReady Trigger = "transcript_ready"
	TriggerCustom          Trigger = "custom"
)

// IntegrationBinding connects an agent to an external integration plugin.
// Each binding is dispatched and retried independently.
type IntegrationBinding struct {
	IntegrationID  string
	AgentID        string
	OrganizationID string
	ToolID         string
	Name           string
	Config         map[string]any
	Triggers       []Trigger
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasTrigger reports whether the binding subscribes to t.
func (b IntegrationBinding) HasTrigger(t Trigger) bool {
	for _, tr := range b.Triggers {
		if tr == t {
			return true
		}
	}
	return false
}
