package api

import (
	"testing"

	"github.com/vocalis-ai/vocalis/internal/store"
)

func TestIngestionStatusBody_ChunkCount(t *testing.T) {
	snapshot := []store.PreviewChunk{{ChunkIndex: 0}, {ChunkIndex: 1}, {ChunkIndex: 2}}

	tests := []struct {
		name      string
		stage     store.IngestStage
		chunks    []store.PreviewChunk
		wantCount any
	}{
		{"mid-pipeline omits count", store.StageParsing, nil, nil},
		{"preview ready reports snapshot length", store.StagePreviewReady, snapshot, 3},
		{"embedding keeps the count", store.StageEmbedding, snapshot, 3},
		{"completed keeps the count", store.StageCompleted, snapshot, 3},
		{"failed omits count", store.StageFailed, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ingestionStatusBody(&store.IngestionSession{
				SessionID:      "doc-1",
				Stage:          tt.stage,
				ChunksSnapshot: tt.chunks,
			})
			got, ok := body["chunkCount"]
			if tt.wantCount == nil {
				if ok {
					t.Fatalf("chunkCount = %v, want absent at stage %s", got, tt.stage)
				}
				return
			}
			if !ok || got != tt.wantCount {
				t.Fatalf("chunkCount = %v (present=%v), want %v", got, ok, tt.wantCount)
			}
		})
	}
}

func TestIngestionStatusBody_StageAlias(t *testing.T) {
	body := ingestionStatusBody(&store.IngestionSession{
		SessionID: "doc-1",
		Stage:     store.StageChunking,
		Progress:  40,
	})
	if body["status"] != "processing" {
		t.Errorf("status = %v, want processing for a mid-pipeline stage", body["status"])
	}
	if body["stage"] != store.StageChunking {
		t.Errorf("stage = %v, want raw stage preserved", body["stage"])
	}
}
