// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The knowledge
// layer uses them for chunk indexing at ingestion time and query matching at
// retrieval time; both sides of a comparison must come from the same model.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions.
type Provider interface {
	// Embed computes the embedding for a single text. Returns a float32
	// slice of length Dimensions.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in one provider call. The i-th
	// result corresponds to texts[i]. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length this provider produces.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier.
	ModelID() string
}
