// Package mock provides a deterministic test double for embeddings.Provider.
//
// Vectors are derived from the text content, so identical texts embed
// identically and similarity tests behave predictably without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dim is the vector length returned. Defaults to 8 when zero.
	Dim int

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// Fixed, when set, maps exact texts to fixed vectors, overriding the
	// derived ones.
	Fixed map[string][]float32

	// EmbedCalls records every text embedded, across both methods.
	EmbedCalls []string
}

func (p *Provider) dim() int {
	if p.Dim == 0 {
		return 8
	}
	return p.Dim
}

// Embed derives a deterministic unit-ish vector from text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vectorFor(text), nil
}

// EmbedBatch embeds each text in order.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		p.EmbedCalls = append(p.EmbedCalls, t)
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Fixed[text]; ok {
		return v
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, p.dim())
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>33)%1000) / 1000
	}
	return v
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dim() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embeddings" }

// CallCount returns how many texts were embedded. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

var _ embeddings.Provider = (*Provider)(nil)
