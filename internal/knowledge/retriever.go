// Package knowledge implements the retrieval layer over per-agent chunk
// namespaces: query normalization, intent-adjusted similarity thresholds,
// LLM-backed query expansion with parallel search, an LRU-TTL result cache,
// namespace warm-up, and chunk analytics.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/cache"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Searcher is the slice of the chunk store the retriever needs. Satisfied by
// [store.ChunkStore].
type Searcher interface {
	Search(ctx context.Context, agentID string, embedding []float32, topK int) ([]store.ChunkResult, error)
	Touch(ctx context.Context, chunkIDs []string) error
	Analytics(ctx context.Context, agentID string) (*store.ChunkAnalytics, error)
	Hot(ctx context.Context, agentID string, limit int) ([]store.Chunk, error)
}

// Item is one retrieval hit.
type Item struct {
	ChunkID  string         `json:"chunk_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of a search, flagged when served from cache.
type Result struct {
	Items  []Item `json:"items"`
	Cached bool   `json:"cached"`
}

// SearchOpts tunes one search call. Zero fields fall back to the configured
// defaults.
type SearchOpts struct {
	// TopK overrides the number of chunks returned.
	TopK int

	// Threshold overrides the intent-adjusted similarity cutoff entirely.
	Threshold float64

	// NoExpansion disables query expansion for this call.
	NoExpansion bool
}

// Retriever performs cached, query-expanded similarity search over a
// per-agent namespace. Safe for concurrent use.
type Retriever struct {
	cfg      config.KnowledgeConfig
	searcher Searcher
	emb      embeddings.Provider

	// expander generates paraphrases; nil disables expansion.
	expander llm.Provider

	results *cache.Cache[string, []Item]
	log     *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithExpander enables LLM-backed query expansion.
func WithExpander(p llm.Provider) Option {
	return func(r *Retriever) { r.expander = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Retriever) { r.log = log }
}

// New creates a Retriever. Config zero values take the retrieval defaults:
// cache 256 entries / 5 minutes, topK 5, base threshold 0.72, 2 expansions.
func New(cfg config.KnowledgeConfig, searcher Searcher, emb embeddings.Provider, opts ...Option) *Retriever {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = defaultBaseThreshold
	}
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = 2
	}

	r := &Retriever{
		cfg:      cfg,
		searcher: searcher,
		emb:      emb,
		results:  cache.New[string, []Item](cfg.CacheSize, cfg.CacheTTL),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Search runs the retrieval pipeline for one query in the agent's namespace:
// normalize, check the cache, expand, search all variants in parallel, merge
// by max score per chunk, filter by the intent-adjusted threshold.
func (r *Retriever) Search(ctx context.Context, agentID, query string, opts SearchOpts) (*Result, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return &Result{Items: []Item{}}, nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = adjustThreshold(r.cfg.BaseThreshold, normalized)
	}

	key := cacheKey(agentID, normalized, topK)
	if items, ok := r.results.Get(key); ok {
		return &Result{Items: items, Cached: true}, nil
	}

	queries := []string{normalized}
	if r.expander != nil && !opts.NoExpansion {
		expansions, err := r.expand(ctx, normalized)
		if err != nil {
			// Expansion is best-effort; the base query still runs.
			r.log.Warn("query expansion failed", "error", err)
		}
		queries = append(queries, expansions...)
	}

	merged, err := r.searchAll(ctx, agentID, queries, topK)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(merged))
	for _, it := range merged {
		if it.Score >= threshold {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > topK {
		items = items[:topK]
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ChunkID
	}
	if len(ids) > 0 {
		if err := r.searcher.Touch(ctx, ids); err != nil {
			r.log.Warn("access count update failed", "error", err)
		}
	}

	r.results.Put(key, items)
	return &Result{Items: items}, nil
}

// searchAll embeds each query variant and searches them in parallel, merging
// hits by max score per chunk id.
func (r *Retriever) searchAll(ctx context.Context, agentID string, queries []string, topK int) ([]Item, error) {
	type hit struct {
		results []store.ChunkResult
	}
	hits := make([]hit, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			vec, err := r.emb.Embed(gctx, q)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			res, err := r.searcher.Search(gctx, agentID, vec, topK)
			if err != nil {
				return fmt.Errorf("search namespace: %w", err)
			}
			hits[i].results = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]Item)
	for _, h := range hits {
		for _, cr := range h.results {
			if prev, ok := best[cr.Chunk.ChunkID]; ok && prev.Score >= cr.Score {
				continue
			}
			best[cr.Chunk.ChunkID] = Item{
				ChunkID: cr.Chunk.ChunkID,
				Text:    cr.Chunk.Text,
				Score:   cr.Score,
				Metadata: map[string]any{
					"document_id":   cr.Chunk.DocumentID,
					"section_title": cr.Chunk.SectionTitle,
					"content_type":  string(cr.Chunk.ContentType),
					"page_number":   cr.Chunk.PageNumber,
				},
			}
		}
	}

	merged := make([]Item, 0, len(best))
	for _, it := range best {
		merged = append(merged, it)
	}
	return merged, nil
}

// expand asks the LLM for up to MaxExpansions paraphrases of the query.
// Indic-mixed queries benefit most; the prompt asks for transliteration
// variants when scripts are mixed.
func (r *Retriever) expand(ctx context.Context, query string) ([]string, error) {
	prompt := "Rewrite the following search query as " +
		fmt.Sprint(r.cfg.MaxExpansions) +
		" short alternative phrasings, one per line, no numbering. " +
		"Keep the language of the original; for queries mixing scripts, include a transliterated variant.\n\n" +
		"Query: " + query

	resp, err := r.expander.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   120,
	})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, line := range strings.Split(resp.Content, "\n") {
		p := normalizeQuery(line)
		if p == "" || p == query {
			continue
		}
		out = append(out, p)
		if len(out) == r.cfg.MaxExpansions {
			break
		}
	}
	return out, nil
}

// Warmup issues a dummy embedding and a no-op search against the namespace
// so provider connections, caches, and the vector index are resident before
// the first live call.
func (r *Retriever) Warmup(ctx context.Context, agentID string) error {
	vec, err := r.emb.Embed(ctx, "warmup")
	if err != nil {
		return fmt.Errorf("knowledge warmup: embed: %w", err)
	}
	if _, err := r.searcher.Search(ctx, agentID, vec, 1); err != nil {
		return fmt.Errorf("knowledge warmup: search: %w", err)
	}
	return nil
}

// Analytics aggregates the chunk namespace of an agent.
func (r *Retriever) Analytics(ctx context.Context, agentID string) (*store.ChunkAnalytics, error) {
	return r.searcher.Analytics(ctx, agentID)
}

// HotChunks returns the most-accessed chunks of an agent.
func (r *Retriever) HotChunks(ctx context.Context, agentID string, limit int) ([]store.Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.searcher.Hot(ctx, agentID, limit)
}

// InvalidateAll drops every cached search result, for use after ingestion or
// deletion changes a namespace.
func (r *Retriever) InvalidateAll() {
	r.results.Purge()
}

// CacheStats exposes the result cache counters.
func (r *Retriever) CacheStats() cache.Stats {
	return r.results.Stats()
}

// ─── query analysis ───

const (
	defaultBaseThreshold = 0.72
	defaultCacheTTL      = 5 * time.Minute

	// Threshold adjustments by query intent. Exploratory questions cast a
	// wider net; factual lookups demand closer matches.
	exploratoryDelta = -0.08
	factualDelta     = 0.05
)

var exploratoryMarkers = []string{
	"how", "why", "explain", "tell me about", "what about", "describe",
	"कैसे", "क्यों", "کیسے",
}

var factualMarkers = []string{
	"when", "where", "who", "price", "cost", "number", "hours", "address",
	"phone", "email", "कब", "कहाँ", "कौन",
}

// adjustThreshold derives the similarity cutoff from the query's intent.
func adjustThreshold(base float64, query string) float64 {
	t := base
	switch classifyIntent(query) {
	case intentExploratory:
		t += exploratoryDelta
	case intentFactual:
		t += factualDelta
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return t
}

type intent int

const (
	intentNeutral intent = iota
	intentExploratory
	intentFactual
)

func classifyIntent(query string) intent {
	for _, m := range factualMarkers {
		if strings.Contains(query, m) {
			return intentFactual
		}
	}
	for _, m := range exploratoryMarkers {
		if strings.Contains(query, m) {
			return intentExploratory
		}
	}
	return intentNeutral
}

// normalizeQuery lowercases and collapses whitespace so cache keys and
// expansion comparisons are stable.
func normalizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	space := false
	for _, r := range strings.TrimSpace(q) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func cacheKey(agentID, normalized string, topK int) string {
	return fmt.Sprintf("%s\x00%s\x00%d", agentID, normalized, topK)
}
