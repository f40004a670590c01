package knowledge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/knowledge"
	"github.com/vocalis-ai/vocalis/internal/store"
	embmock "github.com/vocalis-ai/vocalis/pkg/provider/embeddings/mock"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
)

// fakeSearcher serves canned results per query-text and records calls.
type fakeSearcher struct {
	mu sync.Mutex

	// results is returned by every Search call.
	results []store.ChunkResult

	searchErr error

	searchCalls int
	touched     [][]string
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ []float32, _ int) ([]store.ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeSearcher) Touch(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids)
	return nil
}

func (f *fakeSearcher) Analytics(context.Context, string) (*store.ChunkAnalytics, error) {
	return &store.ChunkAnalytics{TotalChunks: 3}, nil
}

func (f *fakeSearcher) Hot(context.Context, string, int) ([]store.Chunk, error) {
	return []store.Chunk{{ChunkID: "hot-1"}}, nil
}

func (f *fakeSearcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

func result(id, text string, score float64) store.ChunkResult {
	return store.ChunkResult{
		Chunk: store.Chunk{ChunkID: id, Text: text, DocumentID: "doc-1"},
		Score: score,
	}
}

func testConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		CacheSize:     16,
		CacheTTL:      time.Minute,
		TopK:          3,
		BaseThreshold: 0.72,
		MaxExpansions: 2,
	}
}

func TestSearchFiltersByThreshold(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "opening hours are 9 to 5", 0.91),
		result("c2", "we are closed on sundays", 0.80),
		result("c3", "unrelated boilerplate", 0.40),
	}}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	res, err := r.Search(context.Background(), "agent-1", "store opening times", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2 (low-score chunk filtered)", len(res.Items))
	}
	if res.Items[0].ChunkID != "c1" || res.Items[1].ChunkID != "c2" {
		t.Errorf("items not ordered by score: %q, %q", res.Items[0].ChunkID, res.Items[1].ChunkID)
	}
	if res.Cached {
		t.Error("first search reported as cached")
	}
}

func TestSearchCachesByNormalizedQuery(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "delivery takes two days", 0.88),
	}}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	ctx := context.Background()
	if _, err := r.Search(ctx, "agent-1", "Delivery   Time", knowledge.SearchOpts{}); err != nil {
		t.Fatalf("first search: %v", err)
	}
	callsAfterFirst := searcher.calls()

	// Same query modulo case and whitespace must hit the cache.
	res, err := r.Search(ctx, "agent-1", "  delivery time ", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !res.Cached {
		t.Error("normalized repeat query missed the cache")
	}
	if got := searcher.calls(); got != callsAfterFirst {
		t.Errorf("cache hit still searched the store: %d calls, want %d", got, callsAfterFirst)
	}

	// A different agent with the same query must not share the entry.
	res, err = r.Search(ctx, "agent-2", "delivery time", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("other agent search: %v", err)
	}
	if res.Cached {
		t.Error("cache entry leaked across agent namespaces")
	}
}

func TestSearchExpandsQueriesInParallel(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "refund policy text", 0.85),
	}}
	expander := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "money back policy\nhow to get a refund\nextra line ignored",
		},
	}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{}, knowledge.WithExpander(expander))

	res, err := r.Search(context.Background(), "agent-1", "refund policy", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Base query plus two expansions, MaxExpansions capped at 2.
	if got := searcher.calls(); got != 3 {
		t.Errorf("searched %d variants, want 3", got)
	}
	// Same chunk from all variants merges to one item.
	if len(res.Items) != 1 {
		t.Errorf("got %d items, want 1 after merge", len(res.Items))
	}
	if len(expander.CompleteCalls) != 1 {
		t.Errorf("expander called %d times, want 1", len(expander.CompleteCalls))
	}
}

func TestSearchExpansionFailureFallsBack(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "pricing details", 0.90),
	}}
	expander := &llmmock.Provider{CompleteErr: errors.New("model unavailable")}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{}, knowledge.WithExpander(expander))

	res, err := r.Search(context.Background(), "agent-1", "pricing", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("Search with failing expander: %v", err)
	}
	if len(res.Items) != 1 {
		t.Errorf("base query did not run: got %d items", len(res.Items))
	}
	if got := searcher.calls(); got != 1 {
		t.Errorf("searched %d variants, want 1", got)
	}
}

func TestSearchNoExpansionOpt(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "text", 0.9),
	}}
	expander := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "variant one\nvariant two"},
	}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{}, knowledge.WithExpander(expander))

	if _, err := r.Search(context.Background(), "agent-1", "query", knowledge.SearchOpts{NoExpansion: true}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(expander.CompleteCalls) != 0 {
		t.Error("NoExpansion still called the expander")
	}
	if got := searcher.calls(); got != 1 {
		t.Errorf("searched %d variants, want 1", got)
	}
}

func TestSearchTouchesReturnedChunks(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "a", 0.9),
		result("c2", "b", 0.8),
	}}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	if _, err := r.Search(context.Background(), "agent-1", "anything", knowledge.SearchOpts{}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	searcher.mu.Lock()
	defer searcher.mu.Unlock()
	if len(searcher.touched) != 1 || len(searcher.touched[0]) != 2 {
		t.Fatalf("Touch calls = %v, want one call with both ids", searcher.touched)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	res, err := r.Search(context.Background(), "agent-1", "   ", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("blank query returned %d items", len(res.Items))
	}
	if searcher.calls() != 0 {
		t.Error("blank query reached the store")
	}
}

func TestSearchPropagatesStoreErrors(t *testing.T) {
	searcher := &fakeSearcher{searchErr: errors.New("connection refused")}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	if _, err := r.Search(context.Background(), "agent-1", "query", knowledge.SearchOpts{}); err == nil {
		t.Fatal("store error swallowed")
	}
}

func TestSearchThresholdOverride(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "a", 0.60),
	}}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	res, err := r.Search(context.Background(), "agent-1", "loose match", knowledge.SearchOpts{Threshold: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Items) != 1 {
		t.Errorf("override threshold 0.5 filtered a 0.60 hit")
	}
}

func TestInvalidateAllDropsCache(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ChunkResult{
		result("c1", "a", 0.9),
	}}
	r := knowledge.New(testConfig(), searcher, &embmock.Provider{})

	ctx := context.Background()
	if _, err := r.Search(ctx, "agent-1", "query", knowledge.SearchOpts{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	r.InvalidateAll()

	res, err := r.Search(ctx, "agent-1", "query", knowledge.SearchOpts{})
	if err != nil {
		t.Fatalf("Search after invalidate: %v", err)
	}
	if res.Cached {
		t.Error("invalidated entry still served from cache")
	}
}

func TestWarmupRunsEmbedAndSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	emb := &embmock.Provider{}
	r := knowledge.New(testConfig(), searcher, emb)

	if err := r.Warmup(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if emb.CallCount() != 1 {
		t.Errorf("warmup embedded %d texts, want 1", emb.CallCount())
	}
	if searcher.calls() != 1 {
		t.Errorf("warmup searched %d times, want 1", searcher.calls())
	}
}

func TestAnalyticsAndHotDelegate(t *testing.T) {
	r := knowledge.New(testConfig(), &fakeSearcher{}, &embmock.Provider{})

	a, err := r.Analytics(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if a.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", a.TotalChunks)
	}

	hot, err := r.HotChunks(context.Background(), "agent-1", 0)
	if err != nil {
		t.Fatalf("HotChunks: %v", err)
	}
	if len(hot) != 1 || hot[0].ChunkID != "hot-1" {
		t.Errorf("HotChunks = %v, want the hot-1 chunk", hot)
	}
}
