package ingest

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/vocalis-ai/vocalis/internal/store"
)

const (
	defaultChunkTokens   = 400
	defaultOverlapTokens = 50
	defaultMinChunkChars = 30

	// Near-duplicate cutoff for Jaro-Winkler similarity between chunk texts.
	dupSimilarity = 0.97

	faqMinLen = 5
	faqMaxLen = 200
)

// Chunker splits parsed document structure into retrieval-sized chunks.
// It respects section boundaries, promotes FAQ-style question lines to
// headings, and drops near-duplicate chunks.
type Chunker struct {
	// TargetTokens is the chunk token budget. Defaults to 400.
	TargetTokens int

	// OverlapTokens is carried from the tail of one chunk into the next
	// when a section is split. Defaults to 50.
	OverlapTokens int

	// MinChunkChars drops fragments shorter than this. Defaults to 30.
	MinChunkChars int
}

func (c Chunker) targetTokens() int {
	if c.TargetTokens > 0 {
		return c.TargetTokens
	}
	return defaultChunkTokens
}

func (c Chunker) overlapTokens() int {
	if c.OverlapTokens > 0 {
		return c.OverlapTokens
	}
	return defaultOverlapTokens
}

func (c Chunker) minChunkChars() int {
	if c.MinChunkChars > 0 {
		return c.MinChunkChars
	}
	return defaultMinChunkChars
}

// Chunk runs the full pipeline: FAQ promotion, section pass, section-aware
// splitting, content typing, quality scoring, and deduplication.
func (c Chunker) Chunk(elements []StructuredElement) []store.PreviewChunk {
	elements = promoteFAQHeadings(elements)
	elements = buildSections(elements)

	chunks := c.assemble(elements)
	chunks = dedupe(chunks)

	for i := range chunks {
		chunks[i].ChunkIndex = i
	}
	return chunks
}

// ─── FAQ promotion ───

// promoteFAQHeadings turns question lines into headings so each Q/A pair
// becomes its own section. A question line ends in '?' and is between 5 and
// 200 characters.
func promoteFAQHeadings(elements []StructuredElement) []StructuredElement {
	var out []StructuredElement
	for _, el := range elements {
		if el.Type != ElementParagraph && el.Type != ElementText {
			out = append(out, el)
			continue
		}

		lines := strings.Split(el.Text, "\n")
		var buf []string
		flush := func() {
			if len(buf) == 0 {
				return
			}
			out = append(out, StructuredElement{
				Type: el.Type,
				Text: strings.TrimSpace(strings.Join(buf, "\n")),
				Page: el.Page,
			})
			buf = nil
		}
		for _, line := range lines {
			if isFAQQuestion(line) {
				flush()
				out = append(out, StructuredElement{
					Type:  ElementHeading,
					Level: faqHeadingLevel,
					Text:  strings.TrimSpace(line),
					Page:  el.Page,
				})
				continue
			}
			buf = append(buf, line)
		}
		flush()
	}
	return out
}

// faqHeadingLevel places promoted questions below any real document heading.
const faqHeadingLevel = 6

func isFAQQuestion(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasSuffix(t, "?") && len(t) >= faqMinLen && len(t) <= faqMaxLen
}

// ─── section pass ───

// buildSections walks the element sequence tracking a heading stack and
// annotates every element with its section path and parent heading. A new
// heading pops the stack down to the first entry with a strictly lower
// level.
func buildSections(elements []StructuredElement) []StructuredElement {
	type frame struct {
		level int
		title string
	}
	var stack []frame

	out := make([]StructuredElement, len(elements))
	for i, el := range elements {
		if el.Type == ElementHeading {
			for len(stack) > 0 && stack[len(stack)-1].level >= el.Level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, frame{level: el.Level, title: el.Text})
		}

		path := make([]string, len(stack))
		for j, f := range stack {
			path[j] = f.title
		}
		el.SectionPath = path
		if n := len(stack); n > 0 {
			el.ParentHeading = stack[n-1].title
		}
		out[i] = el
	}
	return out
}

// ─── assembly ───

type pendingChunk struct {
	texts       []string
	tokens      int
	page        int
	sectionPath []string
	parent      string
	typeCounts  map[ElementType]int
	complete    bool
}

// assemble groups elements into chunks. A heading closes the running chunk
// so no chunk spans sections; oversized sections split at the token budget
// with tail overlap carried forward.
func (c Chunker) assemble(elements []StructuredElement) []store.PreviewChunk {
	var (
		out     []store.PreviewChunk
		pending *pendingChunk
	)

	flush := func(sectionComplete bool) {
		if pending == nil {
			return
		}
		pending.complete = sectionComplete
		if ch, ok := c.finalize(*pending); ok {
			out = append(out, ch)
		}
		pending = nil
	}

	for _, el := range elements {
		if el.Type == ElementHeading {
			flush(true)
			continue
		}
		if el.Type == ElementImage || strings.TrimSpace(el.Text) == "" {
			continue
		}

		tokens := approxTokens(el.Text)
		if pending != nil && pending.tokens+tokens > c.targetTokens() {
			overlap := tailOverlap(pending.texts, c.overlapTokens())
			flush(false)
			if overlap != "" {
				pending = &pendingChunk{
					texts:       []string{overlap},
					tokens:      approxTokens(overlap),
					page:        el.Page,
					sectionPath: el.SectionPath,
					parent:      el.ParentHeading,
					typeCounts:  map[ElementType]int{},
				}
			}
		}
		if pending == nil {
			pending = &pendingChunk{
				page:        el.Page,
				sectionPath: el.SectionPath,
				parent:      el.ParentHeading,
				typeCounts:  map[ElementType]int{},
			}
		}
		pending.texts = append(pending.texts, el.Text)
		pending.tokens += tokens
		pending.typeCounts[el.Type]++
	}
	flush(true)
	return out
}

func (c Chunker) finalize(p pendingChunk) (store.PreviewChunk, bool) {
	text := strings.TrimSpace(strings.Join(p.texts, "\n\n"))
	if len(text) < c.minChunkChars() {
		return store.PreviewChunk{}, false
	}

	// Prefix the parent heading so the chunk stands alone at retrieval.
	if p.parent != "" && !strings.HasPrefix(text, p.parent) {
		text = p.parent + "\n\n" + text
	}

	return store.PreviewChunk{
		Text:         text,
		TokenCount:   approxTokens(text),
		PageNumber:   p.page,
		SectionTitle: p.parent,
		SectionPath:  p.sectionPath,
		ContentType:  dominantContentType(p.typeCounts),
		QualityScore: qualityScore(text, p.complete),
	}, true
}

// tailOverlap returns the last ~budget tokens of the chunk texts.
func tailOverlap(texts []string, budget int) string {
	joined := strings.Join(texts, " ")
	words := strings.Fields(joined)
	// Rough 4:3 word-to-token ratio, same as approxTokens.
	keep := budget * 3 / 4
	if keep <= 0 || len(words) <= keep {
		return ""
	}
	return strings.Join(words[len(words)-keep:], " ")
}

// dominantContentType labels the chunk by its element mix. Tables win over
// anything else since a single table dominates retrieval formatting.
func dominantContentType(counts map[ElementType]int) store.ContentType {
	if counts[ElementTable] > 0 {
		return store.ContentTable
	}
	if counts[ElementImage] > 0 {
		return store.ContentImage
	}
	return store.ContentText
}

// ─── quality ───

var boilerplateMarkers = []string{
	"all rights reserved", "terms and conditions", "privacy policy",
	"click here", "cookie", "subscribe to our newsletter",
	"copyright ©", "unsubscribe",
}

// qualityScore is bounded to [0, 1] and combines length adequacy, section
// completeness, and the absence of boilerplate.
func qualityScore(text string, sectionComplete bool) float64 {
	score := 0.5

	// Length adequacy: peak credit between 100 and 2000 characters.
	switch n := len(text); {
	case n >= 100 && n <= 2000:
		score += 0.25
	case n >= 50:
		score += 0.1
	}

	if sectionComplete {
		score += 0.15
	}

	lower := strings.ToLower(text)
	for _, marker := range boilerplateMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.2
			break
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ─── deduplication ───

// dedupe drops chunks whose text is identical or near-identical to an
// earlier chunk. Exact matches compare normalized text; near matches use
// Jaro-Winkler similarity.
func dedupe(chunks []store.PreviewChunk) []store.PreviewChunk {
	seen := make(map[string]struct{}, len(chunks))
	var kept []store.PreviewChunk

	for _, ch := range chunks {
		norm := collapseSpaces(strings.ToLower(ch.Text))
		if _, ok := seen[norm]; ok {
			continue
		}

		nearDup := false
		for _, prev := range kept {
			prevNorm := collapseSpaces(strings.ToLower(prev.Text))
			if matchr.JaroWinkler(norm, prevNorm, false) >= dupSimilarity {
				nearDup = true
				break
			}
		}
		if nearDup {
			continue
		}

		seen[norm] = struct{}{}
		kept = append(kept, ch)
	}
	return kept
}

// approxTokens estimates token count as words * 4/3, close enough for
// budgeting without a tokenizer dependency.
func approxTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}
