package ingest

import (
	"strings"
	"testing"

	"github.com/vocalis-ai/vocalis/internal/store"
)

func heading(level int, text string) StructuredElement {
	return StructuredElement{Type: ElementHeading, Level: level, Text: text}
}

func para(text string) StructuredElement {
	return StructuredElement{Type: ElementParagraph, Text: text}
}

func TestBuildSectionsTracksHeadingStack(t *testing.T) {
	elements := buildSections([]StructuredElement{
		heading(1, "Guide"),
		para("intro"),
		heading(2, "Setup"),
		para("setup body"),
		heading(3, "Linux"),
		para("linux body"),
		heading(2, "Usage"),
		para("usage body"),
	})

	linuxBody := elements[5]
	if got := strings.Join(linuxBody.SectionPath, "/"); got != "Guide/Setup/Linux" {
		t.Errorf("linux body path = %q, want Guide/Setup/Linux", got)
	}
	if linuxBody.ParentHeading != "Linux" {
		t.Errorf("linux body parent = %q", linuxBody.ParentHeading)
	}

	// A same-level heading pops its sibling subtree.
	usageBody := elements[7]
	if got := strings.Join(usageBody.SectionPath, "/"); got != "Guide/Usage" {
		t.Errorf("usage body path = %q, want Guide/Usage", got)
	}
}

func TestPromoteFAQHeadings(t *testing.T) {
	elements := promoteFAQHeadings([]StructuredElement{
		para("What are your opening hours?\nWe open at nine and close at five."),
	})

	if len(elements) != 2 {
		t.Fatalf("got %d elements, want question heading plus answer", len(elements))
	}
	if elements[0].Type != ElementHeading {
		t.Errorf("question not promoted: %v", elements[0].Type)
	}
	if elements[1].Type != ElementParagraph || !strings.Contains(elements[1].Text, "nine") {
		t.Errorf("answer body lost: %+v", elements[1])
	}
}

func TestPromoteFAQHeadingsLengthBounds(t *testing.T) {
	tooShort := para("Ok?")
	tooLong := para(strings.Repeat("x", 250) + "?")

	for _, el := range []StructuredElement{tooShort, tooLong} {
		out := promoteFAQHeadings([]StructuredElement{el})
		for _, o := range out {
			if o.Type == ElementHeading {
				t.Errorf("promoted out-of-bounds question %q", el.Text[:10])
			}
		}
	}
}

func TestChunkRespectsSectionBoundaries(t *testing.T) {
	c := Chunker{TargetTokens: 1000}
	chunks := c.Chunk([]StructuredElement{
		heading(1, "Returns"),
		para("You can return any item within thirty days of purchase for a full refund."),
		heading(1, "Shipping"),
		para("We ship worldwide and orders leave the warehouse within two business days."),
	})

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want one per section", len(chunks))
	}
	if chunks[0].SectionTitle != "Returns" || chunks[1].SectionTitle != "Shipping" {
		t.Errorf("section titles = %q, %q", chunks[0].SectionTitle, chunks[1].SectionTitle)
	}
	if strings.Contains(chunks[0].Text, "warehouse") {
		t.Error("chunk spans a heading boundary")
	}
}

func TestChunkSplitsOversizedSectionWithOverlap(t *testing.T) {
	var paras []StructuredElement
	paras = append(paras, heading(1, "Manual"))
	for i := 0; i < 12; i++ {
		paras = append(paras, para(strings.Repeat("word ", 60)))
	}

	c := Chunker{TargetTokens: 200, OverlapTokens: 40}
	chunks := c.Chunk(paras)

	if len(chunks) < 2 {
		t.Fatalf("oversized section produced %d chunks, want a split", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 2*c.TargetTokens {
			t.Errorf("chunk %d has %d tokens, far above budget", i, ch.TokenCount)
		}
		if ch.SectionTitle != "Manual" {
			t.Errorf("chunk %d lost its section title", i)
		}
	}
}

func TestChunkIndexesAreSequential(t *testing.T) {
	c := Chunker{}
	chunks := c.Chunk([]StructuredElement{
		heading(1, "A"),
		para("first section body with enough words to clear the minimum length"),
		heading(1, "B"),
		para("second section body with enough words to clear the minimum length"),
	})
	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, ch.ChunkIndex)
		}
	}
}

func TestChunkDropsShortFragments(t *testing.T) {
	c := Chunker{MinChunkChars: 40}
	chunks := c.Chunk([]StructuredElement{para("too short")})
	if len(chunks) != 0 {
		t.Errorf("kept a fragment below the minimum length: %v", chunks)
	}
}

func TestDedupeDropsNearIdenticalChunks(t *testing.T) {
	base := "Our support line is open monday through friday from nine to five."
	chunks := dedupe([]store.PreviewChunk{
		{Text: base},
		{Text: base},
		{Text: strings.ToUpper(base)},
		{Text: "Completely different content about the shipping policy and customs fees."},
	})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks after dedupe, want 2", len(chunks))
	}
}

func TestDominantContentType(t *testing.T) {
	if got := dominantContentType(map[ElementType]int{ElementTable: 1, ElementParagraph: 5}); got != store.ContentTable {
		t.Errorf("table mix labelled %q", got)
	}
	if got := dominantContentType(map[ElementType]int{ElementParagraph: 3}); got != store.ContentText {
		t.Errorf("text mix labelled %q", got)
	}
}

func TestQualityScoreBounds(t *testing.T) {
	long := strings.Repeat("useful sentence about the product. ", 20)
	if q := qualityScore(long, true); q <= 0.5 || q > 1 {
		t.Errorf("good chunk scored %v", q)
	}
	if q := qualityScore("all rights reserved", false); q >= 0.5 {
		t.Errorf("boilerplate scored %v", q)
	}
	for _, text := range []string{"", "x", long} {
		if q := qualityScore(text, true); q < 0 || q > 1 {
			t.Errorf("score %v out of bounds for %q", q, text)
		}
	}
}

func TestApproxTokens(t *testing.T) {
	if approxTokens("") != 0 {
		t.Error("empty text has tokens")
	}
	if got := approxTokens("one two three"); got != 4 {
		t.Errorf("three words = %d tokens, want 4", got)
	}
}
