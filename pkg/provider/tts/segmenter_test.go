package tts

import (
	"strings"
	"testing"
)

func TestSegmenterEmitsAtSentenceBoundary(t *testing.T) {
	s := NewSegmenter("en")

	long := "The quick brown fox jumps over the lazy dog near the river bank."
	if len(long) < minCharsLatin {
		t.Fatalf("test sentence too short: %d bytes", len(long))
	}

	var got []string
	for _, tok := range strings.SplitAfter(long+" And then some more.", " ") {
		got = append(got, s.Push(tok)...)
	}

	if len(got) != 1 {
		t.Fatalf("segments = %q; want exactly one", got)
	}
	if got[0] != long {
		t.Errorf("segment = %q; want %q", got[0], long)
	}
	if rest := s.Flush(); len(rest) != 1 || rest[0] != "And then some more." {
		t.Errorf("flush = %q", rest)
	}
}

func TestSegmenterHoldsShortSentences(t *testing.T) {
	s := NewSegmenter("en")

	// Two short sentences, together still under the Latin minimum: neither
	// boundary may trigger an emit.
	if segs := s.Push("Hi there. Yes."); len(segs) != 0 {
		t.Errorf("premature segments: %q", segs)
	}
	if got := s.Flush(); len(got) != 1 || got[0] != "Hi there. Yes." {
		t.Errorf("flush = %q", got)
	}
}

func TestSegmenterDevanagariDanda(t *testing.T) {
	s := NewSegmenter("hi")

	first := "नमस्ते, आप कैसे हैं? मैं आपकी सहायता के लिए यहाँ हूँ।"
	if len(first) < minCharsIndic {
		t.Fatalf("test sentence too short: %d bytes", len(first))
	}

	var got []string
	got = append(got, s.Push(first)...)
	got = append(got, s.Push(" आगे बताइए।")...)

	if len(got) < 1 {
		t.Fatalf("no segments emitted")
	}
	if got[0] != "नमस्ते, आप कैसे हैं?" {
		t.Errorf("first segment = %q", got[0])
	}
}

// TestSegmenterHindiStreaming covers the canonical short Hindi exchange:
// the question clears the Indic byte threshold at the "?" and is synthesized
// first; the short answer rides out in the final flush.
func TestSegmenterHindiStreaming(t *testing.T) {
	s := NewSegmenter("hi-IN")

	segs := s.Push("नमस्ते, आप कैसे हैं? मैं ठीक हूँ।")
	if len(segs) != 1 || segs[0] != "नमस्ते, आप कैसे हैं?" {
		t.Fatalf("segments = %q; want the question alone", segs)
	}
	if len(segs[0]) < minCharsIndic {
		t.Errorf("first segment only %d bytes", len(segs[0]))
	}

	rest := s.Flush()
	if len(rest) != 1 || rest[0] != "मैं ठीक हूँ।" {
		t.Errorf("flush = %q; want the answer alone", rest)
	}
}

func TestSegmenterFlushCutsAtTerminator(t *testing.T) {
	s := NewSegmenter("en")

	// The quoted question has no trailing whitespace, so mid-stream it
	// stays buffered; end-of-input stands in for the missing whitespace.
	text := `He asked whether the delivery would arrive before Thursday afternoon?"Yes."`
	if segs := s.Push(text); len(segs) != 0 {
		t.Fatalf("premature segments: %q", segs)
	}

	got := s.Flush()
	if len(got) != 2 {
		t.Fatalf("flush = %q; want two segments", got)
	}
	if !strings.HasSuffix(got[0], "?") {
		t.Errorf("first flush segment %q does not end at the terminator", got[0])
	}
	if got[1] != `"Yes."` {
		t.Errorf("second flush segment = %q", got[1])
	}
}

func TestSegmenterUrduFullStop(t *testing.T) {
	s := NewSegmenter("ur")

	text := "میں آپ کی مدد کے لیے ہر وقت حاضر ہوں۔ مزید بتائیں"
	segs := s.Push(text)
	if len(segs) != 1 {
		t.Fatalf("segments = %q; want one at the Urdu full stop", segs)
	}
	if !strings.HasSuffix(segs[0], "۔") {
		t.Errorf("segment %q does not end at the full stop", segs[0])
	}
}

func TestSegmenterDecimalIsNotBoundary(t *testing.T) {
	s := NewSegmenter("en")

	text := "The total for your order including all applicable taxes comes to 42.50 dollars exactly. Thanks."
	segs := s.Push(text)
	if len(segs) != 1 {
		t.Fatalf("segments = %q; want one", segs)
	}
	if !strings.Contains(segs[0], "42.50 dollars") {
		t.Errorf("decimal split inside %q", segs[0])
	}
}

func TestSegmenterForceCutsRunOnText(t *testing.T) {
	s := NewSegmenter("en")

	// No terminator anywhere; the buffer must be cut once it reaches twice
	// the minimum, at a whitespace.
	word := "and so on and on "
	var got []string
	for len(got) == 0 {
		got = s.Push(word)
		if s.Pending() > 10*minCharsLatin {
			t.Fatal("segmenter never force-cut")
		}
	}
	if len(got[0]) < minCharsLatin {
		t.Errorf("force-cut segment too short: %d bytes", len(got[0]))
	}
	if strings.HasSuffix(got[0], " ") {
		t.Errorf("segment not trimmed: %q", got[0])
	}
}

func TestSegmenterFlushEmpty(t *testing.T) {
	s := NewSegmenter("en")
	s.Push("   ")
	if got := s.Flush(); len(got) != 0 {
		t.Errorf("flush of whitespace = %q; want none", got)
	}
}

func TestMinCharsFor(t *testing.T) {
	cases := []struct {
		lang string
		want int
	}{
		{"en", minCharsLatin},
		{"en-US", minCharsLatin},
		{"hi", minCharsIndic},
		{"ta-IN", minCharsIndic},
		{"ur", minCharsUrdu},
		{"ml", minCharsMalayalam},
		{"", minCharsLatin},
	}
	for _, c := range cases {
		if got := minCharsFor(c.lang); got != c.want {
			t.Errorf("minCharsFor(%q) = %d; want %d", c.lang, got, c.want)
		}
	}
}
