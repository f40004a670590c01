package tts

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentence terminators recognised across supported scripts. Danda and double
// danda end sentences in Devanagari text, the Arabic full stop in Urdu.
const (
	danda          = '।'
	doubleDanda    = '॥'
	arabicFullStop = '۔'
)

// Minimum segment lengths in UTF-8 bytes per language family. Latin-script
// text carries fewer syllables per character than Indic scripts, and Indic
// scripts encode three bytes per character, so the thresholds balance out to
// segments of comparable spoken length.
const (
	minCharsLatin     = 60
	minCharsIndic     = 35
	minCharsUrdu      = 30
	minCharsMalayalam = 40
)

// Segmenter accumulates streamed LLM tokens and cuts them into
// sentence-shaped segments sized for natural-sounding synthesis. Segments are
// emitted at sentence boundaries once the buffer reaches the language's
// minimum byte length; a buffer that grows to twice the minimum without a
// boundary is force-cut at the last whitespace so synthesis never stalls on a
// run-on sentence.
//
// A Segmenter is owned by one goroutine and is not safe for concurrent use.
type Segmenter struct {
	minBytes int
	buf      []rune
}

// NewSegmenter returns a segmenter tuned for the given BCP-47 language tag.
func NewSegmenter(language string) *Segmenter {
	return &Segmenter{minBytes: minCharsFor(language)}
}

// minCharsFor maps a language tag to its minimum segment byte length.
func minCharsFor(language string) int {
	base, _, _ := strings.Cut(strings.ToLower(language), "-")
	switch base {
	case "ur":
		return minCharsUrdu
	case "ml":
		return minCharsMalayalam
	case "hi", "mr", "ne", "bn", "pa", "gu", "ta", "te", "kn", "or", "as":
		return minCharsIndic
	default:
		return minCharsLatin
	}
}

// Push appends a token to the buffer and returns any segments that became
// ready. Most pushes return nil.
func (s *Segmenter) Push(token string) []string {
	s.buf = append(s.buf, []rune(token)...)

	var out []string
	for {
		seg, ok := s.cut(false)
		if !ok {
			break
		}
		out = append(out, seg)
	}
	return out
}

// Flush cuts any complete sentences still in the buffer, with end-of-input
// standing in for trailing whitespace, then returns them followed by the
// final remainder. Flushing a whitespace-only buffer returns nil.
func (s *Segmenter) Flush() []string {
	var out []string
	for {
		seg, ok := s.cut(true)
		if !ok {
			break
		}
		out = append(out, seg)
	}
	if rest := strings.TrimSpace(string(s.buf)); rest != "" {
		out = append(out, rest)
	}
	s.buf = s.buf[:0]
	return out
}

// Pending returns the number of buffered runes not yet emitted.
func (s *Segmenter) Pending() int { return len(s.buf) }

// cut tries to remove one ready segment from the front of the buffer.
// Mid-stream a terminator must be followed by whitespace, since the next
// token may continue the sentence; at end of input any terminator closes it.
func (s *Segmenter) cut(eof bool) (string, bool) {
	bytes := 0
	for i := 0; i < len(s.buf); i++ {
		bytes += utf8.RuneLen(s.buf[i])
		if bytes < s.minBytes || !s.isBoundary(i) {
			continue
		}
		if !eof && (i+1 >= len(s.buf) || !unicode.IsSpace(s.buf[i+1])) {
			continue
		}
		return s.take(i + 1), true
	}

	// No boundary: force-cut at the last whitespace once the buffer has
	// grown past twice the minimum.
	if bytes >= 2*s.minBytes {
		cutAt := len(s.buf)
		for i := len(s.buf) - 1; i > 0; i-- {
			if unicode.IsSpace(s.buf[i]) {
				cutAt = i
				break
			}
		}
		return s.take(cutAt), true
	}
	return "", false
}

// isBoundary reports whether the rune at i ends a sentence. A period between
// two digits is a decimal point, not a boundary.
func (s *Segmenter) isBoundary(i int) bool {
	switch s.buf[i] {
	case '!', '?', danda, doubleDanda, arabicFullStop:
		return true
	case '.':
		if i > 0 && i+1 < len(s.buf) && isDigit(s.buf[i-1]) && isDigit(s.buf[i+1]) {
			return false
		}
		return true
	}
	return false
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// take removes buf[:n] and returns it trimmed.
func (s *Segmenter) take(n int) string {
	seg := strings.TrimSpace(string(s.buf[:n]))
	rest := s.buf[n:]
	copy(s.buf, rest)
	s.buf = s.buf[:len(rest)]
	return seg
}
