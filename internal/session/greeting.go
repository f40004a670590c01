package session

import (
	"strings"
	"unicode"
)

// greetingTerminators are the sentence enders recognised when splitting a
// greeting: Latin punctuation, Devanagari danda and double danda, and the
// Arabic full stop.
const greetingTerminators = ".!?।॥۔"

// SplitGreeting splits a greeting at its first sentence boundary so the
// first sentence can reach the synthesiser immediately while the rest
// follows. Text without an internal boundary comes back whole in first.
// The split is deterministic for a given input.
func SplitGreeting(text string) (first, rest string) {
	runes := []rune(text)
	for i, r := range runes {
		if !strings.ContainsRune(greetingTerminators, r) {
			continue
		}
		// A boundary mid-text needs trailing whitespace; a terminator at
		// the very end means there is nothing to split off.
		if i+1 >= len(runes) {
			break
		}
		if !unicode.IsSpace(runes[i+1]) {
			continue
		}
		first = strings.TrimSpace(string(runes[:i+1]))
		rest = strings.TrimSpace(string(runes[i+1:]))
		return first, rest
	}
	return strings.TrimSpace(text), ""
}
