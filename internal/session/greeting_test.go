package session

import "testing"

func TestSplitGreeting(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		first string
		rest  string
	}{
		{
			name:  "two sentences",
			text:  "Hello, thanks for calling Acme. How can I help you today?",
			first: "Hello, thanks for calling Acme.",
			rest:  "How can I help you today?",
		},
		{
			name:  "single sentence",
			text:  "How can I help you today?",
			first: "How can I help you today?",
			rest:  "",
		},
		{
			name:  "terminator at end only",
			text:  "Welcome to Acme support.",
			first: "Welcome to Acme support.",
			rest:  "",
		},
		{
			name:  "decimal not a boundary",
			text:  "Our rate is 3.14 percent. Interested?",
			first: "Our rate is 3.14 percent.",
			rest:  "Interested?",
		},
		{
			name:  "exclamation boundary",
			text:  "Welcome! What brings you in?",
			first: "Welcome!",
			rest:  "What brings you in?",
		},
		{
			name:  "devanagari danda",
			text:  "नमस्ते। मैं आपकी कैसे मदद कर सकती हूँ?",
			first: "नमस्ते।",
			rest:  "मैं आपकी कैसे मदद कर सकती हूँ?",
		},
		{
			name:  "empty",
			text:  "",
			first: "",
			rest:  "",
		},
		{
			name:  "whitespace trimmed",
			text:  "  Hi there.   Second part here.  ",
			first: "Hi there.",
			rest:  "Second part here.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, rest := SplitGreeting(tt.text)
			if first != tt.first || rest != tt.rest {
				t.Errorf("SplitGreeting(%q) = (%q, %q), want (%q, %q)",
					tt.text, first, rest, tt.first, tt.rest)
			}
		})
	}
}

func TestSplitGreeting_Deterministic(t *testing.T) {
	text := "First part. Second part. Third part."
	f1, r1 := SplitGreeting(text)
	f2, r2 := SplitGreeting(text)
	if f1 != f2 || r1 != r2 {
		t.Errorf("split not deterministic: (%q,%q) vs (%q,%q)", f1, r1, f2, r2)
	}
	if f1 != "First part." {
		t.Errorf("first = %q, want split at the first boundary only", f1)
	}
}
