// Package types holds small value types shared between the provider packages
// and the call pipeline. It has no dependencies beyond the standard library so
// that provider implementations in pkg/ never import internal/ packages.
package types

import "time"

// SampleRate is the fixed PCM sample rate used throughout the pipeline:
// 16-bit little-endian mono at 16 kHz.
const SampleRate = 16000

// AudioFrame is a single chunk of raw PCM audio flowing through the pipeline.
type AudioFrame struct {
	// Data is 16-bit little-endian PCM at [SampleRate], mono.
	Data []byte

	// Timestamp marks when the frame was captured, relative to session start.
	Timestamp time.Duration
}

// DurationMs returns the playback duration of the frame in milliseconds.
func (f AudioFrame) DurationMs() int {
	// 2 bytes per sample, mono.
	samples := len(f.Data) / 2
	return samples * 1000 / SampleRate
}

// Transcript is a speech-to-text result. Both partial (interim) and final
// transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is an authoritative or interim result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordCount returns the number of whitespace-separated words in the
// transcript text. Used by the interruption policy.
func (t Transcript) WordCount() int {
	n := 0
	inWord := false
	for _, r := range t.Text {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}

// VoiceProfile identifies a TTS voice and its prosody adjustments.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name from the provider catalogue.
	Name string

	// Language is the BCP-47 tag the voice speaks (e.g., "en-US", "hi-IN").
	Language string

	// Stability and SimilarityBoost tune vendor voice settings. Zero values
	// select provider defaults.
	Stability       float64
	SimilarityBoost float64
}

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// TranscriptEntryType distinguishes speech lines from tool-call records.
type TranscriptEntryType string

const (
	EntrySpeech         TranscriptEntryType = "speech"
	EntryFunctionCall   TranscriptEntryType = "function_call"
	EntryFunctionResult TranscriptEntryType = "function_result"
)

// TranscriptEntry is one line of a call session's transcript. Entries are
// append-only within a session and ordered by Timestamp.
type TranscriptEntry struct {
	Timestamp    time.Time
	Speaker      Speaker
	Text         string
	Type         TranscriptEntryType
	LatencyMs    int
	Confidence   float64
	FunctionName string
}

// CallType classifies how a participant reached the platform.
type CallType string

const (
	CallInbound  CallType = "inbound"
	CallOutbound CallType = "outbound"
	CallWeb      CallType = "web"
)
