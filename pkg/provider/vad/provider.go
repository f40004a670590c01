// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful per-stream session. The turn controller fuses these local,
// low-latency events with the STT provider's server-side activity signals to
// decide when the caller has started or stopped speaking.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, suitable for the audio pipeline hot loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame in milliseconds.
	// ProcessFrame returns an error for frames of any other size.
	FrameSizeMs int

	// ActivationThreshold is the speech probability above which a frame
	// counts as speech. Range [0.0, 1.0].
	ActivationThreshold float64

	// MinSpeechDuration of consecutive speech frames before SpeechStart
	// fires. Suppresses coughs and line clicks.
	MinSpeechDuration time.Duration

	// MinSilenceDuration of consecutive non-speech frames before SpeechEnd
	// fires. Keeps short intra-sentence pauses from splitting an
	// utterance.
	MinSilenceDuration time.Duration

	// PrefixPadding is how much audio before a detected speech start is
	// replayed to the consumer, so word onsets are not clipped.
	PrefixPadding time.Duration
}

// EventType enumerates detection states for one frame.
type EventType int

const (
	// Silence indicates no speech.
	Silence EventType = iota

	// SpeechStart indicates speech has just begun (after the minimum
	// speech duration was sustained).
	SpeechStart

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended (after the minimum silence
	// duration elapsed).
	SpeechEnd
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "silence"
	}
}

// Event is the detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score for the frame [0.0, 1.0].
	Probability float64

	// Prefix holds buffered pre-speech audio, delivered once on
	// SpeechStart when PrefixPadding is configured.
	Prefix []byte
}

// Session is an active VAD session for a single audio stream. Each session
// maintains its own smoothing state; Reset clears it without closing.
type Session interface {
	// ProcessFrame analyses one frame of raw little-endian 16-bit PCM and
	// returns the detection result. Must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated state. Use when the stream restarts.
	Reset()

	// Close releases session resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use; multiple goroutines may
// call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session with the given configuration, ready to
	// accept frames. Returns an error for invalid configurations.
	NewSession(cfg Config) (Session, error)
}
