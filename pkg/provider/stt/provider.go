// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is [Stream]: once
// opened, a stream accepts raw PCM audio frames and emits two flows of
// [types.Transcript] values, low-latency partials for responsiveness and
// authoritative finals for the turn controller and the session transcript.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// ErrStreamClosed is returned by [Stream.SendAudio] after the stream has been
// closed, either by the caller or by an unrecoverable provider error.
var ErrStreamClosed = errors.New("stt: stream closed")

// StreamConfig describes the audio format and recognition hints for a new
// transcription stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline runs at
	// [types.SampleRate] mono 16-bit PCM.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "hi"). Empty lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for domain terms such as product or brand names.
	Keywords []string

	// InterimResults requests low-latency partial transcripts in addition
	// to finals. The turn controller needs partials for barge-in word
	// counting, so sessions enable this.
	InterimResults bool
}

// Stream represents an open transcription stream. It is an interface so that
// the turn controller can be tested against a mock without a live provider
// connection.
//
// Callers must call Close when the stream is no longer needed. All methods
// must be safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio to the provider. The chunk
	// must match the SampleRate, Channels, and bit depth agreed in
	// StreamConfig. SendAudio after Close returns [ErrStreamClosed].
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim transcripts as
	// the provider revises its guess. Partials drive barge-in detection and
	// live captions but are never written to the session transcript.
	// The channel is closed when the stream ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel emitting committed transcripts.
	// These feed the turn controller's utterance accumulator and the
	// persisted transcript. The channel is closed when the stream ends.
	Finals() <-chan types.Transcript

	// Events returns a read-only channel of provider-side speech activity
	// signals, when the backend reports them. Providers without server-side
	// activity detection return a channel that never emits; the channel is
	// still closed when the stream ends.
	Events() <-chan ActivityEvent

	// Close terminates the stream, flushes pending audio, and releases all
	// resources. After Close returns the output channels are closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// ActivityEvent is a provider-side speech activity signal, one half of the
// dual-signal endpointing scheme (the other half is the local VAD).
type ActivityEvent struct {
	// Kind is either [ActivitySpeechStarted] or [ActivityUtteranceEnd].
	Kind ActivityKind

	// TimestampMs is the provider's media timestamp for the event, when
	// reported.
	TimestampMs float64
}

// ActivityKind discriminates [ActivityEvent] values.
type ActivityKind string

const (
	ActivitySpeechStarted ActivityKind = "speech_started"
	ActivityUtteranceEnd  ActivityKind = "utterance_end"
)

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously, one per active call.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// Stream is ready to accept audio immediately. The caller owns the
	// Stream and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// Prewarm establishes a provider connection for the language ahead of
	// the first StartStream so the hot path skips the TLS handshake.
	// Providers without warm-up support return nil.
	Prewarm(ctx context.Context, language string) error
}
