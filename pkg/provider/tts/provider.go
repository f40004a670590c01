// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. The primary entry point is OpenStream: the session
// feeds it sentence-sized text segments (produced by [Segmenter] from LLM
// token output) and reads raw PCM audio chunks as they become available,
// pipelining synthesis against generation for low first-byte latency.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// ErrStreamClosed is returned by [Stream.Speak] after the stream has ended.
var ErrStreamClosed = errors.New("tts: stream closed")

// AudioChunk is one piece of synthesised audio.
type AudioChunk struct {
	// PCM is raw 16-bit little-endian mono audio at [types.SampleRate].
	PCM []byte

	// Final marks the last chunk of a flushed utterance.
	Final bool
}

// Stream is an open synthesis stream bound to one voice. A session keeps one
// stream per agent reply and interrupts it on barge-in.
//
// All methods must be safe for concurrent use.
type Stream interface {
	// Speak queues a text segment for synthesis. Segments are synthesised
	// in order. Speak after Close or Interrupt returns [ErrStreamClosed].
	Speak(segment string) error

	// Flush signals the end of the utterance. The provider synthesises any
	// buffered text and emits a chunk with Final set once done.
	Flush() error

	// Audio returns the channel of synthesised chunks. The channel is
	// closed when the stream ends.
	Audio() <-chan AudioChunk

	// Interrupt aborts synthesis immediately and discards queued text and
	// undelivered audio. Used for barge-in. The Audio channel is closed.
	Interrupt() error

	// Close ends the stream and releases resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open at once, one per active call.
type Provider interface {
	// OpenStream opens a synthesis stream for the given voice. The caller
	// owns the Stream and must call Close when done.
	OpenStream(ctx context.Context, voice types.VoiceProfile) (Stream, error)

	// Prewarm establishes provider connections for the voice ahead of
	// need, so the first OpenStream of a call avoids dial latency.
	// Providers without warmable state return nil.
	Prewarm(ctx context.Context, voice types.VoiceProfile) error

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
