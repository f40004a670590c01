// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify which voices were opened and Stream to inspect the
// segments the caller spoke. Tests push audio onto AudioCh to drive the
// consumer.
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by OpenStream. If nil, OpenStream returns a new
	// default Stream.
	Stream tts.Stream

	// OpenStreamErr, if non-nil, is returned by OpenStream.
	OpenStreamErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// OpenStreamCalls records the voice of every OpenStream call.
	OpenStreamCalls []types.VoiceProfile

	// PrewarmCalls records the voice of every Prewarm call.
	PrewarmCalls []types.VoiceProfile
}

// OpenStream records the call and returns Stream, OpenStreamErr.
func (p *Provider) OpenStream(_ context.Context, voice types.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, voice)
	if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Prewarm records the call.
func (p *Provider) Prewarm(_ context.Context, voice types.VoiceProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PrewarmCalls = append(p.PrewarmCalls, voice)
	return nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

var _ tts.Provider = (*Provider)(nil)

// Stream is a mock implementation of tts.Stream.
type Stream struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio. Tests own this channel.
	AudioCh chan tts.AudioChunk

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// SpokenSegments records every segment passed to Speak.
	SpokenSegments []string

	// FlushCallCount, InterruptCallCount, and CloseCallCount record the
	// respective call counts.
	FlushCallCount     int
	InterruptCallCount int
	CloseCallCount     int

	// EchoAudio, when true, makes Speak emit one chunk per segment and
	// Flush emit the final chunk and close AudioCh. This lets simple tests
	// run a full speak/flush/drain cycle without goroutines.
	EchoAudio bool
}

// NewStream returns a Stream with a buffered audio channel.
func NewStream() *Stream {
	return &Stream{AudioCh: make(chan tts.AudioChunk, 64)}
}

// Speak records the segment and returns SpeakErr.
func (s *Stream) Speak(segment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	s.SpokenSegments = append(s.SpokenSegments, segment)
	if s.EchoAudio {
		s.AudioCh <- tts.AudioChunk{PCM: []byte(segment)}
	}
	return nil
}

// Flush records the call.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCallCount++
	if s.EchoAudio {
		s.AudioCh <- tts.AudioChunk{Final: true}
		close(s.AudioCh)
		s.EchoAudio = false
	}
	return nil
}

// Audio returns AudioCh.
func (s *Stream) Audio() <-chan tts.AudioChunk { return s.AudioCh }

// Interrupt records the call.
func (s *Stream) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return nil
}

// Close records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Segments returns a copy of the spoken segments. Thread-safe.
func (s *Stream) Segments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SpokenSegments))
	copy(out, s.SpokenSegments)
	return out
}

var _ tts.Stream = (*Stream)(nil)
