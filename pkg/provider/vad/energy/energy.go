// Package energy implements a local energy-based VAD engine.
//
// The detector tracks an adaptive noise floor and classifies each frame by
// the ratio of its RMS energy to that floor, mapped through a sigmoid into a
// speech probability. It is not a neural model, but on telephone audio it is
// robust enough for the fast half of the dual-signal endpointing scheme, and
// it runs in-process with zero network cost per frame.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// Engine implements vad.Engine.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New creates the energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: SampleRate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("energy: FrameSizeMs must be positive")
	}
	if cfg.ActivationThreshold < 0 || cfg.ActivationThreshold > 1 {
		return nil, fmt.Errorf("energy: ActivationThreshold %g out of [0, 1]", cfg.ActivationThreshold)
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2 // 16-bit mono
	s := &session{
		cfg:           cfg,
		frameBytes:    frameBytes,
		speechFrames:  int(cfg.MinSpeechDuration.Milliseconds()) / cfg.FrameSizeMs,
		silenceFrames: int(cfg.MinSilenceDuration.Milliseconds()) / cfg.FrameSizeMs,
		prefixFrames:  int(cfg.PrefixPadding.Milliseconds()) / cfg.FrameSizeMs,
		noiseFloor:    initialNoiseFloor,
	}
	if s.speechFrames < 1 {
		s.speechFrames = 1
	}
	if s.silenceFrames < 1 {
		s.silenceFrames = 1
	}
	return s, nil
}

const (
	// initialNoiseFloor assumes a quiet telephone line until adaptation
	// kicks in. RMS scale of int16 samples.
	initialNoiseFloor = 120.0

	// floorAdaptUp and floorAdaptDown are exponential smoothing factors
	// for the noise floor. The floor rises slowly (so speech does not get
	// absorbed into it) and falls quickly when the line gets quieter.
	floorAdaptUp   = 0.005
	floorAdaptDown = 0.1

	// sigmoidMidpointRatio is the energy-to-floor ratio mapped to
	// probability 0.5.
	sigmoidMidpointRatio = 3.0
	sigmoidSteepness     = 1.2
)

// session implements vad.Session.
type session struct {
	cfg        vad.Config
	frameBytes int

	speechFrames  int
	silenceFrames int
	prefixFrames  int

	noiseFloor float64

	inSpeech     bool
	speechRun    int
	silenceRun   int
	prefix       [][]byte
	closed       bool
}

var _ vad.Session = (*session)(nil)

// ProcessFrame implements vad.Session.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	energy := rms(frame)
	prob := s.probability(energy)
	s.adaptFloor(energy, prob)

	isSpeech := prob >= s.cfg.ActivationThreshold

	if !s.inSpeech {
		s.bufferPrefix(frame)
		if isSpeech {
			s.speechRun++
			if s.speechRun >= s.speechFrames {
				s.inSpeech = true
				s.speechRun = 0
				s.silenceRun = 0
				ev := vad.Event{Type: vad.SpeechStart, Probability: prob, Prefix: s.takePrefix()}
				return ev, nil
			}
		} else {
			s.speechRun = 0
		}
		return vad.Event{Type: vad.Silence, Probability: prob}, nil
	}

	if isSpeech {
		s.silenceRun = 0
		return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil
	}

	s.silenceRun++
	if s.silenceRun >= s.silenceFrames {
		s.inSpeech = false
		s.silenceRun = 0
		return vad.Event{Type: vad.SpeechEnd, Probability: prob}, nil
	}
	// Inside the silence grace window the utterance is still considered
	// ongoing.
	return vad.Event{Type: vad.SpeechContinue, Probability: prob}, nil
}

// Reset implements vad.Session.
func (s *session) Reset() {
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
	s.prefix = nil
	s.noiseFloor = initialNoiseFloor
}

// Close implements vad.Session.
func (s *session) Close() error {
	s.closed = true
	s.prefix = nil
	return nil
}

// probability maps the frame's energy-to-floor ratio through a sigmoid.
func (s *session) probability(energy float64) float64 {
	if s.noiseFloor <= 0 {
		return 0
	}
	ratio := energy / s.noiseFloor
	return 1 / (1 + math.Exp(-sigmoidSteepness*(ratio-sigmoidMidpointRatio)))
}

// adaptFloor updates the noise floor estimate from non-speech frames.
func (s *session) adaptFloor(energy, prob float64) {
	if prob >= s.cfg.ActivationThreshold {
		return
	}
	alpha := floorAdaptUp
	if energy < s.noiseFloor {
		alpha = floorAdaptDown
	}
	s.noiseFloor += alpha * (energy - s.noiseFloor)
}

// bufferPrefix keeps the last prefixFrames frames for SpeechStart delivery.
func (s *session) bufferPrefix(frame []byte) {
	if s.prefixFrames == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.prefix = append(s.prefix, cp)
	if len(s.prefix) > s.prefixFrames {
		s.prefix = s.prefix[len(s.prefix)-s.prefixFrames:]
	}
}

func (s *session) takePrefix() []byte {
	if len(s.prefix) == 0 {
		return nil
	}
	var out []byte
	for _, f := range s.prefix {
		out = append(out, f...)
	}
	s.prefix = nil
	return out
}

// rms computes the root-mean-square amplitude of 16-bit LE PCM.
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
