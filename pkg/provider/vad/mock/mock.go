// Package mock provides test doubles for the vad package interfaces.
//
// Script a Session with the exact Event sequence the consumer should see;
// ProcessFrame pops events in order and repeats the last one when the script
// runs out.
package mock

import (
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new empty Session is
	// returned.
	Session vad.Session

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// NewSessionCalls records the config of every NewSession call.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// Script is the sequence of events returned by successive ProcessFrame
	// calls. When exhausted, the last event repeats; an empty script
	// returns Silence.
	Script []vad.Event

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// FrameCount is the number of ProcessFrame calls.
	FrameCount int

	// ResetCallCount and CloseCallCount record the respective calls.
	ResetCallCount int
	CloseCallCount int
}

// ProcessFrame pops the next scripted event.
func (s *Session) ProcessFrame([]byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	idx := s.FrameCount
	s.FrameCount++
	if len(s.Script) == 0 {
		return vad.Event{Type: vad.Silence}, nil
	}
	if idx >= len(s.Script) {
		idx = len(s.Script) - 1
	}
	return s.Script[idx], nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ vad.Session = (*Session)(nil)
