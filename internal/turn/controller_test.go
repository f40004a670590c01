package turn

import (
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	vadmock "github.com/vocalis-ai/vocalis/pkg/provider/vad/mock"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// testClock is a manually advanced clock for deterministic deadline tests.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(script []vad.Event) (*Controller, *vadmock.Session, *testClock) {
	session := &vadmock.Session{Script: script}
	c := NewController(config.DefaultPipeline(), session)
	clock := &testClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, session, clock
}

// drainEvents collects everything currently buffered on the events channel.
func drainEvents(c *Controller) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, t EventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestStartTransitionsToListening(t *testing.T) {
	c, _, _ := newTestController(nil)
	if got := c.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}
	c.Start()
	if got := c.State(); got != StateListening {
		t.Fatalf("state after Start = %v, want listening", got)
	}
	// Start is a no-op outside idle.
	c.Start()
	if got := c.State(); got != StateListening {
		t.Fatalf("state after second Start = %v, want listening", got)
	}
}

func TestCommitAfterMinEndpointingDelay(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	if err := c.ProcessFrame(frame); err != nil { // SpeechStart
		t.Fatal(err)
	}
	c.HandleTranscript(types.Transcript{Text: "book a table for two", IsFinal: true})
	if err := c.ProcessFrame(frame); err != nil { // SpeechEnd
		t.Fatal(err)
	}

	events := drainEvents(c)
	if !hasEvent(events, EventStartGeneration) {
		t.Fatal("expected preemptive EventStartGeneration on speech end")
	}

	// Preemptive generation is already running, so the window counts as
	// thinking even though the turn has not committed.
	clock.Advance(399 * time.Millisecond)
	if err := c.ProcessFrame(frame); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateThinking {
		t.Fatalf("state before min delay = %v, want thinking", got)
	}

	clock.Advance(1 * time.Millisecond)
	if err := c.ProcessFrame(frame); err != nil {
		t.Fatal(err)
	}
	events = drainEvents(c)
	var committed *Event
	for i := range events {
		if events[i].Type == EventCommitTurn {
			committed = &events[i]
		}
	}
	if committed == nil {
		t.Fatal("expected EventCommitTurn at min endpointing delay")
	}
	if committed.Text != "book a table for two" {
		t.Fatalf("committed text = %q", committed.Text)
	}
	if got := c.State(); got != StateThinking {
		t.Fatalf("state after commit = %v, want thinking", got)
	}
}

func TestForceCommitAtMaxEndpointingDelay(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame) // SpeechStart
	c.HandleTranscript(types.Transcript{Text: "hello", IsFinal: false})
	c.ProcessFrame(frame) // SpeechEnd
	drainEvents(c)

	// No final transcript yet, so the min delay alone must not commit; the
	// partial was enough to start preemptive generation.
	clock.Advance(500 * time.Millisecond)
	c.ProcessFrame(frame)
	if got := c.State(); got != StateThinking {
		t.Fatalf("state past min delay without final = %v, want thinking", got)
	}

	clock.Advance(300 * time.Millisecond)
	c.ProcessFrame(frame)
	events := drainEvents(c)
	var committed *Event
	for i := range events {
		if events[i].Type == EventCommitTurn {
			committed = &events[i]
		}
	}
	if committed == nil {
		t.Fatal("expected force commit at max endpointing delay")
	}
	if committed.Text != "hello" {
		t.Fatalf("committed text = %q, want partial fallback", committed.Text)
	}
}

func TestPartialDuringEndpointingCancelsPreemptive(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame) // SpeechStart
	c.HandleTranscript(types.Transcript{Text: "what is the", IsFinal: true})
	c.ProcessFrame(frame) // SpeechEnd, starts preemptive generation
	events := drainEvents(c)
	if !hasEvent(events, EventStartGeneration) {
		t.Fatal("expected EventStartGeneration")
	}

	clock.Advance(100 * time.Millisecond)
	c.HandleTranscript(types.Transcript{Text: "what is the weather", IsFinal: false})
	events = drainEvents(c)
	if !hasEvent(events, EventCancelGeneration) {
		t.Fatal("expected EventCancelGeneration after new partial")
	}
	if got := c.State(); got != StateListening {
		t.Fatalf("state after cancelled preemptive run = %v, want listening", got)
	}
}

func TestPreemptiveGenerationEntersThinking(t *testing.T) {
	c, _, _ := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame) // SpeechStart
	c.HandleTranscript(types.Transcript{Text: "do you deliver", IsFinal: true})
	c.ProcessFrame(frame) // SpeechEnd starts preemptive generation

	events := drainEvents(c)
	if !hasEvent(events, EventStartGeneration) {
		t.Fatal("expected EventStartGeneration")
	}
	if got := c.State(); got != StateThinking {
		t.Fatalf("state during preemptive generation = %v, want thinking", got)
	}
}

func TestSpeechResumeCancelsPendingCommit(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.SpeechStart},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame) // SpeechStart
	c.HandleTranscript(types.Transcript{Text: "one moment", IsFinal: true})
	c.ProcessFrame(frame) // SpeechEnd
	drainEvents(c)

	clock.Advance(200 * time.Millisecond)
	c.ProcessFrame(frame) // SpeechStart again, inside the window
	events := drainEvents(c)
	if !hasEvent(events, EventCancelGeneration) {
		t.Fatal("expected EventCancelGeneration when speech resumes")
	}

	// The original deadline must no longer commit.
	clock.Advance(time.Second)
	c.ProcessFrame(frame)
	if got := c.State(); got != StateListening {
		t.Fatalf("state = %v, want listening (no commit after resume)", got)
	}
}

func TestUtteranceEndCommitsPastMinDelay(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame)
	c.ProcessFrame(frame) // SpeechEnd; no final transcript yet
	c.HandleTranscript(types.Transcript{Text: "call me back", IsFinal: false})
	drainEvents(c)

	clock.Advance(450 * time.Millisecond)
	c.HandleActivity(stt.ActivityEvent{Kind: stt.ActivityUtteranceEnd})
	events := drainEvents(c)
	if !hasEvent(events, EventCommitTurn) {
		t.Fatal("expected transcriber utterance end to commit past min delay")
	}
}

func TestInterruptionRequiresSustainedSpeech(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
		{Type: vad.SpeechStart},
		{Type: vad.SpeechContinue},
		{Type: vad.SpeechContinue},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame) // SpeechStart
	c.HandleTranscript(types.Transcript{Text: "tell me a story", IsFinal: true})
	c.ProcessFrame(frame) // SpeechEnd
	clock.Advance(400 * time.Millisecond)
	c.ProcessFrame(frame) // commit
	c.SpeakingStarted()
	if got := c.State(); got != StateSpeaking {
		t.Fatalf("state = %v, want speaking", got)
	}
	drainEvents(c)

	c.HandleTranscript(types.Transcript{Text: "wait", IsFinal: false})
	c.ProcessFrame(frame) // barge-in SpeechStart

	clock.Advance(149 * time.Millisecond)
	c.ProcessFrame(frame)
	if got := c.State(); got != StateSpeaking {
		t.Fatalf("interrupted at 149ms sustained speech, state = %v", got)
	}

	clock.Advance(1 * time.Millisecond)
	c.ProcessFrame(frame)
	events := drainEvents(c)
	if !hasEvent(events, EventInterrupt) {
		t.Fatal("expected EventInterrupt at 150ms sustained speech")
	}
	if got := c.State(); got != StateInterrupted {
		t.Fatalf("state = %v, want interrupted", got)
	}

	c.AcknowledgeDrain()
	if got := c.State(); got != StateListening {
		t.Fatalf("state after drain = %v, want listening", got)
	}
}

func TestInterruptionRequiresTranscribedWord(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
		{Type: vad.SpeechStart},
		{Type: vad.SpeechContinue},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame)
	c.HandleTranscript(types.Transcript{Text: "keep going", IsFinal: true})
	c.ProcessFrame(frame)
	clock.Advance(400 * time.Millisecond)
	c.ProcessFrame(frame)
	c.SpeakingStarted()
	drainEvents(c)

	// Background noise trips the VAD but produces no transcript.
	c.ProcessFrame(frame)
	clock.Advance(300 * time.Millisecond)
	c.ProcessFrame(frame)
	events := drainEvents(c)
	if hasEvent(events, EventInterrupt) {
		t.Fatal("interrupted without any transcribed word")
	}
	if got := c.State(); got != StateSpeaking {
		t.Fatalf("state = %v, want speaking", got)
	}
}

func TestSpeakingFinishedReturnsToListening(t *testing.T) {
	c, _, clock := newTestController([]vad.Event{
		{Type: vad.SpeechStart},
		{Type: vad.SpeechEnd},
		{Type: vad.Silence},
	})
	c.Start()

	frame := make([]byte, 640)
	c.ProcessFrame(frame)
	c.HandleTranscript(types.Transcript{Text: "hi", IsFinal: true})
	c.ProcessFrame(frame)
	clock.Advance(400 * time.Millisecond)
	c.ProcessFrame(frame)
	c.SpeakingStarted()
	c.SpeakingFinished()
	if got := c.State(); got != StateListening {
		t.Fatalf("state = %v, want listening", got)
	}
}

func TestTerminateClosesEventsAndSession(t *testing.T) {
	c, session, _ := newTestController(nil)
	c.Start()
	if err := c.Terminate(); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateTerminated {
		t.Fatalf("state = %v, want terminated", got)
	}
	if session.CloseCallCount != 1 {
		t.Fatalf("session Close calls = %d, want 1", session.CloseCallCount)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatal("events channel not closed")
	}
	// Terminate is idempotent.
	if err := c.Terminate(); err != nil {
		t.Fatal(err)
	}
	if session.CloseCallCount != 1 {
		t.Fatalf("session Close calls after second Terminate = %d, want 1", session.CloseCallCount)
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateIdle:        "idle",
		StateListening:   "listening",
		StateThinking:    "thinking",
		StateSpeaking:    "speaking",
		StateInterrupted: "interrupted",
		StateTerminated:  "terminated",
	}
	for s, name := range want {
		if got := s.String(); got != name {
			t.Errorf("%d.String() = %q, want %q", int(s), got, name)
		}
	}
}
