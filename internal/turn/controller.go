// Package turn implements the turn-taking state machine for a voice session.
//
// The controller fuses two voice-activity signals: the local pipeline VAD
// (frame-level, low latency) and the transcriber's own activity markers
// (authoritative but slower). The pipeline VAD drives the state machine; the
// transcriber signals serve as timing hints. Endpointing waits a minimum
// delay after speech end before committing the user's turn, bounded by a
// maximum delay that force-commits. While the agent is speaking, sustained
// user speech plus at least one transcribed word triggers a barge-in.
//
// The controller never calls into the TTS or LLM directly. It emits
// [Event] values on a channel the session orchestrator consumes, which keeps
// the dependency graph acyclic.
package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// State is a phase of the turn-taking state machine.
type State int

const (
	// StateIdle is the initial state before the greeting completes.
	StateIdle State = iota

	// StateListening means the controller is waiting for or receiving
	// user speech.
	StateListening

	// StateThinking means the LLM is generating, either preemptively
	// during the endpointing window or after the turn has committed.
	StateThinking

	// StateSpeaking means agent audio is playing out.
	StateSpeaking

	// StateInterrupted means a barge-in fired and the controller is
	// waiting for the output path to drain.
	StateInterrupted

	// StateTerminated is the final state after [Controller.Terminate].
	StateTerminated
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventType identifies what the controller is asking the session to do.
type EventType int

const (
	// EventCommitTurn finalises the user's turn. Text carries the
	// utterance; the session runs the LLM turn with it.
	EventCommitTurn EventType = iota

	// EventStartGeneration begins a preemptive LLM request before the
	// turn commits. Text carries the best transcript so far.
	EventStartGeneration

	// EventCancelGeneration aborts the in-flight LLM request, either
	// because new speech arrived during endpointing or because of a
	// barge-in. Cancellation must be idempotent on the receiving side.
	EventCancelGeneration

	// EventInterrupt tells the output path to stop at the next frame
	// boundary and drop pending audio.
	EventInterrupt

	// EventStateChanged reports a state transition. State carries the
	// new state.
	EventStateChanged
)

// Event is a command or notification emitted by the [Controller].
type Event struct {
	Type  EventType
	Text  string
	State State
}

// Controller runs the dual-VAD turn state machine for one session.
// All methods are safe for concurrent use; the session's frame pump,
// transcript consumer, and output path may call in from separate goroutines.
type Controller struct {
	cfg     config.PipelineConfig
	session vad.Session

	mu    sync.Mutex
	state State

	// endpointing window
	pendingCommit bool
	commitAt      time.Time
	forceCommitAt time.Time

	// transcript accumulation for the current turn
	finals      []string
	lastPartial string

	// preemptive generation bookkeeping
	generating bool

	// barge-in tracking while speaking
	userSpeaking  bool
	speechStartAt time.Time

	events chan Event
	closed bool

	now func() time.Time
}

// NewController creates a [Controller] using the given pipeline configuration
// and a pipeline VAD session. The session is owned by the controller and is
// closed by [Controller.Terminate].
func NewController(cfg config.PipelineConfig, session vad.Session) *Controller {
	return &Controller{
		cfg:     cfg,
		session: session,
		state:   StateIdle,
		events:  make(chan Event, 32),
		now:     time.Now,
	}
}

// Events returns the channel of controller events. The channel is closed by
// [Controller.Terminate].
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves the controller from idle to listening. Called once the
// greeting has finished playing.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return
	}
	c.transition(StateListening)
}

// ─── audio path ───

// ProcessFrame feeds one PCM frame through the pipeline VAD and advances any
// pending endpointing or interruption deadlines. It is called on the frame
// cadence, which makes it the controller's clock tick.
func (c *Controller) ProcessFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return nil
	}

	ev, err := c.session.ProcessFrame(frame)
	if err != nil {
		return err
	}
	now := c.now()

	switch ev.Type {
	case vad.SpeechStart:
		c.onSpeechStart(now)
	case vad.SpeechEnd:
		c.onSpeechEnd(now)
	}

	c.checkDeadlines(now)
	return nil
}

func (c *Controller) onSpeechStart(now time.Time) {
	c.userSpeaking = true
	c.speechStartAt = now

	switch c.state {
	case StateListening, StateThinking:
		// Speech resumed during the endpointing window: the utterance
		// is not over, so any preemptive request is stale.
		if c.pendingCommit {
			c.pendingCommit = false
			c.cancelGeneration()
			c.transition(StateListening)
		}
	}
}

func (c *Controller) onSpeechEnd(now time.Time) {
	c.userSpeaking = false

	if c.state != StateListening {
		return
	}
	if c.pendingCommit {
		return
	}
	c.pendingCommit = true
	c.commitAt = now.Add(c.cfg.MinEndpointingDelay)
	c.forceCommitAt = now.Add(c.cfg.MaxEndpointingDelay)

	if c.cfg.PreemptiveGeneration {
		if text := c.turnText(); text != "" {
			c.generating = true
			c.emit(Event{Type: EventStartGeneration, Text: text})
			// Generation is underway even though the turn has not
			// committed yet.
			c.transition(StateThinking)
		}
	}
}

func (c *Controller) checkDeadlines(now time.Time) {
	switch c.state {
	case StateListening, StateThinking:
		if !c.pendingCommit {
			return
		}
		if now.Before(c.commitAt) {
			return
		}
		// Past the minimum delay a turn commits as soon as a final
		// transcript exists. Without one, hold out for the transcriber
		// until the force deadline, then commit whatever we have.
		if len(c.finals) == 0 && now.Before(c.forceCommitAt) {
			return
		}
		c.commit()
	case StateSpeaking:
		if !c.userSpeaking {
			return
		}
		sustained := now.Sub(c.speechStartAt)
		if sustained < c.cfg.MinInterruptionDuration {
			return
		}
		if c.runningWordCount() < c.cfg.MinInterruptionWords {
			return
		}
		c.interrupt()
	}
}

func (c *Controller) commit() {
	text := c.turnText()
	c.pendingCommit = false
	if text == "" {
		// Nothing transcribed; back to listening without a turn.
		c.cancelGeneration()
		c.transition(StateListening)
		return
	}
	c.finals = nil
	c.lastPartial = ""
	c.generating = false
	c.emit(Event{Type: EventCommitTurn, Text: text})
	c.transition(StateThinking)
}

func (c *Controller) interrupt() {
	c.cancelGeneration()
	c.emit(Event{Type: EventInterrupt})
	// The partial captured during the barge-in becomes the start of the
	// user's next turn.
	c.finals = nil
	c.transition(StateInterrupted)
}

func (c *Controller) cancelGeneration() {
	if !c.generating {
		return
	}
	c.generating = false
	c.emit(Event{Type: EventCancelGeneration})
}

// ─── transcript path ───

// HandleTranscript consumes a partial or final transcript from the STT
// stream. Finals accumulate into the current turn; a partial arriving during
// the endpointing window cancels any preemptive request.
func (c *Controller) HandleTranscript(t types.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return
	}

	if t.IsFinal {
		if t.Text != "" {
			c.finals = append(c.finals, t.Text)
		}
		c.lastPartial = ""
		c.checkDeadlines(c.now())
		return
	}

	c.lastPartial = t.Text
	if (c.state == StateListening || c.state == StateThinking) && c.pendingCommit && t.Text != "" {
		// New interim content means the user kept talking; the
		// preemptive request no longer reflects the full utterance.
		if c.generating {
			c.cancelGeneration()
			c.transition(StateListening)
		}
	}
	c.checkDeadlines(c.now())
}

// HandleActivity consumes a transcriber activity marker. The transcriber is
// the slow, authoritative VAD: its utterance-end lets an endpointing window
// commit at the minimum delay without waiting for the force deadline.
func (c *Controller) HandleActivity(ev stt.ActivityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return
	}

	if ev.Kind == stt.ActivityUtteranceEnd {
		now := c.now()
		if (c.state == StateListening || c.state == StateThinking) && c.pendingCommit && !now.Before(c.commitAt) {
			c.commit()
		}
	}
}

// ─── output path notifications ───

// SpeakingStarted is called by the session when the first TTS audio chunk
// for the turn is emitted.
func (c *Controller) SpeakingStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateThinking {
		return
	}
	c.transition(StateSpeaking)
}

// SpeakingFinished is called when the TTS stream for the turn has fully
// played out.
func (c *Controller) SpeakingFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSpeaking {
		return
	}
	c.transition(StateListening)
}

// AcknowledgeDrain is called after a barge-in once the output path has
// dropped pending audio and the LLM cancellation has settled.
func (c *Controller) AcknowledgeDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInterrupted {
		return
	}
	c.transition(StateListening)
}

// Terminate closes the controller and its VAD session. Any state may
// terminate; the events channel is closed.
func (c *Controller) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return nil
	}
	c.state = StateTerminated
	err := c.session.Close()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return err
}

// ─── internals ───

// turnText joins accumulated finals, falling back to the last partial when
// no final has arrived yet (the force-commit case).
func (c *Controller) turnText() string {
	if len(c.finals) > 0 {
		return strings.Join(c.finals, " ")
	}
	return strings.TrimSpace(c.lastPartial)
}

func (c *Controller) runningWordCount() int {
	t := types.Transcript{Text: c.lastPartial}
	n := t.WordCount()
	for _, f := range c.finals {
		n += types.Transcript{Text: f}.WordCount()
	}
	return n
}

func (c *Controller) transition(to State) {
	if c.state == to {
		return
	}
	c.state = to
	c.emit(Event{Type: EventStateChanged, State: to})
}

func (c *Controller) emit(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// A stalled consumer must not wedge the audio path. Dropping a
		// state notification is recoverable; commands are retried via
		// state inspection on the session side.
	}
}
