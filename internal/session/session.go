// Package session implements the voice session orchestrator: it wires the
// STT stream, the dual-VAD turn controller, the LLM with its tool set, and
// the TTS path together for one call, and owns the session's lifecycle
// hooks.
//
// Concurrency follows the per-session task-group model: one task pumps
// microphone frames into the VAD and the STT stream, three tasks drain the
// STT outputs into the turn controller, and one task consumes controller
// events. LLM turns and TTS playback run as per-turn goroutines owned by the
// event task. Tasks communicate over the controller's channel; none of them
// share mutable state outside this package.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/integration"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/internal/turn"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// frameMs is the audio frame cadence the pipeline runs on.
const frameMs = 20

// errCallEnded signals a normal end of the audio path (caller hung up or
// the track closed). It cancels the task group without marking failure.
var errCallEnded = errors.New("session: call ended")

// AudioInput delivers caller audio frames. Implementations block until a
// frame is available and return io.EOF when the caller's track ends.
type AudioInput interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// AudioOutput plays agent audio to the caller. The session is the single
// writer of its output.
type AudioOutput interface {
	WriteAudio(ctx context.Context, pcm []byte) error
}

// Recorder is the slice of the session store the session needs. Satisfied
// by [store.SessionStore].
type Recorder interface {
	End(ctx context.Context, sessionID string, status store.SessionStatus, endedAt time.Time) error
	AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error
}

// Params identifies and configures one voice session.
type Params struct {
	SessionID string
	Agent     store.Agent
	CallType  types.CallType

	// Greeting is the call-type-selected opening line, already resolved
	// by the call orchestrator.
	Greeting string

	Pipeline config.PipelineConfig
}

// Deps carries the collaborators a session wires together. Recorder, Sink,
// Dispatcher, Metrics, Tools, and Phrases may be nil; the session degrades
// to not recording, not dispatching, or offering no tools.
type Deps struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
	VAD vad.Engine

	Tools      *tools.Set
	Recorder   Recorder
	Sink       latency.Sink
	Dispatcher *integration.Dispatcher
	Metrics    *observe.Metrics
	Tracker    *latency.Tracker

	Input  AudioInput
	Output AudioOutput

	// Phrases caches synthesised audio for repeated short phrases such as
	// greetings and farewells.
	Phrases *tts.PhraseCache

	Log *slog.Logger
}

// Session is one live voice conversation. Create with [New], drive with
// [Session.Run]; Run blocks until the call ends.
type Session struct {
	p Params
	d Deps

	voice types.VoiceProfile
	ctrl  *turn.Controller
	strm  stt.Stream
	log   *slog.Logger

	mu         sync.Mutex
	current    *turnRun
	speaking   tts.Stream
	transcript []types.TranscriptEntry
	history    []types.Message

	now func() time.Time
}

// New builds a session. The pipeline config's zero value is replaced by
// [config.DefaultPipeline].
func New(p Params, d Deps) *Session {
	if p.Pipeline.MaxEndpointingDelay == 0 {
		p.Pipeline = config.DefaultPipeline()
	}
	if d.Tracker == nil {
		d.Tracker = latency.New(p.SessionID, latency.WithAgentID(p.Agent.ID))
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		p: p,
		d: d,
		voice: types.VoiceProfile{
			ID:       p.Agent.VoiceID,
			Language: p.Agent.Language,
		},
		log: log.With("session", p.SessionID, "agent", p.Agent.ID),
		now: time.Now,
	}
}

// Run executes the session until the caller hangs up, the context is
// cancelled, or an unrecoverable pipeline error occurs. It always runs the
// exit hook before returning.
func (s *Session) Run(ctx context.Context) error {
	vs, err := s.d.VAD.NewSession(vad.Config{
		SampleRate:          types.SampleRate,
		FrameSizeMs:         frameMs,
		ActivationThreshold: s.p.Pipeline.VAD.ActivationThreshold,
		MinSpeechDuration:   s.p.Pipeline.VAD.MinSpeechDuration,
		MinSilenceDuration:  s.p.Pipeline.VAD.MinSilenceDuration,
		PrefixPadding:       s.p.Pipeline.VAD.PrefixPaddingDuration,
	})
	if err != nil {
		return err
	}
	s.ctrl = turn.NewController(s.p.Pipeline, vs)

	s.strm, err = s.d.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate:     types.SampleRate,
		Channels:       1,
		Language:       s.p.Agent.Language,
		InterimResults: true,
	})
	if err != nil {
		s.ctrl.Terminate()
		return err
	}

	s.onEnter(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpFrames(gctx) })
	g.Go(func() error { return s.consumePartials(gctx) })
	g.Go(func() error { return s.consumeFinals(gctx) })
	g.Go(func() error { return s.consumeActivity(gctx) })
	g.Go(func() error { return s.consumeEvents(gctx) })

	err = g.Wait()
	if errors.Is(err, errCallEnded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	s.onExit(err)
	return err
}

// ─── lifecycle hooks ───

// onEnter registers the session, announces the call to integrations, waits
// for the audio path to settle, and speaks the greeting split at its first
// sentence boundary.
func (s *Session) onEnter(ctx context.Context) {
	s.log.Info("session starting", "call_type", s.p.CallType)
	if s.d.Metrics != nil {
		s.d.Metrics.ActiveSessions.Add(ctx, 1)
	}
	if s.d.Dispatcher != nil {
		s.d.Dispatcher.OnCallStarted(ctx, s.p.SessionID, s.p.Agent.ID, s.p.Agent.OrganizationID, "")
	}

	// The media path needs a moment before the first audio is audible.
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.p.Pipeline.GreetingDelay):
	}

	if s.p.Greeting != "" {
		first, rest := SplitGreeting(s.p.Greeting)
		s.sayPhrase(ctx, first)
		if rest != "" {
			s.sayPhrase(ctx, rest)
		}
		s.recordAgentLine(s.p.Greeting, 0)
	}

	s.ctrl.Start()
}

// onExit prints the session summary, speaks the farewell when the output
// path is still usable, flushes latency metrics, persists the transcript,
// and notifies integrations.
func (s *Session) onExit(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.cancelTurn()
	s.ctrl.Terminate()
	if err := s.strm.Close(); err != nil {
		s.log.Warn("stt close", "err", err)
	}

	if runErr == nil && s.p.Agent.Farewell != "" {
		s.sayPhrase(ctx, s.p.Agent.Farewell)
		s.recordAgentLine(s.p.Agent.Farewell, 0)
	}

	stats := s.d.Tracker.SessionStats()
	for op, st := range stats {
		s.log.Info("session latency",
			"op", op, "count", st.Count, "avg_ms", st.AvgMs,
			"p95_ms", st.P95Ms, "exceeded", st.ExceededCount)
	}

	if s.d.Sink != nil {
		if err := s.d.Tracker.Flush(ctx, s.d.Sink); err != nil {
			s.log.Error("latency flush", "err", err)
		}
	}

	s.mu.Lock()
	transcript := s.transcript
	s.transcript = nil
	s.mu.Unlock()
	if s.d.Recorder != nil && len(transcript) > 0 {
		if err := s.d.Recorder.AppendTranscript(ctx, s.p.SessionID, transcript); err != nil {
			s.log.Error("transcript persist", "err", err)
		}
	}

	if s.d.Dispatcher != nil {
		s.d.Dispatcher.OnCallEnded(ctx, s.p.SessionID)
		s.d.Dispatcher.OnTranscriptReady(ctx, s.p.SessionID)
	}

	status := store.SessionCompleted
	if runErr != nil {
		status = store.SessionFailed
	}
	if s.d.Recorder != nil {
		if err := s.d.Recorder.End(ctx, s.p.SessionID, status, s.now()); err != nil {
			s.log.Error("session end", "err", err)
		}
	}
	if s.d.Metrics != nil {
		s.d.Metrics.ActiveSessions.Add(ctx, -1)
	}
	s.log.Info("session finished", "status", status, "err", runErr)
}

// ─── pipeline tasks ───

// pumpFrames drains caller audio into the VAD (via the controller) and the
// STT stream. Frame cadence doubles as the controller's clock.
func (s *Session) pumpFrames(ctx context.Context) error {
	for {
		frame, err := s.d.Input.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return errCallEnded
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := s.ctrl.ProcessFrame(frame); err != nil {
			return err
		}
		if err := s.strm.SendAudio(frame); err != nil {
			if errors.Is(err, stt.ErrStreamClosed) {
				return errCallEnded
			}
			return err
		}
	}
}

func (s *Session) consumePartials(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-s.strm.Partials():
			if !ok {
				return nil
			}
			s.ctrl.HandleTranscript(t)
		}
	}
}

func (s *Session) consumeFinals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-s.strm.Finals():
			if !ok {
				return nil
			}
			s.ctrl.HandleTranscript(t)
		}
	}
}

func (s *Session) consumeActivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.strm.Events():
			if !ok {
				return nil
			}
			s.ctrl.HandleActivity(ev)
		}
	}
}

// consumeEvents reacts to turn controller commands.
func (s *Session) consumeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.ctrl.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case turn.EventStartGeneration:
				s.startTurn(ctx, ev.Text, false)
			case turn.EventCommitTurn:
				s.commitTurn(ctx, ev.Text)
			case turn.EventCancelGeneration:
				s.cancelTurn()
			case turn.EventInterrupt:
				s.interrupt(ctx)
			case turn.EventStateChanged:
				s.log.Debug("turn state", "state", ev.State)
			}
		}
	}
}

// ─── turn management ───

// startTurn begins an LLM run for the given text. A released run may speak
// as soon as audio is ready; an unreleased (preemptive) one generates but
// holds its output until the turn commits.
func (s *Session) startTurn(ctx context.Context, text string, released bool) {
	s.cancelTurn()

	tctx, cancel := context.WithCancel(ctx)
	run := newTurnRun(text, cancel)
	run.runCtx = tctx
	if released {
		run.release()
	}

	s.mu.Lock()
	s.current = run
	s.mu.Unlock()

	go s.runTurn(tctx, run)
}

// commitTurn finalises the user's turn: a preemptive run for the same text
// is released to speak, anything else is replaced. The end-to-end turn
// timer starts here.
func (s *Session) commitTurn(ctx context.Context, text string) {
	s.recordUserLine(text)

	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	if run != nil && run.text == text && run.ctx().Err() == nil {
		run.e2e = s.d.Tracker.Start(latency.OpE2ETurn)
		run.release()
		return
	}

	// Start the run gated so the timer is in place before the gate opens;
	// closing the gate is the happens-before edge the audio pump's
	// unlocked read relies on.
	s.startTurn(ctx, text, false)
	s.mu.Lock()
	run = s.current
	s.mu.Unlock()
	if run != nil {
		run.e2e = s.d.Tracker.Start(latency.OpE2ETurn)
		run.release()
	}
}

// cancelTurn aborts the in-flight LLM run, if any. Idempotent.
func (s *Session) cancelTurn() {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}

// interrupt handles a barge-in: stop the synthesiser at the frame boundary,
// cancel generation, and acknowledge the drain back to the controller once
// the turn's goroutines have stopped.
func (s *Session) interrupt(ctx context.Context) {
	s.mu.Lock()
	run := s.current
	speaking := s.speaking
	s.mu.Unlock()

	if speaking != nil {
		if err := speaking.Interrupt(); err != nil && !errors.Is(err, tts.ErrStreamClosed) {
			s.log.Warn("tts interrupt", "err", err)
		}
	}
	if run != nil {
		run.cancel()
	}
	if s.d.Metrics != nil {
		s.d.Metrics.RecordInterruption(ctx, s.p.Agent.ID)
	}
	s.log.Info("barge-in, output interrupted")

	go func() {
		if run != nil {
			select {
			case <-run.done:
			case <-time.After(2 * time.Second):
			}
		}
		s.ctrl.AcknowledgeDrain()
	}()
}

// ─── phrase output ───

// sayPhrase synthesises a short fixed phrase (greeting, farewell) through
// the phrase cache and plays it out. Errors degrade to silence.
func (s *Session) sayPhrase(ctx context.Context, text string) {
	if text == "" {
		return
	}
	var (
		chunks [][]byte
		err    error
	)
	if s.d.Phrases != nil {
		chunks, err = s.d.Phrases.Synthesize(ctx, s.d.TTS, s.voice, text)
	} else {
		chunks, err = tts.SynthesizeAll(ctx, s.d.TTS, s.voice, text)
	}
	if err != nil {
		s.log.Error("phrase synthesis", "err", err)
		return
	}
	for _, pcm := range chunks {
		if err := s.d.Output.WriteAudio(ctx, pcm); err != nil {
			s.log.Warn("phrase playback", "err", err)
			return
		}
	}
}

// ─── transcript ───

func (s *Session) recordUserLine(text string) {
	s.appendEntry(types.TranscriptEntry{
		Timestamp: s.now(),
		Speaker:   types.SpeakerUser,
		Text:      text,
		Type:      types.EntrySpeech,
	})
	if s.d.Dispatcher != nil {
		s.d.Dispatcher.AddTranscriptMessage(s.p.SessionID, string(types.SpeakerUser), text)
	}
}

func (s *Session) recordAgentLine(text string, latencyMs int) {
	s.appendEntry(types.TranscriptEntry{
		Timestamp: s.now(),
		Speaker:   types.SpeakerAgent,
		Text:      text,
		Type:      types.EntrySpeech,
		LatencyMs: latencyMs,
	})
	if s.d.Dispatcher != nil {
		s.d.Dispatcher.AddTranscriptMessage(s.p.SessionID, string(types.SpeakerAgent), text)
	}
}

func (s *Session) appendEntry(e types.TranscriptEntry) {
	s.mu.Lock()
	s.transcript = append(s.transcript, e)
	s.mu.Unlock()
}

// Transcript returns a copy of the entries recorded so far.
func (s *Session) Transcript() []types.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}
