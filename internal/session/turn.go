package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// turnRun is one LLM generation with its TTS playback. A preemptive run is
// created gated: it may generate but not speak until the endpointing commit
// releases it. Cancellation is idempotent.
type turnRun struct {
	text string
	gate chan struct{}
	done chan struct{}
	stop context.CancelFunc

	// runCtx is assigned before the turn goroutine starts and read-only
	// afterwards.
	runCtx context.Context

	releaseOnce sync.Once

	// e2e times user-speech-end to first audio byte. Written before
	// release, read by the audio pump after the gate opens.
	e2e *latency.Handle
}

func newTurnRun(text string, cancel context.CancelFunc) *turnRun {
	return &turnRun{
		text: text,
		gate: make(chan struct{}),
		done: make(chan struct{}),
		stop: cancel,
	}
}

func (r *turnRun) release() { r.releaseOnce.Do(func() { close(r.gate) }) }

func (r *turnRun) cancel() { r.stop() }

func (r *turnRun) ctx() context.Context {
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// speaker is the TTS half of a turn: one synthesis stream plus the pump
// goroutine copying its audio to the caller.
type speaker struct {
	stream tts.Stream
	pumped chan struct{}
}

// runTurn drives one agent turn: stream the completion, execute up to
// MaxToolSteps tool rounds, cut the text into sentence segments, and feed
// them to the synthesiser. It owns the turn's TTS stream.
func (s *Session) runTurn(ctx context.Context, run *turnRun) {
	defer close(run.done)
	defer s.clearTurn(run)

	llmTotal := s.d.Tracker.Start(latency.OpLLMTotal)
	seg := tts.NewSegmenter(s.p.Agent.Language)

	msgs := s.snapshotHistory()
	msgs = append(msgs, types.Message{Role: "user", Content: run.text})

	var defs []types.ToolDefinition
	if s.d.Tools != nil {
		defs = s.d.Tools.Definitions(ctx)
	}

	var (
		reply    strings.Builder
		spk      *speaker
		toolStep int
	)
	defer func() {
		if spk != nil {
			// Close without Flush on the error/cancel paths; the normal
			// path flushed already.
			spk.stream.Close()
			<-spk.pumped
		}
	}()

	for {
		ch, err := s.d.LLM.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        defs,
			SystemPrompt: s.p.Agent.SystemPrompt,
		})
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("llm stream", "err", err)
				if s.d.Metrics != nil {
					s.d.Metrics.RecordProviderError(ctx, "llm", "completion")
				}
			}
			return
		}

		ttft := s.d.Tracker.Start(latency.OpLLMTTFT)
		firstToken := toolStep == 0

		var (
			calls  []types.ToolCall
			finish string
		)
		for chunk := range ch {
			if chunk.Text != "" {
				if firstToken {
					ttft.End()
					firstToken = false
				}
				reply.WriteString(chunk.Text)
				for _, segment := range seg.Push(chunk.Text) {
					var err error
					spk, err = s.speakSegment(ctx, run, spk, segment)
					if err != nil {
						return
					}
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
		if ctx.Err() != nil {
			return
		}
		if finish == "error" {
			s.log.Error("llm stream failed mid-turn")
			return
		}

		if len(calls) > 0 && toolStep < s.p.Pipeline.MaxToolSteps {
			toolStep++
			msgs = append(msgs, types.Message{Role: "assistant", ToolCalls: calls})
			msgs = append(msgs, s.executeTools(ctx, calls)...)
			continue
		}
		break
	}

	// Final flush: end of input closes any open sentence, so the buffer can
	// still yield several utterance pieces.
	for _, rest := range seg.Flush() {
		var err error
		spk, err = s.speakSegment(ctx, run, spk, rest)
		if err != nil {
			return
		}
	}

	turnMs := llmTotal.End()

	if spk != nil {
		if err := spk.stream.Flush(); err != nil && !streamClosed(err) {
			s.log.Warn("tts flush", "err", err)
		}
		spk.stream.Close()
		<-spk.pumped
		spk = nil
	} else {
		// The model produced no speakable text. Walk the controller
		// through speaking so it returns to listening.
		s.ctrl.SpeakingStarted()
		s.ctrl.SpeakingFinished()
	}

	text := strings.TrimSpace(reply.String())
	if text != "" {
		s.recordAgentLine(text, int(turnMs))
	}
	s.appendHistory(
		types.Message{Role: "user", Content: run.text},
		types.Message{Role: "assistant", Content: text},
	)
}

// speakSegment lazily opens the turn's TTS stream on the first segment —
// after the release gate opens — and queues the segment for synthesis.
func (s *Session) speakSegment(ctx context.Context, run *turnRun, spk *speaker, segment string) (*speaker, error) {
	if spk == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-run.gate:
		}

		ttfb := s.d.Tracker.Start(latency.OpTTSTTFB)
		stream, err := s.d.TTS.OpenStream(ctx, s.voice)
		if err != nil {
			s.log.Error("tts open", "err", err)
			if s.d.Metrics != nil {
				s.d.Metrics.RecordProviderError(ctx, "tts", "open")
			}
			return nil, err
		}
		spk = &speaker{stream: stream, pumped: make(chan struct{})}

		s.mu.Lock()
		s.speaking = stream
		s.mu.Unlock()

		go s.pumpAudio(ctx, run, spk, ttfb)
	}

	if err := spk.stream.Speak(segment); err != nil {
		if streamClosed(err) {
			return spk, context.Canceled
		}
		return spk, err
	}
	return spk, nil
}

// pumpAudio copies synthesised chunks to the caller. The first chunk closes
// the turn's latency timers and flips the controller to speaking; stream
// end (or interrupt) flips it back.
func (s *Session) pumpAudio(ctx context.Context, run *turnRun, spk *speaker, ttfb *latency.Handle) {
	defer close(spk.pumped)
	ttsTotal := s.d.Tracker.Start(latency.OpTTSTotal)
	first := true

	for chunk := range spk.stream.Audio() {
		if first {
			first = false
			ttfb.End()
			if run.e2e != nil {
				run.e2e.End()
			}
			s.ctrl.SpeakingStarted()
		}
		if len(chunk.PCM) == 0 {
			continue
		}
		if err := s.d.Output.WriteAudio(ctx, chunk.PCM); err != nil {
			if ctx.Err() == nil {
				s.log.Warn("audio write", "err", err)
			}
			break
		}
	}

	if !first {
		ttsTotal.End()
	}
	s.mu.Lock()
	if s.speaking == spk.stream {
		s.speaking = nil
	}
	s.mu.Unlock()

	// No-op unless the controller is still in speaking (interrupts land
	// in interrupted and are acknowledged elsewhere).
	s.ctrl.SpeakingFinished()
}

// executeTools runs the model's tool calls and returns their result
// messages. Each call is recorded as a function_call/function_result pair
// in the transcript and announced to integrations.
func (s *Session) executeTools(ctx context.Context, calls []types.ToolCall) []types.Message {
	out := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		s.appendEntry(types.TranscriptEntry{
			Timestamp:    s.now(),
			Speaker:      types.SpeakerSystem,
			Text:         call.Arguments,
			Type:         types.EntryFunctionCall,
			FunctionName: call.Name,
		})
		if s.d.Dispatcher != nil {
			fields := map[string]any{}
			_ = json.Unmarshal([]byte(call.Arguments), &fields)
			s.d.Dispatcher.OnFunctionCalled(s.p.SessionID, call.Name, fields)
		}

		h := s.d.Tracker.Start(latency.OpToolCall)
		var content string
		if s.d.Tools == nil {
			content = "no tools available"
		} else {
			res := s.d.Tools.Execute(ctx, call)
			content = res.Content
			if res.IsError {
				s.log.Warn("tool failed", "tool", call.Name, "result", res.Content)
			}
		}
		h.End()

		s.appendEntry(types.TranscriptEntry{
			Timestamp:    s.now(),
			Speaker:      types.SpeakerSystem,
			Text:         content,
			Type:         types.EntryFunctionResult,
			FunctionName: call.Name,
		})

		out = append(out, types.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: call.ID,
		})
	}
	return out
}

// ─── history ───

func (s *Session) snapshotHistory() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendHistory(msgs ...types.Message) {
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.mu.Unlock()
}

// clearTurn forgets the run if it is still current.
func (s *Session) clearTurn(run *turnRun) {
	s.mu.Lock()
	if s.current == run {
		s.current = nil
	}
	s.mu.Unlock()
}

// streamClosed reports whether err is the TTS closed-stream sentinel, which
// the turn treats as an interrupt rather than a failure.
func streamClosed(err error) bool {
	return errors.Is(err, tts.ErrStreamClosed)
}
