package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/internal/turn"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
	ttsmock "github.com/vocalis-ai/vocalis/pkg/provider/tts/mock"
	vadmock "github.com/vocalis-ai/vocalis/pkg/provider/vad/mock"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// ─── fakes ───

type fakeInput struct {
	frames chan []byte
}

func (f *fakeInput) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-f.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

type fakeOutput struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeOutput) WriteAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeOutput) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// blockingOutput holds every write until release closes.
type blockingOutput struct {
	fakeOutput
	release chan struct{}
}

func (b *blockingOutput) WriteAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
	}
	return b.fakeOutput.WriteAudio(ctx, pcm)
}

type fakeRecorder struct {
	mu      sync.Mutex
	ended   []store.SessionStatus
	entries []types.TranscriptEntry
}

func (f *fakeRecorder) End(_ context.Context, _ string, status store.SessionStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, status)
	return nil
}

func (f *fakeRecorder) AppendTranscript(_ context.Context, _ string, entries []types.TranscriptEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

// ─── helpers ───

func chunkText(text string) llm.Chunk { return llm.Chunk{Text: text} }
func chunkStop() llm.Chunk            { return llm.Chunk{FinishReason: "stop"} }

func testAgent() store.Agent {
	return store.Agent{
		ID:             "agent-1",
		OrganizationID: "org-1",
		Language:       "en",
		VoiceID:        "voice-1",
		SystemPrompt:   "You are a helpful receptionist.",
	}
}

func newTestSession(t *testing.T, d Deps) *Session {
	t.Helper()
	p := Params{
		SessionID: "sess-1",
		Agent:     testAgent(),
		CallType:  types.CallInbound,
		Pipeline:  config.DefaultPipeline(),
	}
	s := New(p, d)
	s.ctrl = turn.NewController(p.Pipeline, &vadmock.Session{})
	t.Cleanup(func() { s.ctrl.Terminate() })
	return s
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

// ─── turn tests ───

func TestRunTurn_SpeaksSegmentsAndRecords(t *testing.T) {
	stream := ttsmock.NewStream()
	stream.EchoAudio = true
	out := &fakeOutput{}
	lm := &llmmock.Provider{StreamChunks: []llm.Chunk{
		chunkText("Hello there. "),
		chunkText("How can I help?"),
		chunkStop(),
	}}

	s := newTestSession(t, Deps{
		TTS:    &ttsmock.Provider{Stream: stream},
		LLM:    lm,
		Output: out,
	})

	ctx := context.Background()
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := newTurnRun("hi", cancel)
	run.runCtx = tctx
	run.release()
	s.mu.Lock()
	s.current = run
	s.mu.Unlock()

	go s.runTurn(tctx, run)
	waitDone(t, run.done)

	spoken := strings.Join(stream.Segments(), " ")
	if spoken != "Hello there. How can I help?" {
		t.Errorf("spoken = %q", spoken)
	}
	if out.count() == 0 {
		t.Error("no audio written to output")
	}

	var agentLines int
	for _, e := range s.Transcript() {
		if e.Speaker == types.SpeakerAgent && e.Type == types.EntrySpeech {
			agentLines++
			if e.Text != "Hello there. How can I help?" {
				t.Errorf("agent line = %q", e.Text)
			}
		}
	}
	if agentLines != 1 {
		t.Errorf("agent lines = %d, want 1", agentLines)
	}
}

func TestRunTurn_PreemptiveHeldUntilCommit(t *testing.T) {
	stream := ttsmock.NewStream()
	stream.EchoAudio = true
	prov := &ttsmock.Provider{Stream: stream}
	lm := &llmmock.Provider{StreamChunks: []llm.Chunk{
		chunkText("One moment please."), chunkStop(),
	}}

	s := newTestSession(t, Deps{
		TTS:    prov,
		LLM:    lm,
		Output: &fakeOutput{},
	})

	ctx := context.Background()
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := newTurnRun("what are your hours", cancel)
	run.runCtx = tctx
	s.mu.Lock()
	s.current = run
	s.mu.Unlock()
	go s.runTurn(tctx, run)

	// The gate is closed only at commit; generation may run but nothing
	// reaches the synthesiser.
	time.Sleep(50 * time.Millisecond)
	if n := len(prov.OpenStreamCalls); n != 0 {
		t.Fatalf("OpenStream called %d times before commit", n)
	}

	s.commitTurn(ctx, "what are your hours")
	waitDone(t, run.done)

	if got := stream.Segments(); len(got) == 0 {
		t.Error("nothing spoken after commit")
	}
	var userLines int
	for _, e := range s.Transcript() {
		if e.Speaker == types.SpeakerUser {
			userLines++
		}
	}
	if userLines != 1 {
		t.Errorf("user lines = %d, want 1", userLines)
	}
}

func TestCommitTurn_NewRunTimerPrecedesAudio(t *testing.T) {
	stream := ttsmock.NewStream()
	stream.EchoAudio = true
	lm := &llmmock.Provider{StreamChunks: []llm.Chunk{
		chunkText("Right away."), chunkStop(),
	}}

	// Block the first audio write so the run stays alive while its fields
	// are inspected.
	out := &blockingOutput{release: make(chan struct{})}
	s := newTestSession(t, Deps{
		TTS:    &ttsmock.Provider{Stream: stream},
		LLM:    lm,
		Output: out,
	})

	// No run is in flight, so the commit starts a fresh one. The turn timer
	// must already be visible to the audio pump when the gate opens.
	s.commitTurn(context.Background(), "book a table")

	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		t.Fatal("commit started no run")
	}
	select {
	case <-run.gate:
	default:
		t.Fatal("committed run still gated")
	}
	if run.e2e == nil {
		t.Fatal("turn timer missing on committed run")
	}

	close(out.release)
	waitDone(t, run.done)

	stats := s.d.Tracker.SessionStats()
	if st, ok := stats[latency.OpE2ETurn]; !ok || st.Count != 1 {
		t.Errorf("e2e turn samples = %+v, want exactly one", st)
	}
}

func TestRunTurn_ToolLoop(t *testing.T) {
	stream := ttsmock.NewStream()
	stream.EchoAudio = true
	lm := &llmmock.Provider{ScriptedStreams: [][]llm.Chunk{
		{{ToolCalls: []types.ToolCall{{
			ID: "c1", Name: "lookup_order", Arguments: `{"order_id":"A1"}`,
		}}, FinishReason: "tool_calls"}},
		{chunkText("Your order shipped yesterday."), chunkStop()},
	}}

	set := tools.NewSet(nil, tools.Builtin{
		Definition: types.ToolDefinition{Name: "lookup_order"},
		Run: func(context.Context, map[string]any) (string, error) {
			return "status: shipped", nil
		},
	})

	s := newTestSession(t, Deps{
		TTS:    &ttsmock.Provider{Stream: stream},
		LLM:    lm,
		Tools:  set,
		Output: &fakeOutput{},
	})

	tctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := newTurnRun("where is my order", cancel)
	run.runCtx = tctx
	run.release()
	s.mu.Lock()
	s.current = run
	s.mu.Unlock()
	go s.runTurn(tctx, run)
	waitDone(t, run.done)

	if n := lm.StreamCallCount(); n != 2 {
		t.Fatalf("StreamCompletion calls = %d, want 2", n)
	}
	second := lm.StreamCalls[1].Req
	var toolMsg *types.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("second round carries no tool result message")
	}
	if toolMsg.ToolCallID != "c1" || toolMsg.Content != "status: shipped" {
		t.Errorf("tool message = %+v", *toolMsg)
	}

	var calls, results int
	for _, e := range s.Transcript() {
		switch e.Type {
		case types.EntryFunctionCall:
			calls++
			if e.FunctionName != "lookup_order" {
				t.Errorf("function call entry name = %q", e.FunctionName)
			}
		case types.EntryFunctionResult:
			results++
		}
	}
	if calls != 1 || results != 1 {
		t.Errorf("transcript tool entries = %d calls / %d results, want 1/1", calls, results)
	}
}

func TestRunTurn_EmptyReplyOpensNoStream(t *testing.T) {
	prov := &ttsmock.Provider{}
	lm := &llmmock.Provider{StreamChunks: []llm.Chunk{chunkStop()}}

	s := newTestSession(t, Deps{
		TTS:    prov,
		LLM:    lm,
		Output: &fakeOutput{},
	})

	tctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := newTurnRun("hm", cancel)
	run.runCtx = tctx
	run.release()
	go s.runTurn(tctx, run)
	waitDone(t, run.done)

	if n := len(prov.OpenStreamCalls); n != 0 {
		t.Errorf("OpenStream calls = %d, want 0", n)
	}
}

func TestInterrupt_StopsOutputAndCancelsRun(t *testing.T) {
	stream := ttsmock.NewStream()
	s := newTestSession(t, Deps{
		TTS:    &ttsmock.Provider{Stream: stream},
		LLM:    &llmmock.Provider{},
		Output: &fakeOutput{},
	})

	tctx, cancel := context.WithCancel(context.Background())
	run := newTurnRun("x", cancel)
	run.runCtx = tctx
	close(run.done)
	s.mu.Lock()
	s.current = run
	s.speaking = stream
	s.mu.Unlock()

	s.interrupt(context.Background())

	if stream.InterruptCallCount != 1 {
		t.Errorf("Interrupt calls = %d, want 1", stream.InterruptCallCount)
	}
	if tctx.Err() == nil {
		t.Error("run context not cancelled")
	}
}

// ─── lifecycle tests ───

func TestRun_EndsCleanlyOnCallerHangup(t *testing.T) {
	pipeline := config.DefaultPipeline()
	pipeline.GreetingDelay = time.Millisecond

	sttStream := sttmock.NewStream()
	rec := &fakeRecorder{}
	frames := make(chan []byte)
	close(frames) // caller track ends immediately

	p := Params{
		SessionID: "sess-1",
		Agent:     testAgent(),
		CallType:  types.CallInbound,
		Pipeline:  pipeline,
	}
	s := New(p, Deps{
		STT:      &sttmock.Provider{Stream: sttStream},
		TTS:      &ttsmock.Provider{},
		LLM:      &llmmock.Provider{},
		VAD:      &vadmock.Engine{},
		Recorder: rec,
		Input:    &fakeInput{frames: frames},
		Output:   &fakeOutput{},
	})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ended) != 1 || rec.ended[0] != store.SessionCompleted {
		t.Errorf("recorded end = %v, want one completed", rec.ended)
	}
	if sttStream.CloseCallCount == 0 {
		t.Error("stt stream never closed")
	}
}

func TestRun_StreamStartFailure(t *testing.T) {
	pipeline := config.DefaultPipeline()
	pipeline.GreetingDelay = time.Millisecond

	p := Params{
		SessionID: "sess-1",
		Agent:     testAgent(),
		Pipeline:  pipeline,
	}
	s := New(p, Deps{
		STT:    &sttmock.Provider{StartStreamErr: io.ErrUnexpectedEOF},
		TTS:    &ttsmock.Provider{},
		LLM:    &llmmock.Provider{},
		VAD:    &vadmock.Engine{},
		Input:  &fakeInput{frames: make(chan []byte)},
		Output: &fakeOutput{},
	})

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with a failing STT provider")
	}
}
