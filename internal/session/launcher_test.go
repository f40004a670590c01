package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/store"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	ttsmock "github.com/vocalis-ai/vocalis/pkg/provider/tts/mock"
	vadmock "github.com/vocalis-ai/vocalis/pkg/provider/vad/mock"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

type fakeAdmitter struct {
	mu       sync.Mutex
	binding  *callctl.CallBinding
	startErr error
	started  []string
	ended    []store.SessionStatus
}

func (f *fakeAdmitter) StartWeb(_ context.Context, agentID string) (*callctl.CallBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, agentID)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.binding, nil
}

func (f *fakeAdmitter) EndCall(_ context.Context, _ string, status store.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, status)
}

func TestLauncherAttach_AdmitsAndRunsSession(t *testing.T) {
	pipeline := config.DefaultPipeline()
	pipeline.GreetingDelay = time.Millisecond

	agent := testAgent()
	admitter := &fakeAdmitter{
		binding: &callctl.CallBinding{
			SessionID: "sess-web-1",
			Agent:     &agent,
			CallType:  types.CallWeb,
			Greeting:  callctl.GreetingFor(&agent, types.CallWeb),
		},
	}
	recorder := &fakeRecorder{}
	frames := make(chan []byte)
	close(frames) // caller hangs up immediately

	l := &Launcher{
		STT:      &sttmock.Provider{Stream: sttmock.NewStream()},
		TTS:      &ttsmock.Provider{},
		LLM:      &llmmock.Provider{},
		VAD:      &vadmock.Engine{},
		Calls:    admitter,
		Sessions: recorder,
		Pipeline: pipeline,
	}

	sessionID, err := l.Attach(context.Background(), "agent-1",
		&fakeInput{frames: frames}, &fakeOutput{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if sessionID != "sess-web-1" {
		t.Errorf("session id = %q, want the admitted binding's", sessionID)
	}

	admitter.mu.Lock()
	defer admitter.mu.Unlock()
	if len(admitter.started) != 1 || admitter.started[0] != "agent-1" {
		t.Errorf("admitted agents = %v", admitter.started)
	}
	if len(admitter.ended) != 1 || admitter.ended[0] != store.SessionCompleted {
		t.Errorf("ended = %v, want one completed", admitter.ended)
	}
}

func TestLauncherAttach_AdmissionRejected(t *testing.T) {
	admitter := &fakeAdmitter{
		startErr: apperr.New(apperr.Admission, "concurrent call limit 1 reached"),
	}
	l := &Launcher{Calls: admitter}

	_, err := l.Attach(context.Background(), "agent-1", nil, nil)
	if apperr.KindOf(err) != apperr.Admission {
		t.Fatalf("err = %v, want admission", err)
	}

	admitter.mu.Lock()
	defer admitter.mu.Unlock()
	if len(admitter.ended) != 0 {
		t.Errorf("EndCall ran for a rejected call: %v", admitter.ended)
	}
}

type fakeKnowledgeWarmer struct {
	warmed []string
}

func (f *fakeKnowledgeWarmer) Warmup(_ context.Context, agentID string) error {
	f.warmed = append(f.warmed, agentID)
	return nil
}

func TestWarmAgent_PrimesProvidersAndPhrases(t *testing.T) {
	agent := testAgent()
	agent.Greeting = "Welcome to the clinic, how can I help?"

	stream := ttsmock.NewStream()
	stream.EchoAudio = true
	sttProv := &sttmock.Provider{}
	ttsProv := &ttsmock.Provider{Stream: stream}
	know := &fakeKnowledgeWarmer{}

	l := &Launcher{
		STT:       sttProv,
		TTS:       ttsProv,
		Knowledge: know,
		Phrases:   tts.NewPhraseCache(8, time.Minute),
	}
	if err := l.WarmAgent(context.Background(), &agent); err != nil {
		t.Fatalf("WarmAgent: %v", err)
	}

	if len(know.warmed) != 1 || know.warmed[0] != agent.ID {
		t.Errorf("knowledge warmed = %v, want [%s]", know.warmed, agent.ID)
	}
	if len(sttProv.PrewarmCalls) != 1 || sttProv.PrewarmCalls[0] != agent.Language {
		t.Errorf("stt prewarm languages = %v, want [%s]", sttProv.PrewarmCalls, agent.Language)
	}
	if len(ttsProv.PrewarmCalls) != 1 || ttsProv.PrewarmCalls[0].ID != agent.VoiceID {
		t.Errorf("tts prewarm voices = %v, want voice %s", ttsProv.PrewarmCalls, agent.VoiceID)
	}
	if _, ok := l.Phrases.Get(agent.VoiceID, agent.Greeting); !ok {
		t.Error("greeting not in the phrase cache after warm")
	}
}

func TestWarmAgent_JoinsFailures(t *testing.T) {
	agent := testAgent()
	sttProv := &sttmock.Provider{
		PrewarmErr: apperr.New(apperr.Transport, "dial timed out"),
	}

	l := &Launcher{STT: sttProv}
	if err := l.WarmAgent(context.Background(), &agent); err == nil {
		t.Fatal("WarmAgent returned nil despite a provider failure")
	}
	if len(sttProv.PrewarmCalls) != 1 {
		t.Errorf("stt prewarm calls = %d, want 1", len(sttProv.PrewarmCalls))
	}
}

func TestLauncherAttach_UnknownAgent(t *testing.T) {
	admitter := &fakeAdmitter{
		startErr: apperr.Errorf(apperr.NotFound, "agent %q not found", "nope"),
	}
	l := &Launcher{Calls: admitter}

	_, err := l.Attach(context.Background(), "nope", nil, nil)
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}
