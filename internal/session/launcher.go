package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/integration"
	"github.com/vocalis-ai/vocalis/internal/latency"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// KnowledgeWarmer primes the retrieval cache for an agent's namespace.
// Satisfied by [knowledge.Retriever].
type KnowledgeWarmer interface {
	Warmup(ctx context.Context, agentID string) error
}

// CallAdmitter admits a browser call against the platform's concurrency cap,
// tracks it in the active-call registry, and removes it when the call ends.
// Satisfied by [callctl.Orchestrator].
type CallAdmitter interface {
	StartWeb(ctx context.Context, agentID string) (*callctl.CallBinding, error)
	EndCall(ctx context.Context, sessionID string, status store.SessionStatus)
}

// Launcher builds and runs one [Session] per attached media path. The
// process holds a single Launcher; everything per-call lives in the Session
// it creates. Optional fields follow the same rules as [Deps].
type Launcher struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
	VAD vad.Engine

	// Calls is the call orchestrator: every attachment is admitted against
	// the concurrency cap and registered as an active call before the
	// pipeline starts.
	Calls CallAdmitter

	// Sessions records the transcript; the orchestrator owns the session
	// row's lifecycle. Satisfied by [store.SessionStore].
	Sessions Recorder

	// BuiltinsFor returns the built-in tools offered to the model for one
	// agent, typically the knowledge search tool bound to the agent's
	// namespace. May be nil.
	BuiltinsFor func(agentID string) []tools.Builtin

	// Knowledge, when set, is primed by WarmAgent.
	Knowledge KnowledgeWarmer

	Host       *tools.Host
	Sink       latency.Sink
	Dispatcher *integration.Dispatcher
	Metrics    *observe.Metrics
	Phrases    *tts.PhraseCache
	Pipeline   config.PipelineConfig
	Log        *slog.Logger
}

// WarmAgent primes the pipeline for an agent about to take calls: the
// knowledge cache is preloaded, a transcription and a synthesis socket are
// parked in their provider pools, and the agent's fixed phrases are
// synthesised into the phrase cache. Failures are reported joined; warming
// is best-effort and a partial warm still helps the first call.
func (l *Launcher) WarmAgent(ctx context.Context, agent *store.Agent) error {
	voice := types.VoiceProfile{ID: agent.VoiceID, Language: agent.Language}

	var errs []error
	if l.Knowledge != nil {
		if err := l.Knowledge.Warmup(ctx, agent.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if l.STT != nil {
		if err := l.STT.Prewarm(ctx, agent.Language); err != nil {
			errs = append(errs, err)
		}
	}
	if l.TTS != nil {
		if err := l.TTS.Prewarm(ctx, voice); err != nil {
			errs = append(errs, err)
		}
		if l.Phrases != nil {
			if err := l.Phrases.Prewarm(ctx, l.TTS, voice, agent.Greeting, agent.Farewell); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Attach admits a call for the agent through the orchestrator and runs the
// voice pipeline over the given audio path. It blocks until the call ends
// and returns the session id alongside the pipeline error, if any.
func (l *Launcher) Attach(ctx context.Context, agentID string, in AudioInput, out AudioOutput) (string, error) {
	binding, err := l.Calls.StartWeb(ctx, agentID)
	if err != nil {
		return "", err
	}
	agent := binding.Agent

	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", binding.SessionID, "agent_id", agent.ID)

	var builtins []tools.Builtin
	if l.BuiltinsFor != nil {
		builtins = l.BuiltinsFor(agent.ID)
	}

	sess := New(Params{
		SessionID: binding.SessionID,
		Agent:     *agent,
		CallType:  binding.CallType,
		Greeting:  binding.Greeting,
		Pipeline:  l.Pipeline,
	}, Deps{
		STT:        l.STT,
		TTS:        l.TTS,
		LLM:        l.LLM,
		VAD:        l.VAD,
		Tools:      tools.NewSet(l.Host, builtins...),
		Recorder:   l.Sessions,
		Sink:       l.Sink,
		Dispatcher: l.Dispatcher,
		Metrics:    l.Metrics,
		Tracker:    binding.Tracker,
		Input:      in,
		Output:     out,
		Phrases:    l.Phrases,
		Log:        log,
	})

	runErr := sess.Run(ctx)

	status := store.SessionCompleted
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status = store.SessionFailed
	}
	l.Calls.EndCall(context.WithoutCancel(ctx), binding.SessionID, status)

	return binding.SessionID, runErr
}
