// Command vocalis is the main entry point for the Vocalis voice-agent
// platform server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/vocalis-ai/vocalis/internal/api"
	"github.com/vocalis-ai/vocalis/internal/callctl"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/health"
	"github.com/vocalis-ai/vocalis/internal/ingest"
	"github.com/vocalis-ai/vocalis/internal/integration"
	"github.com/vocalis-ai/vocalis/internal/knowledge"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
	oaembed "github.com/vocalis-ai/vocalis/pkg/provider/embeddings/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm/anyllm"
	oai "github.com/vocalis-ai/vocalis/pkg/provider/llm/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt/deepgram"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts/elevenlabs"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogJSON)
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Datastore ─────────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to open datastore", "err", err)
		return 1
	}
	defer st.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Knowledge and ingestion ───────────────────────────────────────────────
	retriever := knowledge.New(cfg.Knowledge, st.Chunks(), providers.Embeddings,
		knowledge.WithExpander(providers.LLM),
		knowledge.WithLogger(logger),
	)

	parser := ingest.NewServiceParser(
		cfg.Providers.Parser.BaseURL,
		cfg.Providers.Parser.APIKey,
		cfg.Ingest.ParseTimeout,
		logger,
	)
	ingestMgr := ingest.NewManager(cfg.Ingest, st, parser, providers.Embeddings, metrics,
		ingest.WithInvalidate(retriever.InvalidateAll),
	)
	ingestMgr.StartJanitors(ctx)

	// ── Tools and integrations ────────────────────────────────────────────────
	host := tools.NewHost(cfg.Tools.Servers, logger)
	defer host.Close()

	plugins := integration.NewPluginRegistry(
		integration.NewWebhookPlugin(),
		integration.NewMCPPlugin(host),
	)
	dispatcher := integration.NewDispatcher(st.Integrations(), plugins, metrics, logger)

	// ── Call orchestration ────────────────────────────────────────────────────
	dialer := callctl.NewLiveKitDialer(cfg.LiveKit)
	broker := callctl.NewBroker(metrics)
	defer broker.Close()
	orch := callctl.NewOrchestrator(cfg.Telephony, st.Agents(), st.Sessions(), dialer, broker, metrics,
		callctl.WithMetricSink(st.Metrics()),
	)
	go logCallEvents(ctx, broker)

	// ── Voice sessions ────────────────────────────────────────────────────────
	launcher := &session.Launcher{
		STT:      providers.STT,
		TTS:      providers.TTS,
		LLM:      providers.LLM,
		VAD:      providers.VAD,
		Calls:    orch,
		Sessions: st.Sessions(),
		BuiltinsFor: func(agentID string) []tools.Builtin {
			return []tools.Builtin{tools.SearchKnowledge(retriever, agentID)}
		},
		Knowledge:  retriever,
		Host:       host,
		Sink:       st.Metrics(),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Phrases:    tts.NewPhraseCache(64, 10*time.Minute),
		Pipeline:   cfg.Pipeline,
		Log:        logger,
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "database", Check: st.Ping},
	)
	server := api.NewServer(cfg.Server, api.Deps{
		Orgs:      st.Orgs(),
		Agents:    st.Agents(),
		Sessions:  st.Sessions(),
		Bindings:  st.Integrations(),
		Calls:     orch,
		Ingest:    ingestMgr,
		Knowledge: retriever,
		Latency:   st.Metrics(),
		Plugins:   plugins,
		Media:     launcher,
		Warmer:    launcher,
		Enhancer:  providers.LLM,
		Metrics:   metrics,
		Health:    checks,
		Log:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	orch.Drain()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

// serverProviders holds the pipeline providers the server runs with.
type serverProviders struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK adapter; the rest of the family goes through
	// any-llm with the shared APIKey + BaseURL pattern.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oai.Option
		if entry.BaseURL != "" {
			opts = append(opts, oai.WithBaseURL(entry.BaseURL))
		}
		return oai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates the providers named in cfg. The voice pipeline
// needs all four stages plus embeddings for retrieval, so an unconfigured
// stage is an error rather than a skip. VAD defaults to the local energy
// engine.
func buildProviders(cfg *config.Config, reg *config.Registry) (*serverProviders, error) {
	ps := &serverProviders{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}

	if cfg.Providers.VAD.Name == "" {
		ps.VAD = energy.New()
	} else if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}

	for kind, name := range map[string]string{
		"llm": cfg.Providers.LLM.Name, "stt": cfg.Providers.STT.Name,
		"tts": cfg.Providers.TTS.Name, "embeddings": cfg.Providers.Embeddings.Name,
	} {
		slog.Info("provider created", "kind", kind, "name", name)
	}
	return ps, nil
}

// logCallEvents drains the broker for the process log. Sessions and
// integrations receive their notifications directly; this subscriber only
// makes call lifecycle visible in operational logs.
func logCallEvents(ctx context.Context, broker *callctl.Broker) {
	events, unsubscribe := broker.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case callctl.EventCallError:
				slog.Error("call event", "type", ev.Type, "session_id", ev.SessionID, "err", ev.Err)
			case callctl.EventLatencyExceeded:
				slog.Warn("call event", "type", ev.Type, "session_id", ev.SessionID,
					"op", ev.Op, "duration_ms", ev.DurationMs)
			default:
				slog.Info("call event", "type", ev.Type, "session_id", ev.SessionID,
					"agent_id", ev.AgentID, "room", ev.RoomName)
			}
		}
	}
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, jsonHandler bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonHandler {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
