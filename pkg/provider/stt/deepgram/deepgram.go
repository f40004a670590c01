// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/vocalis-ai/vocalis/internal/wspool"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = types.SampleRate

	// maxReconnects bounds mid-stream reconnection attempts before the
	// stream gives up and closes its output channels.
	maxReconnects    = 3
	reconnectBackoff = 500 * time.Millisecond
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "hi").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint URL, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithLogger sets the logger used for reconnect and protocol diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
//
// Streaming sessions are keyed by their full endpoint URL (model, language,
// and audio parameters), so a per-URL pool of dialed-but-unused connections
// lets StartStream on the hot path skip the TLS handshake after a Prewarm.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	log      *slog.Logger

	poolMu sync.Mutex
	pools  map[string]*wspool.Pool[*websocket.Conn]
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		log:      slog.Default(),
		pools:    make(map[string]*wspool.Pool[*websocket.Conn]),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, err := p.poolFor(wsURL).Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &stream{
		provider: p,
		url:      wsURL,
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		events:   make(chan stt.ActivityEvent, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

func (p *Provider) poolFor(wsURL string) *wspool.Pool[*websocket.Conn] {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	if pool, ok := p.pools[wsURL]; ok {
		return pool
	}
	pool := wspool.New(
		func(ctx context.Context) (*websocket.Conn, error) { return p.dial(ctx, wsURL) },
		func(c *websocket.Conn) { c.Close(websocket.StatusNormalClosure, "idle") },
	)
	p.pools[wsURL] = pool
	return pool
}

// Prewarm dials a connection matching the session stream settings for the
// language and parks it in the pool.
func (p *Provider) Prewarm(ctx context.Context, language string) error {
	wsURL, err := p.buildURL(stt.StreamConfig{
		SampleRate:     defaultSampleRate,
		Channels:       1,
		Language:       language,
		InterimResults: true,
	})
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}
	if err := p.poolFor(wsURL).Prewarm(ctx, 1); err != nil {
		return fmt.Errorf("deepgram: prewarm: %w", err)
	}
	return nil
}

func (p *Provider) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", "1000")
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── stream ───

// deepgramResponse covers the Results, SpeechStarted, and UtteranceEnd
// message shapes returned over the socket.
type deepgramResponse struct {
	Type       string  `json:"type"`
	IsFinal    bool    `json:"is_final"`
	Start      float64 `json:"start"`
	Duration   float64 `json:"duration"`
	Timestamp  float64 `json:"timestamp"`
	LastWordMs float64 `json:"last_word_end"`
	Channel    struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram streaming session. It implements stt.Stream.
type stream struct {
	provider *Provider
	url      string

	connMu sync.Mutex
	conn   *websocket.Conn

	partials chan types.Transcript
	finals   chan types.Transcript
	events   chan stt.ActivityEvent
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.Stream = (*stream)(nil)

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrStreamClosed
	}
}

func (s *stream) Partials() <-chan types.Transcript { return s.partials }
func (s *stream) Finals() <-chan types.Transcript   { return s.finals }
func (s *stream) Events() <-chan stt.ActivityEvent  { return s.events }

// Close terminates the stream cleanly, asking Deepgram to flush pending audio.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *stream) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// writeLoop reads from the audio channel and sends binary messages.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			// Write errors are swallowed here; readLoop owns reconnection
			// and a fresh conn picks up subsequent chunks.
			_ = s.current().Write(ctx, websocket.MessageBinary, chunk)
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.current().Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives messages from Deepgram and dispatches them. On a read
// failure it redials up to maxReconnects times with jittered backoff before
// giving up and closing the output channels.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.events)

	attempts := 0
	for {
		_, msg, err := s.current().Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			attempts++
			if attempts > maxReconnects {
				s.provider.log.Error("deepgram stream lost, giving up",
					"attempts", attempts-1, "error", err)
				return
			}
			backoff := time.Duration(attempts) * reconnectBackoff
			backoff += time.Duration(rand.Int64N(int64(reconnectBackoff)))
			s.provider.log.Warn("deepgram read failed, reconnecting",
				"attempt", attempts, "backoff", backoff, "error", err)

			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}

			conn, derr := s.provider.dial(ctx, s.url)
			if derr != nil {
				continue
			}
			s.connMu.Lock()
			s.conn.Close(websocket.StatusAbnormalClosure, "replaced")
			s.conn = conn
			s.connMu.Unlock()
			continue
		}
		attempts = 0

		s.dispatch(msg)
	}
}

func (s *stream) dispatch(msg []byte) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}

	switch resp.Type {
	case "SpeechStarted":
		s.emitEvent(stt.ActivityEvent{Kind: stt.ActivitySpeechStarted, TimestampMs: resp.Timestamp * 1000})
	case "UtteranceEnd":
		s.emitEvent(stt.ActivityEvent{Kind: stt.ActivityUtteranceEnd, TimestampMs: resp.LastWordMs * 1000})
	case "Results":
		t, ok := parseResult(resp)
		if !ok {
			return
		}
		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

func (s *stream) emitEvent(ev stt.ActivityEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// parseResult converts a Results message into a Transcript. Empty transcripts
// (silence windows) are dropped.
func parseResult(resp deepgramResponse) (types.Transcript, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return types.Transcript{}, false
	}
	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}
