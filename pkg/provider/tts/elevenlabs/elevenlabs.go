// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/vocalis-ai/vocalis/internal/wspool"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithHTTPClient overrides the HTTP client used for the voices API.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
//
// ElevenLabs sockets serve a single utterance: the server closes the
// connection after the end-of-stream flush. The provider therefore keeps a
// per-voice pool of dialed-but-unused connections so OpenStream on the hot
// path skips the TLS handshake.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client

	poolMu sync.Mutex
	pools  map[string]*wspool.Pool[*websocket.Conn]
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
		pools:        make(map[string]*wspool.Pool[*websocket.Conn]),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) poolFor(voiceID string) *wspool.Pool[*websocket.Conn] {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	if pool, ok := p.pools[voiceID]; ok {
		return pool
	}
	url := buildURLForVoice(voiceID, p.model, p.outputFormat)
	pool := wspool.New(
		func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
		func(c *websocket.Conn) { c.Close(websocket.StatusNormalClosure, "idle") },
	)
	p.pools[voiceID] = pool
	return pool
}

// Prewarm dials a connection for the voice and parks it in the pool.
func (p *Provider) Prewarm(ctx context.Context, voice types.VoiceProfile) error {
	if voice.ID == "" {
		return errors.New("elevenlabs: voice.ID must not be empty")
	}
	if err := p.poolFor(voice.ID).Prewarm(ctx, 1); err != nil {
		return fmt.Errorf("elevenlabs: prewarm: %w", err)
	}
	return nil
}

// ─── WebSocket message types ───

// textMessage is the JSON payload sent for each text segment. An empty Text
// is the end-of-stream flush.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// OpenStream binds a pooled (or freshly dialed) connection to the voice and
// returns a stream ready to accept text segments.
func (p *Provider) OpenStream(ctx context.Context, voice types.VoiceProfile) (tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, err := p.poolFor(voice.ID).Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The begin-of-input message authenticates the socket and fixes the
	// voice settings for the utterance. ElevenLabs requires a non-empty
	// first text value.
	boi := textMessage{
		Text:          " ",
		VoiceSettings: settingsFor(voice),
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	s := &stream{
		conn:  conn,
		ctx:   ctx,
		audio: make(chan tts.AudioChunk, 256),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// settingsFor converts profile prosody values, falling back to the
// ElevenLabs defaults for zero values.
func settingsFor(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{
		Stability:       voice.Stability,
		SimilarityBoost: voice.SimilarityBoost,
	}
	if vs.Stability == 0 {
		vs.Stability = defaultStability
	}
	if vs.SimilarityBoost == 0 {
		vs.SimilarityBoost = defaultSimilarity
	}
	return vs
}

// ─── stream ───

// stream is a single-utterance synthesis stream. It implements tts.Stream.
type stream struct {
	conn *websocket.Conn
	ctx  context.Context

	audio chan tts.AudioChunk

	mu     sync.Mutex
	closed bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ tts.Stream = (*stream)(nil)

// Speak sends a text segment for synthesis. A trailing space tells
// ElevenLabs the segment is complete and generation may start.
func (s *stream) Speak(segment string) error {
	if segment == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tts.ErrStreamClosed
	}
	payload, _ := json.Marshal(textMessage{Text: segment + " "})
	if err := s.conn.Write(s.ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("elevenlabs: speak: %w", err)
	}
	return nil
}

// Flush sends the end-of-stream marker. The provider synthesises remaining
// text and the read loop emits the final chunk before closing Audio.
func (s *stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tts.ErrStreamClosed
	}
	payload, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(s.ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("elevenlabs: flush: %w", err)
	}
	return nil
}

func (s *stream) Audio() <-chan tts.AudioChunk { return s.audio }

// Interrupt aborts the utterance. The socket is torn down; queued audio on
// the provider side is discarded with it.
func (s *stream) Interrupt() error {
	s.shutdown(websocket.StatusNormalClosure, "interrupted")
	return nil
}

// Close ends the stream. Safe to call multiple times.
func (s *stream) Close() error {
	s.shutdown(websocket.StatusNormalClosure, "closed")
	return nil
}

func (s *stream) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.conn.Close(code, reason)
		s.wg.Wait()
	})
}

// readLoop decodes audio messages until the final marker or a socket error.
func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.audio)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		var pcm []byte
		if resp.Audio != "" {
			pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
		}
		if len(pcm) == 0 && !resp.IsFinal {
			continue
		}

		select {
		case s.audio <- tts.AudioChunk{PCM: pcm, Final: resp.IsFinal}:
		case <-s.done:
			return
		}
		if resp.IsFinal {
			return
		}
	}
}

// ─── voices API ───

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID string            `json:"voice_id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return voiceProfiles(vr), nil
}

// buildURLForVoice constructs the WebSocket URL for a voice, model, and
// output format.
func buildURLForVoice(voiceID, model, outputFormat string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model, outputFormat)
}

// parseVoicesResponse parses the /v1/voices JSON into VoiceProfile values.
// Split out for tests.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	return voiceProfiles(vr), nil
}

func voiceProfiles(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Language: v.Labels["language"],
		})
	}
	return profiles
}
