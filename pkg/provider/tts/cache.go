package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/vocalis-ai/vocalis/internal/cache"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// PhraseCache memoises synthesised audio for short recurring phrases such as
// greetings and hold fillers, keyed by voice and exact text. A cache hit
// turns the first agent utterance of a call into a pure playback with no
// provider round trip.
type PhraseCache struct {
	c *cache.Cache[string, [][]byte]
}

// NewPhraseCache creates a cache holding at most size phrases for ttl.
func NewPhraseCache(size int, ttl time.Duration) *PhraseCache {
	return &PhraseCache{c: cache.New[string, [][]byte](size, ttl)}
}

func phraseKey(voiceID, text string) string {
	return fmt.Sprintf("%s\x00%s", voiceID, text)
}

// Get returns the cached audio chunks for the phrase, if present.
func (p *PhraseCache) Get(voiceID, text string) ([][]byte, bool) {
	return p.c.Get(phraseKey(voiceID, text))
}

// Put stores synthesised chunks for the phrase.
func (p *PhraseCache) Put(voiceID, text string, chunks [][]byte) {
	p.c.Put(phraseKey(voiceID, text), chunks)
}

// Synthesize returns the audio for text in the given voice, serving from the
// cache when possible and synthesising through prov on a miss. The full
// utterance is collected before returning, so this suits short phrases only.
func (p *PhraseCache) Synthesize(ctx context.Context, prov Provider, voice types.VoiceProfile, text string) ([][]byte, error) {
	if chunks, ok := p.Get(voice.ID, text); ok {
		return chunks, nil
	}

	chunks, err := SynthesizeAll(ctx, prov, voice, text)
	if err != nil {
		return nil, err
	}
	p.Put(voice.ID, text, chunks)
	return chunks, nil
}

// Prewarm synthesises the given phrases into the cache so a call's first
// utterance is a pure playback. Empty phrases are skipped.
func (p *PhraseCache) Prewarm(ctx context.Context, prov Provider, voice types.VoiceProfile, phrases ...string) error {
	for _, text := range phrases {
		if text == "" {
			continue
		}
		if _, err := p.Synthesize(ctx, prov, voice, text); err != nil {
			return err
		}
	}
	return nil
}

// SynthesizeAll synthesises text in one shot and collects every audio chunk.
func SynthesizeAll(ctx context.Context, prov Provider, voice types.VoiceProfile, text string) ([][]byte, error) {
	s, err := prov.OpenStream(ctx, voice)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Speak(text); err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}

	var chunks [][]byte
	for {
		select {
		case chunk, ok := <-s.Audio():
			if !ok {
				return chunks, nil
			}
			if len(chunk.PCM) > 0 {
				chunks = append(chunks, chunk.PCM)
			}
			if chunk.Final {
				return chunks, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
