package speech

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ Synth = (*AzureVoice)(nil)

// AzureVoice speaks through Azure TTS, caching synthesized audio and
// playing it on the shared audio output.
type AzureVoice struct {
	tts    *AzureClient
	cache  *AudioCache
	player *Player
	log    *logger.Logger

	// Prefetch and Speak share one synthesis per cache key.
	flight singleflight.Group
}

// NewAzureVoice wires a TTS client, a cache and a player into a Synth.
func NewAzureVoice(tts *AzureClient, cache *AudioCache, player *Player, log *logger.Logger) *AzureVoice {
	return &AzureVoice{tts: tts, cache: cache, player: player, log: log}
}

// Speak synthesizes (or fetches from cache) and plays u, blocking until
// playback ends.
func (v *AzureVoice) Speak(ctx context.Context, u Utterance) error {
	audio, err := v.synthesize(ctx, u)
	if err != nil {
		return fmt.Errorf("synthesizing: %w", err)
	}
	if err := v.player.Play(ctx, audio); err != nil {
		return fmt.Errorf("playing: %w", err)
	}
	return nil
}

// Prefetch warms the cache for u in the background.
func (v *AzureVoice) Prefetch(ctx context.Context, u Utterance) {
	if _, ok := v.cache.Get(u); ok {
		return
	}
	go func() {
		if _, err := v.synthesize(ctx, u); err != nil {
			v.log.Debug("prefetch: synthesis failed: %v", err)
		}
	}()
}

// synthesize returns cached audio for u or joins the synthesis already
// in flight for it.
func (v *AzureVoice) synthesize(ctx context.Context, u Utterance) ([]byte, error) {
	if audio, ok := v.cache.Get(u); ok {
		return audio, nil
	}
	ch := v.flight.DoChan(v.cache.hashKey(u), func() (any, error) {
		audio, err := v.tts.Synthesize(ctx, u)
		if err != nil {
			return nil, err
		}
		v.cache.Put(u, audio)
		return audio, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop interrupts playback.
func (v *AzureVoice) Stop() {
	v.player.Stop()
}
