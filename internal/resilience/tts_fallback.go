package resilience

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Voice IDs are backend specific, so every fallback carries its own voice. The
// caller's voice is only passed to the primary.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	voices []types.VoiceProfile
}

var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ Stateful     = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		voices: []types.VoiceProfile{{}},
	}
}

// AddFallback registers an additional TTS provider as a fallback. voice is
// used whenever the fallback synthesizes; a zero voice selects the
// provider's default.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider, voice types.VoiceProfile) {
	f.group.AddFallback(name, provider)
	f.voices = append(f.voices, voice)
}

// SynthesizeStream starts a synthesis stream on the first healthy provider.
// Only the stream setup is covered by failover; mid-stream errors surface
// through [tts.Stream.Err].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	return executeIndexed(f.group, func(i int, p tts.Provider) (*tts.Stream, error) {
		if i > 0 {
			voice = f.voices[i]
		}
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// States implements [Stateful].
func (f *TTSFallback) States() map[string]State { return f.group.States() }
