package resilience

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/provider/stt"
)

// Stateful is implemented by the provider wrappers of this package. Health
// checks use it to see which backends are cut off.
type Stateful interface {
	States() map[string]State
}

// STTFallback is an [stt.Provider] that opens recognition streams on the
// first healthy of several backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var (
	_ stt.Provider = (*STTFallback)(nil)
	_ Stateful     = (*STTFallback)(nil)
)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend used when the earlier ones fail.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a stream on the first backend that accepts it. A stream
// that drops mid-call is replaced by the recognizer through StartStream, so
// reconnects also pass the breakers.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// States implements [Stateful].
func (f *STTFallback) States() map[string]State { return f.group.States() }
