package resilience

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

// LLMFallback is an [llm.Provider] that sends each completion to the first
// healthy of several backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ Stateful     = (*LLMFallback)(nil)
)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend used when the earlier ones fail.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens the response stream on the first backend that
// accepts the request. Once text flows, a failure is reported on the stream
// and the turn ends; the reply is not restarted elsewhere.
//
// The model of a live call (see Session.SetModel) names a model of the
// primary, so fallbacks get the request with Model cleared and use their
// configured one.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return executeIndexed(f.group, func(i int, p llm.Provider) (<-chan llm.Chunk, error) {
		r := req
		if i > 0 {
			r.Model = ""
		}
		return p.StreamCompletion(ctx, r)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}

// States implements [Stateful].
func (f *LLMFallback) States() map[string]State { return f.group.States() }
