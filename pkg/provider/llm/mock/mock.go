// Package mock provides a scripted [llm.Provider] for pipeline tests.
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "We open at nine."}, {FinishReason: llm.FinishStop}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

// StreamCall is one recorded StreamCompletion request. Messages are copied
// when the call is made.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replies from a script. The first non-empty source wins: Respond,
// then the next entry of Responses, then StreamChunks. Set the fields before
// the first call.
type Provider struct {
	mu sync.Mutex

	Respond      func(req llm.CompletionRequest) []llm.Chunk
	Responses    [][]llm.Chunk
	StreamChunks []llm.Chunk

	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration
	// Hold stalls the stream before its finishing chunk, or after the last
	// chunk when there is none, until it is closed or the request is
	// cancelled, like a model that stalls mid-reply.
	Hold chan struct{}

	// StreamErr fails StreamCompletion before a stream is opened.
	StreamErr error

	ModelCapabilities types.ModelCapabilities

	StreamCalls []StreamCall
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	recorded := req
	recorded.Messages = make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		recorded.Messages[i] = m.Clone()
	}

	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: recorded})
	if p.StreamErr != nil {
		defer p.mu.Unlock()
		return nil, p.StreamErr
	}
	chunks := p.nextReplyLocked(recorded)
	delay, hold := p.ChunkDelay, p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		wait := func(c <-chan time.Time) bool {
			select {
			case <-ctx.Done():
				return false
			case <-c:
				return true
			}
		}
		stall := func() bool {
			if hold == nil {
				return true
			}
			defer func() { hold = nil }()
			select {
			case <-ctx.Done():
				return false
			case <-hold:
				return true
			}
		}
		for _, c := range chunks {
			if delay > 0 && !wait(time.After(delay)) {
				return
			}
			if c.FinishReason != "" && !stall() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		stall()
	}()
	return ch, nil
}

func (p *Provider) nextReplyLocked(req llm.CompletionRequest) []llm.Chunk {
	switch {
	case p.Respond != nil:
		return p.Respond(req)
	case len(p.Responses) > 0:
		next := p.Responses[0]
		p.Responses = p.Responses[1:]
		return next
	default:
		return slices.Clone(p.StreamChunks)
	}
}

func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded requests.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

var _ llm.Provider = (*Provider)(nil)
