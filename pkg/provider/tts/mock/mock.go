// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    ChunksPerFragment: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult:  []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	stream, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider. For every text fragment
// read from the input channel it emits ChunksPerFragment; when that is empty
// it echoes the fragment's bytes as one chunk.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Format is reported on every Stream. Defaults to audio.TelephonyFormat.
	Format audio.Format

	// ChunksPerFragment is emitted once per non-empty text fragment.
	ChunksPerFragment [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, ends every stream after the first fragment and is
	// reported by Stream.Err.
	StreamErr error

	// OnFragment, if set, is called for every fragment before audio is
	// emitted. Tests use it to block synthesis or to observe timing.
	OnFragment func(ctx context.Context, text string)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Fragments records every text fragment received, across all streams.
	Fragments []string

	// ListVoicesCalls counts ListVoices invocations.
	ListVoicesCalls int
}

// SynthesizeStream records the call and starts a Stream fed from text.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	format := p.Format
	if format == (audio.Format{}) {
		format = audio.TelephonyFormat
	}
	chunks := make([][]byte, len(p.ChunksPerFragment))
	copy(chunks, p.ChunksPerFragment)
	streamErr := p.StreamErr
	onFragment := p.OnFragment
	p.mu.Unlock()

	stream, ch := tts.NewStream(format, 16)
	go func() {
		defer close(ch)
		for {
			var fragment string
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					return
				}
				fragment = s
			}
			p.mu.Lock()
			p.Fragments = append(p.Fragments, fragment)
			p.mu.Unlock()
			if onFragment != nil {
				onFragment(ctx, fragment)
			}
			out := chunks
			if len(out) == 0 {
				out = [][]byte{[]byte(fragment)}
			}
			for _, c := range out {
				select {
				case <-ctx.Done():
					return
				case ch <- append([]byte(nil), c...):
				}
			}
			if streamErr != nil {
				stream.Fail(streamErr)
				go func() {
					for range text {
					}
				}()
				return
			}
		}
	}()
	return stream, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// CallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Calls returns a copy of the recorded SynthesizeStream calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeStreamCall(nil), p.SynthesizeStreamCalls...)
}

// ReceivedFragments returns a copy of all fragments received. Thread-safe.
func (p *Provider) ReceivedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Fragments...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Fragments = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
