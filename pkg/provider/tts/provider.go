// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or
// Deepgram Aura) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a Stream of encoded audio chunks as they become available, enabling
// low-latency pipelining between the LLM output and the phone line.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Stream is the output of one synthesis request.
type Stream struct {
	// Audio emits encoded chunks in Format. It is closed when all text has
	// been synthesised, when ctx is cancelled, or when synthesis fails.
	Audio <-chan []byte

	// Format of the chunks on Audio.
	Format audio.Format

	mu  sync.Mutex
	err error
}

// NewStream creates a Stream and returns the send side of its Audio channel.
// The producer closes the channel when done, after calling Fail on error.
func NewStream(format audio.Format, buffer int) (*Stream, chan<- []byte) {
	ch := make(chan []byte, buffer)
	return &Stream{Audio: ch, Format: format}, ch
}

// Fail records the error that ended synthesis early. Only the first error is
// kept.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the error that ended synthesis early, or nil. Check it after
// Audio is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a Stream that emits audio as it is synthesised. The caller must
	// drain Stream.Audio to avoid blocking the provider's goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis close Audio early and are reported by Stream.Err,
	// classified with the provider package.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
