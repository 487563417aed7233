// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts encoded audio chunks and emits
// two streams of Transcript values, low-latency partials for responsiveness
// and authoritative finals for the conversation history.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/types"
)

// ErrNotSupported is returned by optional SessionHandle operations the
// backend cannot perform.
var ErrNotSupported = errors.New("stt: operation not supported")

// ErrSessionClosed is returned by SendAudio and Finalize after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Phone audio is 8000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Encoding is the sample encoding of the chunks passed to SendAudio.
	// Phone audio is passed through as μ-law without decoding.
	Encoding audio.Encoding

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider use its default.
	Language string

	// Keywords is a list of vocabulary hints such as business or product names.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio in the StreamConfig format. Calling
	// SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns interim transcripts. The channel is closed when the
	// session ends.
	Partials() <-chan types.Transcript

	// Finals returns committed transcripts. A final with SpeechFinal set marks
	// the end of the utterance; its Text may be empty. The channel is closed
	// when the session ends.
	Finals() <-chan types.Transcript

	// Finalize asks the backend to commit everything it has heard so far.
	// The answer arrives on Finals with SpeechFinal set. Backends without an
	// explicit finalize return ErrNotSupported.
	Finalize() error

	// SetKeywords replaces the active keyword list without restarting the
	// session. Providers that cannot do this return ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Err returns why the session ended on its own: nil while it is open or
	// after a clean Close, an error classified with the provider package
	// otherwise.
	Err() error

	// Close flushes pending audio and terminates the session. After Close
	// returns, Partials and Finals are closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx bounds the
	// whole session, not only the dial. The caller owns the SessionHandle and
	// must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
