// Package audio defines the transport-facing interfaces and audio utilities
// used by the call pipeline.
//
// The two primary abstractions are:
//
//   - [Platform] — accepts inbound call media streams and hands each one to a
//     callback as a [Connection].
//   - [Connection] — one live call leg: an inbound audio stream, an outbound
//     send path, far-end buffer control, and lifecycle.
//
// Implementations live in platform-specific adapter packages (e.g.,
// audio/twilio). The interfaces are intentionally narrow to keep the pipeline
// decoupled from telephony details.
package audio

import (
	"context"
	"errors"
	"net/http"
)

// ErrTransport marks a failure of the call leg itself (socket dropped, write
// failed). It is fatal for the session that owns the connection.
var ErrTransport = errors.New("audio: transport failure")

// ErrConnectionClosed is returned by [Connection.Send] after the connection
// has terminated.
var ErrConnectionClosed = errors.New("audio: connection closed")

// CallInfo describes the call a [Connection] belongs to.
type CallInfo struct {
	// CallID is the telephony provider's call identifier.
	CallID string

	// StreamID identifies the media stream within the call.
	StreamID string

	// AccountID is the provider account that owns the call.
	AccountID string

	// From is the caller's number when the provider supplies it.
	From string

	// Parameters holds custom key/value pairs attached to the stream.
	Parameters map[string]string
}

// Connection represents one live call leg.
//
// All channels returned by Connection methods are closed when the connection
// terminates. Implementations must be safe for concurrent use.
type Connection interface {
	// Info returns the call identifiers negotiated when the stream started.
	Info() CallInfo

	// Format returns the audio format of both directions of the stream.
	Format() Format

	// InputStream returns the channel of inbound caller audio. It is closed
	// when the far end hangs up or the transport fails.
	InputStream() <-chan AudioFrame

	// Events returns out-of-band call events such as DTMF digits and playback
	// marks. It is closed together with InputStream.
	Events() <-chan Event

	// Send writes an outbound frame to the call leg. Frames must already be in
	// [Connection.Format]. Returns [ErrConnectionClosed] after termination.
	Send(ctx context.Context, frame AudioFrame) error

	// Clear discards any audio the far end has buffered but not yet played.
	Clear() error

	// Mark asks the far end to report back once all audio sent before the mark
	// has been played. The acknowledgement arrives as an [EventMark].
	Mark(name string) error

	// Done is closed when the connection has terminated.
	Done() <-chan struct{}

	// Err returns the reason the connection terminated: nil for a normal
	// hang-up, an error wrapping [ErrTransport] otherwise.
	Err() error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// EventType classifies out-of-band call events.
type EventType int

const (
	// EventDTMF is a keypad digit pressed by the caller.
	EventDTMF EventType = iota

	// EventMark acknowledges that playback reached a mark.
	EventMark
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventDTMF:
		return "DTMF"
	case EventMark:
		return "MARK"
	default:
		return "UNKNOWN"
	}
}

// Event is an out-of-band call event.
type Event struct {
	Type EventType

	// Value is the digit for EventDTMF and the mark name for EventMark.
	Value string
}

// ConnectHandler is invoked once per accepted call leg. It owns the
// connection until it returns; the platform closes the connection afterwards.
type ConnectHandler func(ctx context.Context, conn Connection)

// Platform is the entry point for a telephony media provider.
type Platform interface {
	// Name identifies the platform in logs and metrics (e.g., "twilio").
	Name() string

	// MediaHandler returns the HTTP handler that accepts media stream
	// connections and dispatches each one to onConnect.
	MediaHandler(onConnect ConnectHandler) http.Handler

	// AnswerHandler returns the HTTP handler the provider calls when a call
	// comes in. It instructs the provider to open a media stream to
	// streamURL.
	AnswerHandler(streamURL string) http.Handler
}
