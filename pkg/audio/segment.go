package audio

import (
	"sync/atomic"
)

// InterruptReason identifies why outbound playback was cut short. It is passed
// to [Mixer.Interrupt] so that the mixer can apply reason-specific behaviour.
type InterruptReason int

const (
	// CallerBargeIn indicates that the caller started speaking while the
	// assistant was still talking. The queue is flushed and the far end is
	// told to drop buffered audio.
	CallerBargeIn InterruptReason = iota

	// Preempted indicates that a higher-priority segment (e.g., the closing
	// apology) replaced the current one. Queued segments are preserved.
	Preempted

	// Hangup indicates that the call leg is going away. Everything is dropped.
	Hangup
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case CallerBargeIn:
		return "CALLER_BARGE_IN"
	case Preempted:
		return "PREEMPTED"
	case Hangup:
		return "HANGUP"
	default:
		return "UNKNOWN"
	}
}

// Segment priorities used by the call pipeline.
const (
	PriorityResponse = 1
	PriorityApology  = 10
)

// AudioSegment is the unit of assistant speech submitted to a [Mixer].
// Audio is streamed, frames arriving incrementally on the Audio channel, so
// the mixer can begin playback before synthesis is complete.
type AudioSegment struct {
	// ID names the segment in logs and playback marks.
	ID string

	// Turn is the conversation turn epoch the audio belongs to.
	Turn uint64

	// Audio is a read-only channel of encoded audio chunks in Format. The
	// producer closes it when the segment ends or a mid-stream error occurs.
	// After the channel closes, call [AudioSegment.Err].
	Audio <-chan []byte

	// Format of the chunks on Audio. It must match the connection format.
	Format Format

	// Priority controls scheduling when multiple segments are queued. Higher
	// values preempt lower ones; equal priorities play in FIFO order.
	Priority int

	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully.
func (s *AudioSegment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer calls this before
// closing the Audio channel.
func (s *AudioSegment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Mixer manages the outbound audio queue of one call leg. It sits between
// the synthesis stage and [Connection.Send], ensuring that one segment plays
// at a time, that an apology can preempt a response, and that a barge-in
// drops everything still pending.
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// Enqueue schedules segment for playback at segment.Priority.
	Enqueue(segment *AudioSegment)

	// Interrupt stops the currently playing segment for the given reason.
	// [CallerBargeIn] and [Hangup] also clear the queue.
	Interrupt(reason InterruptReason)

	// Busy reports whether a segment is playing or queued.
	Busy() bool

	// Idle returns a channel that is closed once nothing is playing or queued.
	Idle() <-chan struct{}

	// Close stops playback and releases resources.
	Close() error
}

// Drain discards everything sent on ch until it is closed, so a producer
// whose output is no longer wanted can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
