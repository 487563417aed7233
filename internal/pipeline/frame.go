// Package pipeline runs one phone call through the voice stages:
//
//	transport → segmenter → recognizer → aggregator → generator → synthesizer → transport
//
// Stages exchange [Frame] values over [Link]s. Every link has a data channel
// and a priority control channel; receivers drain control frames first so
// that an interruption overtakes queued audio and text.
//
// Each call gets its own [Orchestrator] with its own history, stage instances
// and backend sessions. Nothing mutable is shared between calls.
package pipeline

import (
	"fmt"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// Frame is the unit passed between stages. The set of frame types is closed;
// only types in this package implement it.
//
// Frames are values. Slices inside a frame belong to the receiver once sent
// and are never modified by the sender afterwards.
type Frame interface {
	frame()
}

// AudioChunk carries caller or assistant audio.
type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Encoding   audio.Encoding

	// Turn is the turn epoch the chunk belongs to. Inbound audio carries 0.
	Turn uint64

	// Timestamp is the offset from the start of the call.
	Timestamp time.Duration
}

// Format returns the audio format of the chunk.
func (c AudioChunk) Format() audio.Format {
	return audio.Format{Encoding: c.Encoding, SampleRate: c.SampleRate, Channels: c.Channels}
}

// TranscriptFragment is recognized caller speech. The recognizer emits zero or
// more interim fragments and then exactly one final fragment per utterance.
type TranscriptFragment struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// ResponseTextFragment is a piece of the assistant's reply, usually one
// sentence. The fragment with End set closes the response of its turn and
// carries no text.
type ResponseTextFragment struct {
	Text string
	Turn uint64
	End  bool
}

// ControlKind enumerates control signals.
type ControlKind int

const (
	// ControlStart begins the conversation with the introduction.
	ControlStart ControlKind = iota
	ControlEnd
	// ControlCancel abandons the backend requests of one turn.
	ControlCancel
	// ControlInterruptionStart and ControlInterruptionStop bracket caller
	// speech over the assistant.
	ControlInterruptionStart
	ControlInterruptionStop
)

// String returns the name used in logs.
func (k ControlKind) String() string {
	switch k {
	case ControlStart:
		return "start"
	case ControlEnd:
		return "end"
	case ControlCancel:
		return "cancel"
	case ControlInterruptionStart:
		return "interruption_start"
	case ControlInterruptionStop:
		return "interruption_stop"
	default:
		return fmt.Sprintf("ControlKind(%d)", int(k))
	}
}

// ControlSignal changes the state of the pipeline.
type ControlSignal struct {
	Kind ControlKind

	// Turn is the epoch the signal applies to, where relevant.
	Turn uint64

	// Reason explains an End or Cancel. A nil Reason on End is a normal
	// hang-up.
	Reason error
}

// ErrorSignal reports a failure of one stage. Err is classified with the
// provider package (or wraps audio.ErrTransport).
type ErrorSignal struct {
	Stage string

	// Turn is the epoch of the failed turn, 0 for failures outside a turn.
	Turn uint64

	Err error
}

// Stage names used in ErrorSignal and logs.
const (
	StageTransport = "transport"
	StageVAD       = "vad"
	StageSTT       = "stt"
	StageLLM       = "llm"
	StageTTS       = "tts"
)

// BoundaryKind distinguishes the two utterance boundaries.
type BoundaryKind int

const (
	SpeechStart BoundaryKind = iota
	SpeechEnd
)

// String returns the name used in logs.
func (k BoundaryKind) String() string {
	if k == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Boundary marks the start or end of a caller utterance, as decided by the
// segmenter.
type Boundary struct {
	Kind BoundaryKind

	// At is the call offset of the first frame that decided the boundary.
	At time.Duration
}

func (AudioChunk) frame()           {}
func (TranscriptFragment) frame()   {}
func (ResponseTextFragment) frame() {}
func (ControlSignal) frame()        {}
func (ErrorSignal) frame()          {}
func (Boundary) frame()             {}

// isControl reports whether f travels on the priority channel of a link.
func isControl(f Frame) bool {
	switch f.(type) {
	case ControlSignal, ErrorSignal, Boundary:
		return true
	default:
		return false
	}
}
