// Package energy implements a [vad.Engine] that classifies frames by their RMS
// energy. It needs no model files, which suits narrow-band phone audio where
// line noise is low and speech is loud relative to it.
//
// The speech probability of a frame is its normalised RMS divided by a
// reference level, capped at 1. With the default reference of 0.06 (about
// -24 dBFS), a SpeechThreshold of 0.5 corresponds to an RMS of 0.03.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

const defaultReferenceRMS = 0.06

// Option configures an [Engine].
type Option func(*Engine)

// WithReferenceRMS sets the normalised RMS level that maps to probability 1.
func WithReferenceRMS(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.referenceRMS = rms
		}
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	referenceRMS float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{referenceRMS: defaultReferenceRMS}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, frameBytes: cfg.FrameBytes(), referenceRMS: e.referenceRMS}, nil
}

// Session is one energy VAD stream. It applies hysteresis: speech starts above
// SpeechThreshold and only ends below SilenceThreshold. Safe for concurrent
// use.
type Session struct {
	cfg          vad.Config
	frameBytes   int
	referenceRMS float64

	mu       sync.Mutex
	speaking bool
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	pcm := frame
	if s.cfg.Encoding == audio.EncodingMulaw {
		pcm = audio.MulawToPCM16(frame)
	}
	p := min(audio.RMS16(pcm)/s.referenceRMS, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}
	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
