package pipeline

import (
	"fmt"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// Segmenter defaults.
const (
	DefaultContinuationWindow = 500 * time.Millisecond
	DefaultMinSpeech          = 60 * time.Millisecond
)

// SegmenterConfig configures a [Segmenter].
type SegmenterConfig struct {
	// VAD is passed to the engine. SampleRate and Encoding must match the
	// audio given to [Segmenter.Process].
	VAD vad.Config

	// ContinuationWindow is how long the caller may pause without ending the
	// utterance. Defaults to [DefaultContinuationWindow].
	ContinuationWindow time.Duration

	// MinSpeech is how much speech is needed before an utterance starts.
	// Shorter bursts (clicks, line noise) are ignored. Defaults to
	// [DefaultMinSpeech]; a negative value disables the filter.
	MinSpeech time.Duration
}

// Segmenter turns a continuous stream of caller audio into utterance
// boundaries. It slices the audio into VAD frames, classifies each frame, and
// reports [Boundary] frames. Audio itself is not modified or retained.
//
// A Segmenter is used by a single goroutine.
type Segmenter struct {
	session    vad.SessionHandle
	frameBytes int
	frameDur   time.Duration
	window     time.Duration
	minSpeech  time.Duration

	pending    []byte
	elapsed    time.Duration
	inSpeech   bool
	speechRun  time.Duration
	silenceRun time.Duration
	runStart   time.Duration
	quietSince time.Duration
}

// NewSegmenter opens a VAD session on engine and returns a Segmenter.
func NewSegmenter(engine vad.Engine, cfg SegmenterConfig) (*Segmenter, error) {
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	if cfg.ContinuationWindow <= 0 {
		cfg.ContinuationWindow = DefaultContinuationWindow
	}
	switch {
	case cfg.MinSpeech == 0:
		cfg.MinSpeech = DefaultMinSpeech
	case cfg.MinSpeech < 0:
		cfg.MinSpeech = 0
	}
	session, err := engine.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("segmenter: open vad session: %w", err)
	}
	return &Segmenter{
		session:    session,
		frameBytes: cfg.VAD.FrameBytes(),
		frameDur:   time.Duration(cfg.VAD.FrameSizeMs) * time.Millisecond,
		window:     cfg.ContinuationWindow,
		minSpeech:  cfg.MinSpeech,
	}, nil
}

// Process classifies data and returns the boundaries it completes, in order.
// Audio that does not fill a whole VAD frame is kept for the next call.
func (s *Segmenter) Process(data []byte) ([]Boundary, error) {
	var out []Boundary
	s.pending = append(s.pending, data...)
	for len(s.pending) >= s.frameBytes {
		frame := s.pending[:s.frameBytes]
		ev, err := s.session.ProcessFrame(frame)
		s.pending = s.pending[s.frameBytes:]
		if err != nil {
			return out, fmt.Errorf("segmenter: %w", err)
		}
		if b, ok := s.step(ev); ok {
			out = append(out, b)
		}
		s.elapsed += s.frameDur
	}
	// Keep the backing array from growing without bound.
	if len(s.pending) == 0 {
		s.pending = s.pending[:0:0]
	}
	return out, nil
}

// step advances the utterance state by one classified frame.
func (s *Segmenter) step(ev vad.VADEvent) (Boundary, bool) {
	speaking := ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue

	if !s.inSpeech {
		if !speaking {
			s.speechRun = 0
			return Boundary{}, false
		}
		if s.speechRun == 0 {
			s.runStart = s.elapsed
		}
		s.speechRun += s.frameDur
		if s.speechRun < s.minSpeech {
			return Boundary{}, false
		}
		s.inSpeech = true
		s.silenceRun = 0
		return Boundary{Kind: SpeechStart, At: s.runStart}, true
	}

	if speaking {
		s.silenceRun = 0
		return Boundary{}, false
	}
	if s.silenceRun == 0 {
		s.quietSince = s.elapsed
	}
	s.silenceRun += s.frameDur
	if s.silenceRun < s.window {
		return Boundary{}, false
	}
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
	return Boundary{Kind: SpeechEnd, At: s.quietSince}, true
}

// InSpeech reports whether an utterance is in progress.
func (s *Segmenter) InSpeech() bool {
	return s.inSpeech
}

// Close releases the VAD session.
func (s *Segmenter) Close() error {
	return s.session.Close()
}
