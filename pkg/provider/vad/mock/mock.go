// Package mock provides a scripted voice activity detector for tests that
// need exact control over where the caller starts and stops talking.
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// Engine hands out Session, or a fresh silent session when it is nil.
type Engine struct {
	Session       vad.SessionHandle
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs sessions were opened with.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.configs)
}

var _ vad.Engine = (*Engine)(nil)

// Session classifies frames from Events, one per frame, then as Otherwise
// (silence when unset). Err fails every frame.
type Session struct {
	Events    []vad.VADEvent
	Otherwise vad.VADEvent
	Err       error

	mu     sync.Mutex
	frames [][]byte
	resets int
	closed bool
}

// Talk scripts a caller who is quiet for before frames, talks for talking
// frames and then goes quiet again.
func Talk(before, talking int) []vad.VADEvent {
	events := make([]vad.VADEvent, 0, before+talking)
	for range before {
		events = append(events, vad.VADEvent{Type: vad.VADSilence})
	}
	for i := range talking {
		typ := vad.VADSpeechContinue
		if i == 0 {
			typ = vad.VADSpeechStart
		}
		events = append(events, vad.VADEvent{Type: typ, Probability: 0.9})
	}
	return events
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, slices.Clone(frame))
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	if i := len(s.frames) - 1; i < len(s.Events) {
		return s.Events[i], nil
	}
	if s.Otherwise.Type == 0 && s.Otherwise.Probability == 0 {
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}
	return s.Otherwise, nil
}

// Frames returns copies of the frames classified so far.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ vad.SessionHandle = (*Session)(nil)
