package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Session is one phone call. It owns the orchestrator, and with it every
// stage, backend session and the conversation of the call.
type Session struct {
	id        string
	info      audio.CallInfo
	startedAt time.Time
	orch      *Orchestrator

	mu      sync.Mutex
	endedAt time.Time
	err     error
}

// NewSession creates the session for the call on deps.Conn. A fresh session
// ID is assigned and attached to every log line of the call.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Conn == nil {
		return nil, errors.New("pipeline: session needs a connection")
	}
	id := uuid.NewString()
	info := deps.Conn.Info()

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	deps.Logger = log.With("session_id", id, "call_sid", info.CallID)
	deps.SessionID = id

	orch, err := New(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        id,
		info:      info,
		startedAt: time.Now(),
		orch:      orch,
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Info returns the call identifiers.
func (s *Session) Info() audio.CallInfo { return s.info }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Run runs the call to its end. See [Orchestrator.Run].
func (s *Session) Run(ctx context.Context) error {
	m := s.orch.metrics
	m.ActiveCalls.Add(ctx, 1)
	defer m.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	err := s.orch.Run(ctx)

	s.mu.Lock()
	s.endedAt = time.Now()
	s.err = err
	s.mu.Unlock()
	return err
}

// EndedAt returns when the call ended, or the zero time while it runs.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Err returns why the call ended. Nil for a normal hang-up or while the call
// runs.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the lifecycle state of the call.
func (s *Session) State() State { return s.orch.State() }

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []types.Message { return s.orch.History() }

// SetModel switches the language model from the next turn on.
func (s *Session) SetModel(model string) { s.orch.SetModel(model) }

// SetKeywords replaces the recognition keywords. See
// [Orchestrator.SetKeywords].
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	return s.orch.SetKeywords(keywords)
}

// SetVoice switches the voice from the next turn on.
func (s *Session) SetVoice(v types.VoiceProfile) { s.orch.SetVoice(v) }

// Model returns the current language model.
func (s *Session) Model() string { return s.orch.Model() }

// Voice returns the current voice.
func (s *Session) Voice() types.VoiceProfile { return s.orch.Voice() }
