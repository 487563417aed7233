package app

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/transcript"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/callstore"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/provider/vad/energy"
	"github.com/MrWong99/switchboard/pkg/types"
)

// saveTimeout bounds persisting a finished call.
const saveTimeout = 10 * time.Second

// ErrDraining is reported when a call arrives while the server shuts down.
var ErrDraining = errors.New("app: server is draining")

// CallInfo describes a live call.
type CallInfo struct {
	SessionID string
	CallID    string
	From      string
	StartedAt time.Time
	State     string
}

// SessionManager runs one [pipeline.Session] per inbound media stream.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	providers *Providers
	store     callstore.Store
	log       *slog.Logger
	metrics   *observe.Metrics
	maxCalls  int

	mu       sync.Mutex
	cfg      *config.Config
	sessions map[string]*pipeline.Session
	draining bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Config supplies the pipeline settings of new calls. Replaced by
	// [SessionManager.ApplyReload] on reload.
	Config    *config.Config
	Providers *Providers

	// Store persists finished calls. Nil disables call records.
	Store callstore.Store

	// MaxCalls caps concurrent calls. Zero means no limit.
	MaxCalls int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// NewSessionManager creates a [SessionManager].
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		providers: cfg.Providers,
		store:     cfg.Store,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		maxCalls:  cfg.MaxCalls,
		cfg:       cfg.Config,
		sessions:  make(map[string]*pipeline.Session),
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	return sm
}

// HandleCall runs the call on conn until it ends. It is the
// [audio.ConnectHandler] given to the telephony platform.
func (sm *SessionManager) HandleCall(ctx context.Context, conn audio.Connection) {
	info := conn.Info()

	sm.mu.Lock()
	switch {
	case sm.draining:
		sm.mu.Unlock()
		sm.log.Warn("rejecting call", "call_sid", info.CallID, "err", ErrDraining)
		return
	case sm.maxCalls > 0 && len(sm.sessions) >= sm.maxCalls:
		sm.mu.Unlock()
		sm.log.Warn("rejecting call, at capacity", "call_sid", info.CallID, "max_calls", sm.maxCalls)
		return
	}
	pcfg := PipelineConfig(sm.cfg)

	sess, err := pipeline.NewSession(pcfg, pipeline.Deps{
		Conn:    conn,
		STT:     sm.providers.STT,
		LLM:     sm.providers.LLM,
		TTS:     sm.providers.TTS,
		VAD:     energy.New(),
		Names:   sm.providers.Names,
		Logger:  sm.log,
		Metrics: sm.metrics,
	})
	if err != nil {
		sm.mu.Unlock()
		sm.log.Error("cannot start call session", "call_sid", info.CallID, "err", err)
		return
	}
	sm.sessions[sess.ID()] = sess
	sm.active.Add(1)
	sm.wg.Add(1)
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.sessions, sess.ID())
		sm.mu.Unlock()
		sm.active.Add(-1)
		sm.wg.Done()
	}()

	ctx, span := observe.StartCallSpan(ctx, sess.ID(), info.CallID, info.StreamID)
	log := observe.Logger(ctx, sm.log.With("session_id", sess.ID(), "call_sid", info.CallID))
	log.Info("call started", "from", info.From, "stream_sid", info.StreamID)

	runErr := sess.Run(ctx)
	defer observe.EndSpan(span, runErr)

	msgs := sess.Transcript()
	log.Info("call ended",
		"duration", sess.EndedAt().Sub(sess.StartedAt()).Round(time.Millisecond),
		"turns", countRole(msgs, types.RoleAssistant),
		"err", runErr,
	)
	sm.persist(ctx, sess, runErr, log)
}

func (sm *SessionManager) persist(ctx context.Context, sess *pipeline.Session, runErr error, log *slog.Logger) {
	if sm.store == nil {
		return
	}
	info := sess.Info()
	rec := callstore.Record{
		SessionID:  sess.ID(),
		CallID:     info.CallID,
		StreamID:   info.StreamID,
		From:       info.From,
		StartedAt:  sess.StartedAt(),
		EndedAt:    sess.EndedAt(),
		Outcome:    callstore.OutcomeCompleted,
		Model:      sess.Model(),
		Voice:      sess.Voice().ID,
		Transcript: sess.Transcript(),
	}
	if runErr != nil {
		rec.Outcome = callstore.OutcomeFailed
		rec.Error = runErr.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := sm.store.Save(saveCtx, rec); err != nil {
		log.Error("failed to save call record", "err", err)
	}
}

// ActiveCount returns the number of live calls.
func (sm *SessionManager) ActiveCount() int64 { return sm.active.Load() }

// Calls lists the live calls, oldest first.
func (sm *SessionManager) Calls() []CallInfo {
	sm.mu.Lock()
	sessions := slices.Collect(maps.Values(sm.sessions))
	sm.mu.Unlock()

	out := make([]CallInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, CallInfo{
			SessionID: s.ID(),
			CallID:    s.Info().CallID,
			From:      s.Info().From,
			StartedAt: s.StartedAt(),
			State:     s.State().String(),
		})
	}
	slices.SortFunc(out, func(a, b CallInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// ApplyReload makes a reloaded config effective. New calls use it as a
// whole; live calls switch model and voice from their next turn on.
func (sm *SessionManager) ApplyReload(r config.Reload) {
	d := r.Diff

	sm.mu.Lock()
	sm.cfg = r.New
	live := slices.Collect(maps.Values(sm.sessions))
	sm.mu.Unlock()

	keywords := keywordBoosts(d.NewKeywords)
	for _, s := range live {
		if d.ModelChanged {
			s.SetModel(d.NewModel)
		}
		if d.VoiceChanged {
			s.SetVoice(voiceProfile(r.New))
		}
		if d.KeywordsChanged {
			if err := s.SetKeywords(keywords); errors.Is(err, stt.ErrNotSupported) {
				sm.log.Info("keywords apply to this call after its next reconnect", "session_id", s.ID(), "err", err)
			} else if err != nil {
				sm.log.Warn("failed to update call keywords", "session_id", s.ID(), "err", err)
			}
		}
	}
	if (d.ModelChanged || d.VoiceChanged || d.KeywordsChanged) && len(live) > 0 {
		sm.log.Info("applied reload to live calls",
			"calls", len(live),
			"model", d.NewModel,
			"voice", d.NewVoiceID,
			"keywords", len(d.NewKeywords),
		)
	}
	if len(d.RestartRequired) > 0 {
		sm.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// Drain stops accepting calls and waits until the live ones end or ctx is
// done.
func (sm *SessionManager) Drain(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PipelineConfig maps the configuration file onto per-call settings.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	keywords := keywordBoosts(p.Keywords)
	var corrector *transcript.Corrector
	if p.KeywordCorrection && len(p.Keywords) > 0 {
		corrector = transcript.New(p.Keywords)
	}
	return pipeline.Config{
		SystemPrompt:       p.SystemPrompt,
		IntroPrompt:        p.IntroPrompt,
		ApologyText:        p.ApologyText,
		Voice:              voiceProfile(cfg),
		Model:              cfg.Providers.LLM.Model,
		Temperature:        p.Temperature,
		MaxTokens:          p.MaxTokens,
		ContextTokens:      p.ContextTokens,
		Language:           p.Language,
		Keywords:           keywords,
		Corrector:          corrector,
		AllowInterruptions: p.InterruptionsAllowed(),
		Segmenter: pipeline.SegmenterConfig{
			VAD: vadConfig(cfg),
			// Zero values fall back to the segmenter defaults.
			ContinuationWindow: p.VAD.ContinuationWindow,
			MinSpeech:          p.VAD.MinSpeech,
		},
		FinalizeTimeout:      p.VAD.FinalizeTimeout,
		STTReconnectAttempts: p.ReconnectAttempts(),
		Retry: resilience.RetryConfig{
			Attempts:   2,
			Backoff:    100 * time.Millisecond,
			MaxBackoff: time.Second,
		},
		MaxTurnFailures: p.MaxTurnFailures,
	}
}

func keywordBoosts(words []string) []types.KeywordBoost {
	out := make([]types.KeywordBoost, 0, len(words))
	for _, k := range words {
		out = append(out, types.KeywordBoost{Keyword: k, Boost: 1})
	}
	return out
}

func vadConfig(cfg *config.Config) vad.Config {
	v := cfg.Pipeline.VAD
	return vad.Config{
		FrameSizeMs:      v.FrameMs,
		SpeechThreshold:  v.SpeechThreshold,
		SilenceThreshold: v.SilenceThreshold,
	}
}

func voiceProfile(cfg *config.Config) types.VoiceProfile {
	return types.VoiceProfile{ID: cfg.Pipeline.VoiceID, Provider: cfg.Providers.TTS.Name}
}

func countRole(msgs []types.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}
