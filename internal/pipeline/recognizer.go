package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/types"
)

// DefaultFinalizeTimeout bounds how long the recognizer waits for the backend
// after the segmenter reported the end of speech.
const DefaultFinalizeTimeout = time.Second

// RecognizerConfig configures a [Recognizer].
type RecognizerConfig struct {
	Stream stt.StreamConfig

	// FinalizeTimeout is how long finals are buffered after SpeechEnd before
	// they are flushed without an end-of-speech flag from the backend.
	FinalizeTimeout time.Duration

	// Provider labels metrics.
	Provider string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Recognizer is the speech-to-text stage. It forwards caller audio to an STT
// session and turns the backend's final segments into exactly one final
// [TranscriptFragment] per utterance.
//
// Partials are forwarded as they arrive. Finals are buffered until the
// backend flags the end of speech, the finalize timeout after SpeechEnd
// expires, or the session ends.
type Recognizer struct {
	provider stt.Provider
	cfg      RecognizerConfig
	out      *Link
	log      *slog.Logger
	metrics  *observe.Metrics

	mu          sync.Mutex
	ctx         context.Context
	session     stt.SessionHandle
	gen         uint64
	buf         []string
	confidence  float64
	timer       *time.Timer
	speechEndAt time.Time
	closed      bool

	wg sync.WaitGroup
}

// NewRecognizer returns a recognizer that emits transcripts and errors on out.
func NewRecognizer(p stt.Provider, cfg RecognizerConfig, out *Link) *Recognizer {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if cfg.Provider == "" {
		cfg.Provider = "stt"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Recognizer{provider: p, cfg: cfg, out: out, log: log, metrics: m}
}

// Start opens the STT session. Transcripts are read until ctx is cancelled,
// the session ends, or [Recognizer.Close] is called.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	return r.open(ctx)
}

// Reconnect replaces the session after it was lost. Buffered finals of the
// old session were flushed when it ended.
func (r *Recognizer) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	old := r.session
	r.session = nil
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return r.open(ctx)
}

// SetKeywords replaces the vocabulary hints of the open session. Sessions
// opened by a later reconnect start with them too.
func (r *Recognizer) SetKeywords(keywords []types.KeywordBoost) error {
	r.mu.Lock()
	r.cfg.Stream.Keywords = keywords
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SetKeywords(keywords); err != nil {
		return fmt.Errorf("recognizer: %w", err)
	}
	return nil
}

func (r *Recognizer) open(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg.Stream
	r.mu.Unlock()
	sess, err := r.provider.StartStream(ctx, cfg)
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, r.cfg.Provider, "stt", "error")
		return fmt.Errorf("recognizer: start stream: %w", err)
	}
	r.metrics.RecordProviderRequest(ctx, r.cfg.Provider, "stt", "ok")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sess.Close()
		return fmt.Errorf("recognizer: %w", stt.ErrSessionClosed)
	}
	r.gen++
	gen := r.gen
	r.session = sess
	r.wg.Add(1)
	r.mu.Unlock()

	go r.read(ctx, sess, gen)
	return nil
}

// Run consumes audio and boundaries from in until ctx is cancelled.
func (r *Recognizer) Run(ctx context.Context, in *Link) error {
	for {
		f, err := in.Receive(ctx)
		if err != nil {
			return nil
		}
		switch f := f.(type) {
		case AudioChunk:
			r.sendAudio(f.Data)
		case Boundary:
			if f.Kind == SpeechStart {
				r.disarm()
			} else {
				r.finalize()
			}
		}
	}
}

func (r *Recognizer) sendAudio(data []byte) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.SendAudio(data); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		r.log.Debug("recognizer: send audio failed", "err", err)
	}
}

// finalize asks the backend to flush and arms the finalize timeout.
func (r *Recognizer) finalize() {
	r.mu.Lock()
	sess := r.session
	r.speechEndAt = time.Now()
	if r.timer != nil {
		r.timer.Stop()
	}
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	r.timer = time.AfterFunc(r.cfg.FinalizeTimeout, func() { r.flush(ctx) })
	r.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Finalize(); err != nil && !errors.Is(err, stt.ErrNotSupported) && !errors.Is(err, stt.ErrSessionClosed) {
		r.log.Debug("recognizer: finalize failed", "err", err)
	}
}

func (r *Recognizer) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Recognizer) read(ctx context.Context, sess stt.SessionHandle, gen uint64) {
	defer r.wg.Done()
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if strings.TrimSpace(t.Text) != "" {
				r.emit(ctx, TranscriptFragment{Text: t.Text, Confidence: t.Confidence})
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.onFinal(ctx, t)
		case <-ctx.Done():
			return
		}
	}
	r.flush(ctx)

	err := sess.Err()
	r.mu.Lock()
	current := r.gen == gen && !r.closed
	r.mu.Unlock()
	if err == nil || !current || ctx.Err() != nil {
		return
	}
	r.log.Warn("recognizer: stt session lost", "err", err)
	r.metrics.RecordProviderError(ctx, r.cfg.Provider, "stt")
	r.emit(ctx, ErrorSignal{Stage: StageSTT, Err: err})
}

func (r *Recognizer) onFinal(ctx context.Context, t types.Transcript) {
	r.mu.Lock()
	if text := strings.TrimSpace(t.Text); text != "" {
		r.buf = append(r.buf, text)
		if t.Confidence > r.confidence {
			r.confidence = t.Confidence
		}
	}
	r.mu.Unlock()
	if t.SpeechFinal {
		r.flush(ctx)
	}
}

// flush emits the buffered finals as one fragment.
func (r *Recognizer) flush(ctx context.Context) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	text := strings.Join(r.buf, " ")
	conf := r.confidence
	endAt := r.speechEndAt
	r.buf = nil
	r.confidence = 0
	r.speechEndAt = time.Time{}
	r.mu.Unlock()

	if !endAt.IsZero() {
		observe.ObserveSince(ctx, r.metrics.STTFinalLatency, endAt)
	}
	r.emit(ctx, TranscriptFragment{Text: text, IsFinal: true, Confidence: conf})
}

func (r *Recognizer) emit(ctx context.Context, f Frame) {
	if err := r.out.Send(ctx, f); err != nil {
		r.log.Debug("recognizer: dropped frame", "err", err)
	}
}

// Close ends the session and waits for the reader to finish.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sess := r.session
	r.session = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	r.wg.Wait()
	return err
}
