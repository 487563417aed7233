package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/transcript"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/mixer"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Defaults applied by [New].
const (
	DefaultIntroPrompt     = "Please introduce yourself to the user."
	DefaultApologyText     = "I'm sorry, something went wrong on my end. Please call again later."
	DefaultMaxTurnFailures = 2
	DefaultApologyTimeout  = 10 * time.Second
	DefaultFrameSizeMs     = 20

	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
)

const (
	audioLinkCapacity  = 256
	eventsLinkCapacity = 64
)

// State is the lifecycle state of a call.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateActive
	StateInterrupted
	StateEnded
)

// String returns the name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the per-call settings of an [Orchestrator].
type Config struct {
	SystemPrompt string

	// IntroPrompt asks the model to greet the caller when the call connects.
	// Defaults to [DefaultIntroPrompt].
	IntroPrompt string

	// ApologyText is spoken before the call is ended because of a failure.
	// Defaults to [DefaultApologyText].
	ApologyText string

	Voice       types.VoiceProfile
	Model       string
	Temperature float64
	MaxTokens   int
	Language    string
	Keywords    []types.KeywordBoost

	// Corrector repairs misheard keywords in final transcripts. Nil leaves
	// transcripts as recognized.
	Corrector *transcript.Corrector

	// ContextTokens caps the estimated history size per request. Zero means
	// no cap.
	ContextTokens int

	// AllowInterruptions lets the caller barge in while the assistant speaks.
	AllowInterruptions bool

	// Segmenter configures utterance detection. Sample rate and encoding
	// default to the connection format.
	Segmenter SegmenterConfig

	FinalizeTimeout time.Duration

	// STTReconnectAttempts bounds how often a lost STT session is replaced
	// during one call.
	STTReconnectAttempts int

	// Retry bounds attempts to open LLM and TTS streams.
	Retry resilience.RetryConfig

	// MaxTurnFailures is how many turns in a row may fail before the call is
	// ended. Defaults to [DefaultMaxTurnFailures].
	MaxTurnFailures int

	// ApologyTimeout bounds the wait for the apology to play out.
	ApologyTimeout time.Duration
}

// ProviderNames label metrics and logs.
type ProviderNames struct {
	STT string
	LLM string
	TTS string
}

// Deps are the collaborators of an [Orchestrator]. Conn, STT, LLM, TTS and
// VAD are required.
type Deps struct {
	Conn audio.Connection
	STT  stt.Provider
	LLM  llm.Provider
	TTS  tts.Provider
	VAD  vad.Engine

	Names     ProviderNames
	SessionID string
	Logger    *slog.Logger
	Metrics   *observe.Metrics
}

// Orchestrator runs one call: it wires the stages, owns the conversation and
// moves the call through its [State]s.
type Orchestrator struct {
	cfg     Config
	conn    audio.Connection
	log     *slog.Logger
	metrics *observe.Metrics

	segmenter  *Segmenter
	recognizer *Recognizer
	generator  *Generator
	synth      *Synthesizer
	mixer      *mixer.PriorityMixer

	audioIn *Link
	events  *Link

	// cutoff is the last turn epoch that was cancelled. Audio of earlier
	// turns is never played.
	cutoff atomic.Uint64

	markMu sync.Mutex
	marks  map[string]chan struct{}

	mu            sync.Mutex
	ctx           context.Context
	state         State
	agg           *Aggregator
	epoch         uint64
	cancels       map[uint64]context.CancelFunc
	turnStart     time.Time
	speaking      bool
	interrupting  bool
	failures      int
	sttReconnects int
	ending        bool
	endErr        error

	// closedTurn is the turn whose reply finished generating and whose
	// audio has not finished playing yet.
	closedTurn uint64
	replyTime  time.Duration

	turns sync.WaitGroup
}

// New builds the stages of one call.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Conn == nil || deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.VAD == nil {
		return nil, errors.New("pipeline: connection, stt, llm, tts and vad are required")
	}
	if cfg.IntroPrompt == "" {
		cfg.IntroPrompt = DefaultIntroPrompt
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApologyText
	}
	if cfg.MaxTurnFailures <= 0 {
		cfg.MaxTurnFailures = DefaultMaxTurnFailures
	}
	if cfg.ApologyTimeout <= 0 {
		cfg.ApologyTimeout = DefaultApologyTimeout
	}

	format := deps.Conn.Format()
	vcfg := &cfg.Segmenter.VAD
	if vcfg.SampleRate == 0 {
		vcfg.SampleRate = format.SampleRate
	}
	if vcfg.Encoding == "" {
		vcfg.Encoding = format.Encoding
	}
	if vcfg.FrameSizeMs == 0 {
		vcfg.FrameSizeMs = DefaultFrameSizeMs
	}
	if vcfg.SpeechThreshold == 0 && vcfg.SilenceThreshold == 0 {
		vcfg.SpeechThreshold = DefaultSpeechThreshold
		vcfg.SilenceThreshold = DefaultSilenceThreshold
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	seg, err := NewSegmenter(deps.VAD, cfg.Segmenter)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		conn:    deps.Conn,
		log:     log,
		metrics: m,
		audioIn: NewLink(audioLinkCapacity),
		events:  NewLink(eventsLinkCapacity),
		marks:   make(map[string]chan struct{}),
		agg:     NewAggregator(NewHistory(cfg.SystemPrompt)),
		cancels: make(map[uint64]context.CancelFunc),
	}
	o.segmenter = seg
	o.recognizer = NewRecognizer(deps.STT, RecognizerConfig{
		Stream: stt.StreamConfig{
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Encoding:   format.Encoding,
			Language:   cfg.Language,
			Keywords:   cfg.Keywords,
		},
		FinalizeTimeout: cfg.FinalizeTimeout,
		Provider:        deps.Names.STT,
		Logger:          log,
		Metrics:         m,
	}, o.events)
	o.generator = NewGenerator(deps.LLM, GeneratorConfig{
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		ContextTokens: cfg.ContextTokens,
		Retry:         cfg.Retry,
		Provider:      deps.Names.LLM,
		Logger:        log,
		Metrics:       m,
	})
	o.synth = NewSynthesizer(deps.TTS, SynthesizerConfig{
		Voice:     cfg.Voice,
		Output:    format,
		Retry:     cfg.Retry,
		SessionID: deps.SessionID,
		Provider:  deps.Names.TTS,
		Logger:    log,
		Metrics:   m,
	})
	o.mixer = mixer.New(o.play,
		mixer.WithSegmentDone(o.segmentDone),
		mixer.WithOutputError(func(err error) {
			// A closed connection is reported by ingest as a hang-up.
			if !errors.Is(err, audio.ErrConnectionClosed) {
				o.events.TrySend(ErrorSignal{Stage: StageTransport, Err: err})
			}
		}),
	)
	return o, nil
}

// Run drives the call until the caller hangs up, the transport fails, or the
// call is ended after an unrecoverable failure. The connection is closed on
// return. Run returns nil for a normal hang-up and the reason otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	o.mu.Lock()
	o.ctx = gctx
	o.state = StateConnected
	o.mu.Unlock()
	o.log.Info("call connected")

	if err := o.recognizer.Start(gctx); err != nil {
		o.log.Error("failed to start speech recognition", "err", err)
		o.mu.Lock()
		o.apologizeAndEndLocked(fmt.Errorf("%w: %w", ErrRecognitionLost, err))
		o.mu.Unlock()
	} else {
		_ = o.events.Send(gctx, ControlSignal{Kind: ControlStart})
	}

	g.Go(func() error { return o.ingest(gctx) })
	g.Go(func() error { return o.recognizer.Run(gctx, o.audioIn) })
	g.Go(func() error { return o.control(gctx) })

	err := g.Wait()

	o.mu.Lock()
	o.state = StateEnded
	o.ending = true
	o.cancelTurnsLocked()
	reason := o.endErr
	o.mu.Unlock()

	o.turns.Wait()
	_ = o.mixer.Close()
	_ = o.recognizer.Close()
	_ = o.segmenter.Close()
	_ = o.conn.Close()

	if err != nil && !errors.Is(err, errCallEnded) && reason == nil {
		reason = err
	}
	if reason != nil {
		o.log.Warn("call ended", "reason", reason)
	} else {
		o.log.Info("call ended")
	}
	return reason
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []types.Message {
	return o.agg.History().Snapshot()
}

// SetModel switches the model from the next turn on.
func (o *Orchestrator) SetModel(model string) { o.generator.SetModel(model) }

// SetKeywords replaces the recognition keywords of the call. Backends that
// cannot change them mid-session return an error wrapping
// [stt.ErrNotSupported]; the new list then applies after a reconnect.
func (o *Orchestrator) SetKeywords(keywords []types.KeywordBoost) error {
	return o.recognizer.SetKeywords(keywords)
}

// SetVoice switches the voice from the next turn on.
func (o *Orchestrator) SetVoice(v types.VoiceProfile) { o.synth.SetVoice(v) }

// Model returns the language model used for the next turn.
func (o *Orchestrator) Model() string { return o.generator.Model() }

// Voice returns the voice used for the next turn.
func (o *Orchestrator) Voice() types.VoiceProfile { return o.synth.Voice() }

// ingest reads caller audio and call events. It never waits on the STT
// backend: audio the recognizer cannot take in time is dropped.
func (o *Orchestrator) ingest(ctx context.Context) error {
	input, events := o.conn.InputStream(), o.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.onCallEvent(ev)
		case frame, ok := <-input:
			if !ok {
				_ = o.events.Send(ctx, ControlSignal{Kind: ControlEnd, Reason: o.conn.Err()})
				return nil
			}
			o.onAudio(ctx, frame)
		}
	}
}

func (o *Orchestrator) onAudio(ctx context.Context, frame audio.AudioFrame) {
	o.mu.Lock()
	if o.state == StateConnected {
		o.state = StateActive
	}
	o.mu.Unlock()

	bounds, err := o.segmenter.Process(frame.Data)
	if err != nil {
		o.log.Warn("voice activity detection failed", "err", err)
	}
	chunk := AudioChunk{
		Data:       frame.Data,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Encoding:   frame.Encoding,
		Timestamp:  frame.Timestamp,
	}
	if !o.audioIn.TrySend(chunk) {
		o.log.Debug("recognizer is behind, dropping audio", "bytes", len(frame.Data))
	}
	for _, b := range bounds {
		o.audioIn.TrySend(b)
		_ = o.events.Send(ctx, b)
	}
}

func (o *Orchestrator) onCallEvent(ev audio.Event) {
	switch ev.Type {
	case audio.EventMark:
		o.ackMark(ev.Value)
	case audio.EventDTMF:
		o.log.Info("caller pressed a key", "digit", ev.Value)
		o.mu.Lock()
		o.agg.AddSystem(fmt.Sprintf("The caller pressed %s on the keypad.", ev.Value))
		o.mu.Unlock()
	}
}

// control serializes all decisions about the conversation.
func (o *Orchestrator) control(ctx context.Context) error {
	for {
		f, err := o.events.Receive(ctx)
		if err != nil {
			return nil
		}
		switch f := f.(type) {
		case Boundary:
			o.onBoundary(f)
		case TranscriptFragment:
			o.onTranscript(f)
		case ErrorSignal:
			if o.onError(ctx, f) {
				return errCallEnded
			}
		case ControlSignal:
			if f.Kind == ControlEnd {
				o.end(f.Reason)
				return errCallEnded
			}
			o.onControl(f)
		}
	}
}

func (o *Orchestrator) onControl(c ControlSignal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch c.Kind {
	case ControlStart:
		if !o.ending {
			o.startIntroLocked()
		}
	case ControlInterruptionStart:
		// Speech that started under a turn that has since ended or been
		// replaced interrupts nothing.
		if o.ending || c.Turn != o.epoch {
			return
		}
		if o.agg.History().AssistantOpen() || o.mixer.Busy() || o.playbackPending() {
			o.interruptLocked()
		}
	case ControlInterruptionStop:
		o.log.Debug("caller stopped talking over the assistant", "turn", c.Turn)
	case ControlCancel:
		if cancel, ok := o.cancels[c.Turn]; ok {
			cancel()
			delete(o.cancels, c.Turn)
			o.log.Debug("turn cancelled", "turn", c.Turn, "reason", c.Reason)
		}
	}
}

func (o *Orchestrator) onBoundary(b Boundary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.Debug("utterance boundary", "kind", b.Kind, "at", b.At)

	if b.Kind == SpeechEnd {
		o.speaking = false
		if o.interrupting {
			o.interrupting = false
			o.events.TrySend(ControlSignal{Kind: ControlInterruptionStop, Turn: o.epoch})
		}
		o.releaseLocked()
		return
	}
	o.speaking = true
	if o.ending || !o.cfg.AllowInterruptions {
		return
	}
	if o.agg.History().AssistantOpen() || o.mixer.Busy() || o.playbackPending() {
		o.bargeInLocked()
	}
}

// bargeInLocked hands the interruption to the control channel, where it
// overtakes every queued data frame. When the channel is full the
// interruption runs right away.
func (o *Orchestrator) bargeInLocked() {
	o.interrupting = true
	if !o.events.TrySend(ControlSignal{Kind: ControlInterruptionStart, Turn: o.epoch}) {
		o.interruptLocked()
	}
}

// interruptLocked stops the assistant for a caller barge-in.
func (o *Orchestrator) interruptLocked() {
	o.state = StateInterrupted
	o.cutoff.Store(o.epoch)
	o.epoch++
	o.cancelTurnsLocked()
	o.mixer.Interrupt(audio.CallerBargeIn)
	if err := o.conn.Clear(); err != nil {
		o.log.Warn("failed to clear far-end audio", "err", err)
	}
	o.clearMarks()

	discarded, err := o.agg.DiscardReply()
	if err != nil {
		o.log.Warn("history rejected held-back speech", "err", err)
	}
	if discarded {
		o.metrics.RecordTurn(o.ctx, observe.TurnInterrupted, 0)
	}
	o.metrics.RecordInterruption(o.ctx)
	o.log.Info("caller interrupted the assistant", "discarded_reply", discarded)
}

func (o *Orchestrator) onTranscript(f TranscriptFragment) {
	if !f.IsFinal {
		o.log.Debug("interim transcript", "text", f.Text)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ending {
		return
	}
	text := f.Text
	if fixed, fixes := o.cfg.Corrector.Correct(text); len(fixes) > 0 {
		o.log.Debug("corrected keywords", "heard", text, "corrections", len(fixes))
		text = fixed
	}
	o.log.Info("caller said", "text", text, "confidence", f.Confidence)
	if o.state == StateInterrupted {
		o.state = StateActive
	}
	if err := o.agg.AddFinal(text); err != nil {
		o.log.Warn("transcript does not fit the conversation", "err", err)
		return
	}
	if !o.speaking {
		o.releaseLocked()
	}
}

// releaseLocked closes the open user entry and starts the reply.
func (o *Orchestrator) releaseLocked() {
	if o.ending || !o.agg.Release() {
		return
	}
	messages, err := o.agg.BeginReply()
	if err != nil {
		o.log.Warn("cannot start reply", "err", err)
		return
	}
	o.startTurnLocked(messages)
}

func (o *Orchestrator) startIntroLocked() {
	messages, err := o.agg.BeginIntro(o.cfg.IntroPrompt)
	if err != nil {
		o.log.Warn("cannot start introduction", "err", err)
		return
	}
	o.startTurnLocked(messages)
}

func (o *Orchestrator) startTurnLocked(messages []types.Message) {
	o.epoch++
	turn := o.epoch
	ctx, cancel := context.WithCancel(o.ctx)
	o.cancels[turn] = cancel
	o.turnStart = time.Now()
	o.turns.Add(1)
	go o.runTurn(ctx, turn, messages)
}

// runTurn generates and speaks one reply.
func (o *Orchestrator) runTurn(ctx context.Context, turn uint64, messages []types.Message) {
	defer o.turns.Done()

	ctx, span := observe.StartTurnSpan(ctx, turn)
	var err error
	defer func() {
		outcome := "generated"
		switch {
		case ctx.Err() != nil:
			outcome, err = "interrupted", nil
		case err != nil:
			outcome = "failed"
		}
		span.SetAttributes(observe.AttrOutcome.String(outcome))
		observe.EndSpan(span, err)
	}()

	text := make(chan string, 16)
	seg, err := o.synth.Speak(ctx, turn, audio.PriorityResponse, text, o.report)
	if err != nil {
		close(text)
		o.turnFailed(ctx, ErrorSignal{Stage: StageTTS, Turn: turn, Err: err})
		return
	}
	o.mixer.Enqueue(seg)

	err = o.generator.Generate(ctx, turn, messages, func(ctx context.Context, f ResponseTextFragment) error {
		if err := o.acceptFragment(f); err != nil {
			return err
		}
		if f.End {
			return nil
		}
		select {
		case text <- f.Text:
			return nil
		case <-ctx.Done():
			return ErrStaleTurn
		}
	})
	close(text)
	if err != nil {
		o.turnFailed(ctx, ErrorSignal{Stage: StageLLM, Turn: turn, Err: err})
	}
}

// acceptFragment applies f to the conversation if its turn is current.
func (o *Orchestrator) acceptFragment(f ResponseTextFragment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f.Turn != o.epoch || o.ending {
		return ErrStaleTurn
	}
	closed, err := o.agg.AddReply(f)
	if err != nil {
		return err
	}
	if closed {
		o.closedTurn = f.Turn
		o.replyTime = time.Since(o.turnStart)
		if !o.speaking {
			o.releaseLocked()
		}
	}
	return nil
}

func (o *Orchestrator) turnFailed(ctx context.Context, sig ErrorSignal) {
	if ctx.Err() != nil {
		return
	}
	o.report(sig)
}

// report hands a failure to the control loop. The failed turn is cancelled
// first, so its stages stop before the failure is weighed.
func (o *Orchestrator) report(sig ErrorSignal) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if sig.Turn != 0 {
		_ = o.events.Send(ctx, ControlSignal{Kind: ControlCancel, Turn: sig.Turn, Reason: sig.Err})
	}
	if err := o.events.Send(ctx, sig); err != nil {
		o.log.Debug("dropped error signal", "stage", sig.Stage, "err", sig.Err)
	}
}

// onError handles a stage failure and reports whether the call is over.
func (o *Orchestrator) onError(ctx context.Context, sig ErrorSignal) bool {
	switch sig.Stage {
	case StageTransport:
		o.end(sig.Err)
		return true
	case StageVAD:
		o.log.Warn("voice activity detection failed", "err", sig.Err)
		return false
	case StageSTT:
		o.recognitionLost(ctx, sig.Err)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ending || sig.Turn <= o.cutoff.Load() {
		return false
	}
	// A reply can fail to be spoken after the next turn has started.
	current := sig.Turn == o.epoch
	if !current && sig.Stage != StageTTS {
		return false
	}
	if current {
		discarded, err := o.agg.DiscardReply()
		if err != nil {
			o.log.Warn("history rejected held-back speech", "err", err)
		}
		if !discarded && o.agg.RetractReply() {
			o.log.Debug("removed unspoken reply from history", "turn", sig.Turn)
		}
	}
	o.metrics.RecordTurn(ctx, observe.TurnFailed, 0)
	o.failures++

	if turnFailureAction(sig.Err, o.failures, o.cfg.MaxTurnFailures) == skipTurn {
		o.log.Warn("turn failed, skipping", "stage", sig.Stage, "failures", o.failures, "err", sig.Err)
		if !o.speaking {
			o.releaseLocked()
		}
		return false
	}
	reason := sig.Err
	if o.failures >= o.cfg.MaxTurnFailures {
		reason = fmt.Errorf("%w: %w", ErrTooManyFailures, sig.Err)
	}
	o.apologizeAndEndLocked(reason)
	return false
}

func (o *Orchestrator) recognitionLost(ctx context.Context, err error) {
	o.mu.Lock()
	try := !o.ending && o.sttReconnects < o.cfg.STTReconnectAttempts
	if try {
		o.sttReconnects++
	}
	o.mu.Unlock()

	if try {
		o.log.Warn("speech recognition lost, reconnecting", "err", err)
		rerr := o.recognizer.Reconnect(ctx)
		if rerr == nil {
			return
		}
		err = rerr
	}
	o.mu.Lock()
	o.apologizeAndEndLocked(fmt.Errorf("%w: %w", ErrRecognitionLost, err))
	o.mu.Unlock()
}

// apologizeAndEndLocked stops the conversation, speaks the apology and then
// ends the call.
func (o *Orchestrator) apologizeAndEndLocked(reason error) {
	if o.ending {
		return
	}
	o.ending = true
	o.log.Error("ending call after failure", "err", reason)
	o.cutoff.Store(o.epoch)
	o.cancelTurnsLocked()
	o.mixer.Interrupt(audio.CallerBargeIn)
	if _, err := o.agg.DiscardReply(); err != nil {
		o.log.Debug("history rejected held-back speech", "err", err)
	}
	o.epoch++
	o.turns.Add(1)
	go o.apologize(o.ctx, o.epoch, reason)
}

func (o *Orchestrator) apologize(ctx context.Context, turn uint64, reason error) {
	defer o.turns.Done()

	text := make(chan string, 1)
	text <- o.cfg.ApologyText
	close(text)
	seg, err := o.synth.Speak(ctx, turn, audio.PriorityApology, text, nil)
	if err != nil {
		o.log.Warn("cannot speak apology", "err", err)
	} else {
		played := o.markChan(seg.ID)
		o.mixer.Enqueue(seg)
		timer := time.NewTimer(o.cfg.ApologyTimeout)
		select {
		case <-played:
		case <-timer.C:
			o.log.Warn("apology did not finish playing in time")
		case <-ctx.Done():
		}
		timer.Stop()
	}
	_ = o.events.Send(ctx, ControlSignal{Kind: ControlEnd, Reason: reason})
}

// end marks the call as over. Stages stop when the control loop returns.
func (o *Orchestrator) end(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateEnded
	o.ending = true
	if o.endErr == nil {
		o.endErr = reason
	}
	o.cancelTurnsLocked()
}

func (o *Orchestrator) cancelTurnsLocked() {
	for turn, cancel := range o.cancels {
		cancel()
		delete(o.cancels, turn)
	}
}

// play is the mixer output. Audio of cancelled turns is dropped.
func (o *Orchestrator) play(seg *audio.AudioSegment, frame audio.AudioFrame) error {
	if seg.Turn <= o.cutoff.Load() {
		return nil
	}
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	return o.conn.Send(ctx, frame)
}

func (o *Orchestrator) segmentDone(seg *audio.AudioSegment, interrupted bool) {
	o.mu.Lock()
	// The turn context outlives generation until its audio is through.
	if cancel, ok := o.cancels[seg.Turn]; ok && (seg.Turn != o.epoch || !o.agg.History().AssistantOpen()) {
		cancel()
		delete(o.cancels, seg.Turn)
	}
	// A turn counts as completed once the caller heard all of it.
	if seg.Turn == o.closedTurn {
		o.closedTurn = 0
		switch {
		case interrupted:
			o.metrics.RecordTurn(o.ctx, observe.TurnInterrupted, o.replyTime)
		case seg.Err() == nil:
			o.failures = 0
			o.metrics.RecordTurn(o.ctx, observe.TurnCompleted, o.replyTime)
		}
	}
	o.mu.Unlock()

	if interrupted {
		return
	}
	o.markChan(seg.ID)
	if err := o.conn.Mark(seg.ID); err != nil {
		o.log.Debug("failed to mark end of playback", "segment", seg.ID, "err", err)
		o.ackMark(seg.ID)
	}
}

// markChan returns the channel closed when playback reaches mark name.
func (o *Orchestrator) markChan(name string) <-chan struct{} {
	o.markMu.Lock()
	defer o.markMu.Unlock()
	ch, ok := o.marks[name]
	if !ok {
		ch = make(chan struct{})
		o.marks[name] = ch
	}
	return ch
}

func (o *Orchestrator) ackMark(name string) {
	o.markMu.Lock()
	defer o.markMu.Unlock()
	if ch, ok := o.marks[name]; ok {
		close(ch)
		delete(o.marks, name)
	}
}

// playbackPending reports whether sent audio has not been played yet.
func (o *Orchestrator) playbackPending() bool {
	o.markMu.Lock()
	defer o.markMu.Unlock()
	return len(o.marks) > 0
}

func (o *Orchestrator) clearMarks() {
	o.markMu.Lock()
	defer o.markMu.Unlock()
	for name, ch := range o.marks {
		close(ch)
		delete(o.marks, name)
	}
}
