package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

// SynthesizerConfig configures a [Synthesizer].
type SynthesizerConfig struct {
	Voice types.VoiceProfile

	// Output is the format the transport expects. Backend audio in another
	// format is converted.
	Output audio.Format

	// Retry bounds the attempts to open a synthesis stream.
	Retry resilience.RetryConfig

	// SessionID prefixes segment IDs.
	SessionID string

	// Provider labels metrics.
	Provider string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Synthesizer is the text-to-speech stage. Each call to [Synthesizer.Speak]
// turns a stream of sentences into one [audio.AudioSegment] in the transport
// format.
type Synthesizer struct {
	provider tts.Provider
	cfg      SynthesizerConfig
	log      *slog.Logger
	metrics  *observe.Metrics
	seq      atomic.Uint64

	mu    sync.Mutex
	voice types.VoiceProfile
}

// NewSynthesizer returns a synthesizer backed by p.
func NewSynthesizer(p tts.Provider, cfg SynthesizerConfig) *Synthesizer {
	if cfg.Output == (audio.Format{}) {
		cfg.Output = audio.TelephonyFormat
	}
	if cfg.Provider == "" {
		cfg.Provider = "tts"
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = cfg.Provider
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Synthesizer{provider: p, cfg: cfg, log: log, metrics: m, voice: cfg.Voice}
}

// SetVoice changes the voice used from the next segment on.
func (s *Synthesizer) SetVoice(v types.VoiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = v
}

// Voice returns the voice used for new segments.
func (s *Synthesizer) Voice() types.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// Speak synthesizes the sentences read from text. The returned segment's
// Audio is closed when text is closed and all audio was delivered, when ctx
// is cancelled, or when synthesis fails.
//
// A synthesis failure is recorded on the segment and reported to onErr
// exactly once. When the stream cannot be opened, text is drained and the
// error is returned.
func (s *Synthesizer) Speak(ctx context.Context, turn uint64, priority int, text <-chan string, onErr func(ErrorSignal)) (*audio.AudioSegment, error) {
	var firstText atomic.Int64
	fwd := make(chan string, cap(text)+1)
	go func() {
		defer close(fwd)
		for t := range text {
			firstText.CompareAndSwap(0, time.Now().UnixNano())
			select {
			case fwd <- t:
			case <-ctx.Done():
				audio.Drain(text)
				return
			}
		}
	}()

	voice := s.Voice()
	stream, err := resilience.RetryWithResult(ctx, s.cfg.Retry, func(ctx context.Context) (*tts.Stream, error) {
		return s.provider.SynthesizeStream(ctx, fwd, voice)
	})
	if err != nil {
		go audio.Drain(fwd)
		s.metrics.RecordProviderRequest(ctx, s.cfg.Provider, "tts", "error")
		s.metrics.RecordProviderError(ctx, s.cfg.Provider, provider.Classify(err).String())
		return nil, fmt.Errorf("synthesizer: open stream: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.cfg.Provider, "tts", "ok")

	out := make(chan []byte, 64)
	seg := &audio.AudioSegment{
		ID:       fmt.Sprintf("%s-turn-%d-%d", s.cfg.SessionID, turn, s.seq.Add(1)),
		Turn:     turn,
		Audio:    out,
		Format:   s.cfg.Output,
		Priority: priority,
	}

	go func() {
		defer close(out)
		src := stream.Format
		if src == (audio.Format{}) {
			src = s.cfg.Output
		}
		conv := &audio.FormatConverter{Target: s.cfg.Output}
		var carry []byte
		first := true
		for chunk := range stream.Audio {
			if first {
				first = false
				if ts := firstText.Load(); ts != 0 {
					observe.ObserveSince(ctx, s.metrics.TTSTimeToFirstByte, time.Unix(0, ts))
				}
			}
			data := chunk
			if src != s.cfg.Output {
				data, carry = convert(conv, append(carry, chunk...), src)
			}
			if len(data) == 0 {
				continue
			}
			if ctx.Err() != nil {
				go audio.Drain(stream.Audio)
				return
			}
			select {
			case out <- data:
			case <-ctx.Done():
				go audio.Drain(stream.Audio)
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.log.Warn("synthesizer: synthesis failed", "segment", seg.ID, "err", err)
			s.metrics.RecordProviderError(ctx, s.cfg.Provider, provider.Classify(err).String())
			seg.SetStreamErr(err)
			if onErr != nil {
				onErr(ErrorSignal{Stage: StageTTS, Turn: turn, Err: err})
			}
		}
	}()
	return seg, nil
}

// convert re-encodes data from src through conv. A trailing half sample
// of 16-bit input is returned as carry for the next chunk.
func convert(conv *audio.FormatConverter, data []byte, src audio.Format) (out, carry []byte) {
	if src.Encoding != audio.EncodingMulaw {
		if n := len(data) % 2; n != 0 {
			carry = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
	}
	if len(data) == 0 {
		return nil, carry
	}
	frame := conv.Convert(audio.AudioFrame{Data: data, Encoding: src.Encoding, SampleRate: src.SampleRate, Channels: src.Channels})
	return frame.Data, carry
}
