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
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

// ErrStaleTurn is returned by an [Emitter] when the turn it was called for
// has been superseded. The generator stops without error.
var ErrStaleTurn = errors.New("pipeline: turn superseded")

// errCutOff is reported when a stream closes before the model finished.
var errCutOff = errors.New("stream ended without a finish reason")

// Emitter receives the response fragments of one turn. Returning an error
// stops generation.
type Emitter func(ctx context.Context, f ResponseTextFragment) error

// GeneratorConfig configures a [Generator].
type GeneratorConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int

	// ContextTokens limits the estimated size of the history sent with each
	// request. The oldest entries after the system prompt are left out once
	// the limit is reached. Zero uses the model's context window less
	// MaxTokens, or sends everything when the window is unknown.
	ContextTokens int

	// Retry bounds the attempts to open a completion stream.
	Retry resilience.RetryConfig

	// Provider labels metrics.
	Provider string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Generator is the language stage. It turns a history snapshot into response
// fragments, one per sentence, followed by an End fragment.
type Generator struct {
	provider llm.Provider
	cfg      GeneratorConfig
	log      *slog.Logger
	metrics  *observe.Metrics

	mu    sync.Mutex
	model string
}

// NewGenerator returns a generator backed by p. MaxTokens is capped at what
// the model can produce.
func NewGenerator(p llm.Provider, cfg GeneratorConfig) *Generator {
	if cfg.Provider == "" {
		cfg.Provider = "llm"
	}
	caps := p.Capabilities()
	if caps.MaxOutputTokens > 0 && cfg.MaxTokens > caps.MaxOutputTokens {
		cfg.MaxTokens = caps.MaxOutputTokens
	}
	if cfg.ContextTokens == 0 && caps.ContextWindow > cfg.MaxTokens {
		cfg.ContextTokens = caps.ContextWindow - cfg.MaxTokens
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
	return &Generator{provider: p, cfg: cfg, log: log, metrics: m, model: cfg.Model}
}

// SetModel changes the model used from the next turn on.
func (g *Generator) SetModel(model string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = model
}

// Model returns the model used for new turns.
func (g *Generator) Model() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.model
}

// Generate streams a reply to messages. Complete sentences are emitted as soon
// as they are known; the remainder is emitted when the stream finishes, then
// an End fragment. All fragments carry turn.
//
// Cancelling ctx abandons the backend stream. Generate then returns ctx.Err()
// and emits nothing more.
func (g *Generator) Generate(ctx context.Context, turn uint64, messages []types.Message, emit Emitter) error {
	messages, dropped := fitWindow(messages, g.cfg.ContextTokens)
	if dropped > 0 {
		g.log.Debug("generator: history trimmed to context window", "dropped", dropped, "budget", g.cfg.ContextTokens)
	}
	req := llm.CompletionRequest{
		Model:       g.Model(),
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	start := time.Now()

	ch, err := resilience.RetryWithResult(ctx, g.cfg.Retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return g.provider.StreamCompletion(ctx, req)
	})
	if err != nil {
		g.recordFailure(ctx, err)
		return fmt.Errorf("generator: open stream: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, g.cfg.Provider, "llm", "ok")

	send := func(text string) error {
		return emit(ctx, ResponseTextFragment{Text: text, Turn: turn})
	}
	err = g.forwardSentences(ctx, ch, start, send)
	switch {
	case errors.Is(err, ErrStaleTurn):
		go drainChunks(ch)
		return nil
	case err != nil:
		go drainChunks(ch)
		if ctx.Err() == nil {
			g.recordFailure(ctx, err)
		}
		return err
	}
	if err := emit(ctx, ResponseTextFragment{Turn: turn, End: true}); err != nil && !errors.Is(err, ErrStaleTurn) {
		return err
	}
	return nil
}

func (g *Generator) recordFailure(ctx context.Context, err error) {
	g.metrics.RecordProviderError(ctx, g.cfg.Provider, provider.Classify(err).String())
	g.log.Warn("generator: completion failed", "provider", g.cfg.Provider, "err", err)
}

// forwardSentences reads chunks from ch, cuts complete sentences off the
// front of the buffer, and passes each to send. Any text remaining when the
// model finishes is sent as a final sentence. A stream that closes without a
// finish reason was cut off and fails the turn.
func (g *Generator) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, start time.Time, send func(string) error) error {
	var buf strings.Builder
	first := true

	flush := func() error {
		rest := strings.TrimSpace(buf.String())
		buf.Reset()
		if rest == "" {
			return nil
		}
		return send(rest)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("generator: %w", provider.Unavailable(g.cfg.Provider, errCutOff))
			}
			if chunk.Text != "" {
				if first {
					first = false
					observe.ObserveSince(ctx, g.metrics.LLMTimeToFirstToken, start)
				}
				buf.WriteString(chunk.Text)
			}

			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := strings.TrimSpace(buf.String()[:idx+1])
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				if sentence == "" {
					continue
				}
				if err := send(sentence); err != nil {
					return err
				}
			}

			switch chunk.FinishReason {
			case "":
			case llm.FinishError:
				err := chunk.Err
				if err == nil {
					err = provider.Unavailable(g.cfg.Provider, errors.New("stream failed"))
				}
				return fmt.Errorf("generator: %w", err)
			default:
				return flush()
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?' that
// is immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards what is left of an abandoned stream so the provider
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
