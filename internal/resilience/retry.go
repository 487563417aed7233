package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider"
)

// Default retry parameters.
const (
	defaultRetryBackoff    = 100 * time.Millisecond
	defaultRetryMaxBackoff = 2 * time.Second
)

// RetryConfig bounds [Retry].
type RetryConfig struct {
	// Name labels log lines, usually the provider name.
	Name string

	// Attempts is the number of retries after the first call. Zero means the
	// operation runs exactly once.
	Attempts int

	// Backoff is the wait before the first retry. It doubles on every attempt
	// up to MaxBackoff. Defaults to 100ms. A negative value retries without
	// waiting.
	Backoff time.Duration

	// MaxBackoff caps the wait between retries. Defaults to 2s.
	MaxBackoff time.Duration
}

// Retry runs fn until it succeeds, returns an error that is not
// [provider.Retryable], the attempts are used up, or ctx is done. It returns
// the last error from fn, or ctx.Err() when the context ended the wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultRetryBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultRetryMaxBackoff
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !provider.Retryable(err) || attempt >= cfg.Attempts || ctx.Err() != nil {
			return err
		}

		slog.Warn("retrying after provider error",
			"provider", cfg.Name,
			"attempt", attempt+1,
			"max_attempts", cfg.Attempts,
			"backoff", max(backoff, 0),
			"err", err,
		)

		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// RetryWithResult is [Retry] for operations that produce a value.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
