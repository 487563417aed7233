// Package provider holds what the STT, LLM, TTS and VAD backends share: the
// error taxonomy the call pipeline uses to decide between skipping a turn,
// retrying, and ending the call.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRejected marks a request the backend refused (bad input, content
	// filter, auth). Retrying the same request will not help; the pipeline
	// skips the turn and keeps the call alive.
	ErrRejected = errors.New("backend rejected request")

	// ErrUnavailable marks a backend that could not be reached or failed
	// transiently (timeouts, 5xx, rate limits, dropped streams). The pipeline
	// retries a bounded number of times.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrProtocol marks a malformed or unexpected message from the backend.
	// It is treated like ErrUnavailable.
	ErrProtocol = errors.New("backend protocol violation")
)

// Kind is the coarse classification of a backend failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindRejected
	KindUnavailable
	KindProtocol
)

// String returns the name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Classify returns the Kind of err. Protocol violations are reported as
// KindProtocol even though they also match ErrUnavailable.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// StatusError is a non-success HTTP or websocket status returned by a
// backend. It unwraps to ErrRejected or ErrUnavailable depending on the code.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "…"
	}
	if body == "" {
		return fmt.Sprintf("%s: status %d %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, body)
}

// Unwrap maps the status code onto the taxonomy: 408, 429 and 5xx are
// transient, any other 4xx is a rejection.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return ErrUnavailable
	case e.StatusCode >= 400:
		return ErrRejected
	default:
		return ErrProtocol
	}
}

// protocolError is a protocol violation. It matches both ErrProtocol and
// ErrUnavailable.
type protocolError struct {
	provider string
	err      error
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.provider, ErrProtocol, e.err)
}

func (e *protocolError) Unwrap() []error {
	return []error{ErrProtocol, ErrUnavailable, e.err}
}

// Protocol wraps err as a protocol violation reported by the named provider.
func Protocol(providerName string, err error) error {
	return &protocolError{provider: providerName, err: err}
}

// Unavailable wraps err as a transient failure of the named provider.
func Unavailable(providerName string, err error) error {
	return fmt.Errorf("%s: %w: %w", providerName, ErrUnavailable, err)
}

// Rejected wraps err as a rejection by the named provider.
func Rejected(providerName string, err error) error {
	return fmt.Errorf("%s: %w: %w", providerName, ErrRejected, err)
}
