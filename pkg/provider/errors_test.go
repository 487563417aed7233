package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/switchboard/pkg/provider"
)

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want provider.Kind
	}{
		{400, provider.KindRejected},
		{401, provider.KindRejected},
		{404, provider.KindRejected},
		{408, provider.KindUnavailable},
		{422, provider.KindRejected},
		{429, provider.KindUnavailable},
		{500, provider.KindUnavailable},
		{503, provider.KindUnavailable},
		{302, provider.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("speak: %w", &provider.StatusError{Provider: "deepgram", StatusCode: tt.code, Body: "nope"})
			if got := provider.Classify(err); got != tt.want {
				t.Errorf("Classify(%d) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	t.Parallel()

	err := &provider.StatusError{Provider: "deepgram", StatusCode: 400, Body: ` {"err_msg":"bad"} `}
	if got, want := err.Error(), `deepgram: status 400: {"err_msg":"bad"}`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	empty := &provider.StatusError{Provider: "elevenlabs", StatusCode: 503}
	if got, want := empty.Error(), "elevenlabs: status 503 Service Unavailable"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestProtocolMatchesUnavailable(t *testing.T) {
	t.Parallel()

	cause := errors.New("unexpected frame")
	err := provider.Protocol("deepgram", cause)
	for _, target := range []error{provider.ErrProtocol, provider.ErrUnavailable, cause} {
		if !errors.Is(err, target) {
			t.Errorf("errors.Is(%v, %v) = false", err, target)
		}
	}
	if provider.Classify(err) != provider.KindProtocol {
		t.Errorf("Classify = %s, want protocol", provider.Classify(err))
	}
	if !provider.Retryable(err) {
		t.Error("protocol violation should be retryable")
	}
}

func TestWrappers(t *testing.T) {
	t.Parallel()

	if k := provider.Classify(provider.Rejected("openai", errors.New("content filter"))); k != provider.KindRejected {
		t.Errorf("Rejected classified as %s", k)
	}
	un := provider.Unavailable("groq", context.DeadlineExceeded)
	if k := provider.Classify(un); k != provider.KindUnavailable {
		t.Errorf("Unavailable classified as %s", k)
	}
	if !errors.Is(un, context.DeadlineExceeded) {
		t.Error("Unavailable lost the cause")
	}
	if provider.Classify(errors.New("plain")) != provider.KindUnknown {
		t.Error("plain error should be unknown")
	}
	if provider.Retryable(provider.Rejected("x", errors.New("y"))) {
		t.Error("rejection should not be retryable")
	}
}
