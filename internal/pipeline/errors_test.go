package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
)

func TestTurnFailureAction(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name     string
		err      error
		failures int
		want     failureAction
	}{
		{name: "rejected first", err: provider.Rejected("groq", boom), failures: 1, want: skipTurn},
		{name: "unavailable first", err: provider.Unavailable("groq", boom), failures: 1, want: skipTurn},
		{name: "protocol first", err: provider.Protocol("deepgram", boom), failures: 1, want: skipTurn},
		{name: "status 503", err: &provider.StatusError{Provider: "deepgram", StatusCode: 503}, failures: 1, want: skipTurn},
		{name: "limit reached", err: provider.Unavailable("groq", boom), failures: 2, want: endCall},
		{name: "unclassified", err: boom, failures: 1, want: endCall},
		{name: "transport", err: fmt.Errorf("write: %w", audio.ErrTransport), failures: 1, want: endCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := turnFailureAction(tt.err, tt.failures, 2); got != tt.want {
				t.Errorf("turnFailureAction(%v, %d) = %d, want %d", tt.err, tt.failures, got, tt.want)
			}
		})
	}
}
