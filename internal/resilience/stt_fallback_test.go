package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	sttmock "github.com/MrWong99/switchboard/pkg/provider/stt/mock"
	"github.com/MrWong99/switchboard/pkg/types"
)

var phoneStream = stt.StreamConfig{
	SampleRate: 8000,
	Channels:   1,
	Encoding:   audio.EncodingMulaw,
}

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	errDown := provider.Unavailable("deepgram", errors.New("connection refused"))

	tests := []struct {
		name         string
		primaryErr   error
		secondaryErr error
		wantSession  string // "primary", "secondary" or "" for an error
		wantErr      error
		wantCalls    [2]int
	}{
		{
			name:        "primary answers",
			wantSession: "primary",
			wantCalls:   [2]int{1, 0},
		},
		{
			name:        "primary down",
			primaryErr:  errDown,
			wantSession: "secondary",
			wantCalls:   [2]int{1, 1},
		},
		{
			name:        "primary rejects the stream config",
			primaryErr:  provider.Rejected("deepgram", errors.New("unsupported encoding")),
			wantSession: "secondary",
			wantCalls:   [2]int{1, 1},
		},
		{
			name:         "both down",
			primaryErr:   errDown,
			secondaryErr: errDown,
			wantErr:      provider.ErrUnavailable,
			wantCalls:    [2]int{1, 1},
		},
		{
			name:       "call hung up while connecting",
			primaryErr: context.Canceled,
			wantErr:    context.Canceled,
			wantCalls:  [2]int{1, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sessions := map[string]*sttmock.Session{
				"primary":   sttmock.NewSession(),
				"secondary": sttmock.NewSession(),
			}
			primary := &sttmock.Provider{Session: sessions["primary"], StartStreamErr: tt.primaryErr}
			secondary := &sttmock.Provider{Session: sessions["secondary"], StartStreamErr: tt.secondaryErr}

			fb := NewSTTFallback(primary, "deepgram", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("deepgram-eu", secondary)

			handle, err := fb.StartStream(context.Background(), phoneStream)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StartStream error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("StartStream: %v", err)
				}
				if handle != sessions[tt.wantSession] {
					t.Errorf("stream not opened on the %s backend", tt.wantSession)
				}
				_ = handle.Close()
			}

			got := [2]int{primary.StartStreamCallCount(), secondary.StartStreamCallCount()}
			if got != tt.wantCalls {
				t.Errorf("StartStream calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestSTTFallback_ForwardsStreamConfig(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{Session: sttmock.NewSession()}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	cfg := phoneStream
	cfg.Keywords = []types.KeywordBoost{{Keyword: "sourdough", Boost: 2}}
	if _, err := fb.StartStream(context.Background(), cfg); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	got := secondary.StartStreamCalls[0].Cfg
	if got.Encoding != audio.EncodingMulaw || got.SampleRate != 8000 || len(got.Keywords) != 1 {
		t.Errorf("stream config not forwarded: %+v", got)
	}
}

func TestSTTFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{Session: sttmock.NewSession()}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		if _, err := fb.StartStream(context.Background(), phoneStream); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
	}
	if n := primary.StartStreamCallCount(); n != 1 {
		t.Errorf("primary tried %d times, want once before its circuit opened", n)
	}
	if st := fb.States()["primary"]; st != StateOpen {
		t.Errorf("primary state = %v, want open", st)
	}
}
