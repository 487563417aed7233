package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider"
)

var errTest = errors.New("test error")

// recorder collects state changes reported through OnStateChange.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) record(name string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, fmt.Sprintf("%s:%s->%s", name, from, to))
}

func (r *recorder) changes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func fail(cb *CircuitBreaker, n int, err error) {
	for range n {
		_ = cb.Execute(func() error { return err })
	}
}

func TestBackendFault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "caller hung up", err: fmt.Errorf("stream: %w", context.Canceled), want: false},
		{name: "rejected", err: &provider.StatusError{Provider: "groq", StatusCode: 400}, want: false},
		{name: "server error", err: &provider.StatusError{Provider: "groq", StatusCode: 503}, want: true},
		{name: "rate limited", err: &provider.StatusError{Provider: "groq", StatusCode: 429}, want: true},
		{name: "timeout", err: context.DeadlineExceeded, want: true},
		{name: "unclassified", err: errTest, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BackendFault(tt.err); got != tt.want {
				t.Errorf("BackendFault(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "deepgram"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_Opens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		err      error
		want     State
	}{
		{name: "below threshold", failures: 2, err: errTest, want: StateClosed},
		{name: "at threshold", failures: 3, err: errTest, want: StateOpen},
		{name: "rejections do not count", failures: 5, err: provider.ErrRejected, want: StateClosed},
		{name: "cancellations do not count", failures: 5, err: context.Canceled, want: StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 3, ResetTimeout: time.Hour})
			fail(cb, tt.failures, tt.err)
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRefusesCalls(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 1, ResetTimeout: time.Hour})
	fail(cb, 1, errTest)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 3})
	fail(cb, 2, errTest)
	_ = cb.Execute(func() error { return nil })
	fail(cb, 2, errTest)
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []error
		want   State
	}{
		{name: "probes succeed", probes: []error{nil, nil}, want: StateClosed},
		{name: "probe fails", probes: []error{nil, errTest}, want: StateOpen},
		{name: "rejected probe is neutral", probes: []error{provider.ErrRejected, nil, nil}, want: StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:          "elevenlabs",
				MaxFailures:   1,
				ResetTimeout:  10 * time.Millisecond,
				HalfOpenMax:   2,
				OnStateChange: rec.record,
			})
			fail(cb, 1, errTest)
			time.Sleep(20 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after reset timeout = %s, want half-open", cb.State())
			}
			for _, err := range tt.probes {
				_ = cb.Execute(func() error { return err })
			}
			if got := cb.State(); got != tt.want && !(tt.want == StateOpen && got == StateHalfOpen) {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
			changes := rec.changes()
			want := "elevenlabs:half-open->" + tt.want.String()
			if len(changes) != 3 || changes[0] != "elevenlabs:closed->open" || changes[2] != want {
				t.Errorf("state changes = %v, want closed->open, open->half-open, %s", changes, want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1})
	fail(cb, 1, errTest)
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 1, ResetTimeout: time.Hour, OnStateChange: rec.record})
	fail(cb, 1, errTest)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset = %v", err)
	}
	if got := rec.changes(); len(got) != 2 || got[1] != "groq:open->closed" {
		t.Errorf("state changes = %v", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
