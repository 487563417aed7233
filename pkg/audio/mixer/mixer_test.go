package mixer_test

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/mixer"
)

// makeSegment creates a segment whose channel is pre-loaded and closed.
func makeSegment(id string, priority int, chunks ...[]byte) *audio.AudioSegment {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &audio.AudioSegment{ID: id, Audio: ch, Format: audio.TelephonyFormat, Priority: priority}
}

// makeOpenSegment creates a segment whose channel the caller controls.
func makeOpenSegment(id string, priority int) (*audio.AudioSegment, chan []byte) {
	ch := make(chan []byte, 16)
	return &audio.AudioSegment{ID: id, Audio: ch, Format: audio.TelephonyFormat, Priority: priority}, ch
}

type recorder struct {
	mu     sync.Mutex
	chunks []string
	err    error
}

func (r *recorder) output(_ *audio.AudioSegment, frame audio.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.chunks = append(r.chunks, string(frame.Data))
	return nil
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func waitIdle(t *testing.T, m *mixer.PriorityMixer) {
	t.Helper()
	select {
	case <-m.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("mixer did not become idle")
	}
}

func TestBasicPlayback(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := mixer.New(rec.output)
	defer m.Close()

	m.Enqueue(makeSegment("s1", audio.PriorityResponse, []byte("hello"), []byte("world")))
	time.Sleep(20 * time.Millisecond)
	waitIdle(t, m)

	got := rec.get()
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("chunks = %v, want [hello world]", got)
	}
	if m.Busy() {
		t.Error("Busy() = true after playback finished")
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	block, blockCh := makeOpenSegment("block", audio.PriorityResponse)
	m := mixer.New(rec.output)
	defer m.Close()

	m.Enqueue(block)
	m.Enqueue(makeSegment("a", audio.PriorityResponse, []byte("first")))
	m.Enqueue(makeSegment("b", audio.PriorityResponse, []byte("second")))
	close(blockCh)
	time.Sleep(20 * time.Millisecond)
	waitIdle(t, m)

	got := rec.get()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("chunks = %v, want [first second]", got)
	}
}

func TestApologyPreemptsResponse(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var mu sync.Mutex
	done := map[string]bool{}
	m := mixer.New(rec.output, mixer.WithSegmentDone(func(seg *audio.AudioSegment, interrupted bool) {
		mu.Lock()
		defer mu.Unlock()
		done[seg.ID] = interrupted
	}))
	defer m.Close()

	resp, respCh := makeOpenSegment("response", audio.PriorityResponse)
	m.Enqueue(resp)
	respCh <- []byte("r1")
	time.Sleep(20 * time.Millisecond)

	m.Enqueue(makeSegment("apology", audio.PriorityApology, []byte("sorry")))
	time.Sleep(20 * time.Millisecond)
	respCh <- []byte("r2")
	close(respCh)
	waitIdle(t, m)

	got := rec.get()
	if len(got) != 2 || got[0] != "r1" || got[1] != "sorry" {
		t.Fatalf("chunks = %v, want [r1 sorry]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if !done["response"] {
		t.Error("response segment not reported as interrupted")
	}
	if interrupted, ok := done["apology"]; !ok || interrupted {
		t.Errorf("apology done = (%v, %v), want completed", interrupted, ok)
	}
}

func TestInterrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reason     audio.InterruptReason
		wantQueued bool
	}{
		{name: "barge-in flushes queue", reason: audio.CallerBargeIn, wantQueued: false},
		{name: "hangup flushes queue", reason: audio.Hangup, wantQueued: false},
		{name: "preempted keeps queue", reason: audio.Preempted, wantQueued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			m := mixer.New(rec.output)
			defer m.Close()

			cur, curCh := makeOpenSegment("current", audio.PriorityResponse)
			m.Enqueue(cur)
			curCh <- []byte("c1")
			time.Sleep(20 * time.Millisecond)
			m.Enqueue(makeSegment("queued", audio.PriorityResponse, []byte("q1")))

			m.Interrupt(tt.reason)
			curCh <- []byte("c2")
			close(curCh)
			time.Sleep(20 * time.Millisecond)
			waitIdle(t, m)

			got := rec.get()
			for _, c := range got {
				if c == "c2" {
					t.Fatalf("chunk from interrupted segment played: %v", got)
				}
			}
			hasQueued := len(got) == 2 && got[1] == "q1"
			if hasQueued != tt.wantQueued {
				t.Errorf("chunks = %v, queued played = %v, want %v", got, hasQueued, tt.wantQueued)
			}
		})
	}
}

func TestOutputErrorFlushesAndReports(t *testing.T) {
	t.Parallel()

	errSend := errors.New("socket gone")
	rec := &recorder{err: errSend}
	reported := make(chan error, 1)
	m := mixer.New(rec.output, mixer.WithOutputError(func(err error) { reported <- err }))
	defer m.Close()

	m.Enqueue(makeSegment("a", audio.PriorityResponse, []byte("x")))
	m.Enqueue(makeSegment("b", audio.PriorityResponse, []byte("y")))

	select {
	case err := <-reported:
		if !errors.Is(err, errSend) {
			t.Errorf("reported %v, want %v", err, errSend)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output error not reported")
	}
	waitIdle(t, m)
}

func TestQueueOrdersByPriority(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := mixer.New(rec.output)
	defer m.Close()

	// Nothing queued below the playing apology may preempt it.
	apology, apologyCh := makeOpenSegment("apology", audio.PriorityApology)
	m.Enqueue(apology)
	apologyCh <- []byte("sorry")
	time.Sleep(20 * time.Millisecond)

	m.Enqueue(makeSegment("r1", audio.PriorityResponse, []byte("r1")))
	m.Enqueue(makeSegment("hold", 5, []byte("hold")))
	m.Enqueue(makeSegment("r2", audio.PriorityResponse, []byte("r2")))
	close(apologyCh)
	time.Sleep(20 * time.Millisecond)
	waitIdle(t, m)

	got := rec.get()
	want := []string{"sorry", "hold", "r1", "r2"}
	if !slices.Equal(got, want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
}

func TestIdleInitiallyClosed(t *testing.T) {
	t.Parallel()

	m := mixer.New((&recorder{}).output)
	defer m.Close()
	select {
	case <-m.Idle():
	default:
		t.Fatal("new mixer is not idle")
	}
}

func TestCloseIdempotentAndEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := mixer.New(rec.output)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	m.Enqueue(makeSegment("late", audio.PriorityResponse, []byte("late")))
	time.Sleep(20 * time.Millisecond)
	if got := rec.get(); len(got) != 0 {
		t.Errorf("chunks after close = %v, want none", got)
	}
	if m.Busy() {
		t.Error("Busy() = true after close")
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := mixer.New(rec.output)
	defer m.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enqueue(makeSegment("seg", audio.PriorityResponse, []byte{byte(i)}))
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	waitIdle(t, m)

	if got := rec.get(); len(got) != 20 {
		t.Errorf("played %d chunks, want 20", len(got))
	}
}
