package pipeline

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/switchboard/pkg/provider/vad/mock"
)

func newTestSegmenter(t *testing.T, window, minSpeech time.Duration) *Segmenter {
	t.Helper()
	seg, err := NewSegmenter(energy.New(), SegmenterConfig{
		VAD:                phoneVAD(),
		ContinuationWindow: window,
		MinSpeech:          minSpeech,
	})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	t.Cleanup(func() { _ = seg.Close() })
	return seg
}

func feed(t *testing.T, seg *Segmenter, chunks ...[]byte) []Boundary {
	t.Helper()
	var out []Boundary
	for _, c := range chunks {
		b, err := seg.Process(c)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

func TestSegmenter_Utterance(t *testing.T) {
	t.Parallel()

	seg := newTestSegmenter(t, 200*time.Millisecond, 40*time.Millisecond)
	got := feed(t, seg, silence(100), speech(300), silence(400))

	if len(got) != 2 {
		t.Fatalf("got %d boundaries, want 2: %+v", len(got), got)
	}
	if got[0].Kind != SpeechStart || got[0].At != 100*time.Millisecond {
		t.Errorf("start = %+v, want speech_start at 100ms", got[0])
	}
	if got[1].Kind != SpeechEnd || got[1].At != 400*time.Millisecond {
		t.Errorf("end = %+v, want speech_end at 400ms", got[1])
	}
	if seg.InSpeech() {
		t.Error("segmenter still in speech after the window elapsed")
	}
}

func TestSegmenter_PauseWithinWindowContinues(t *testing.T) {
	t.Parallel()

	seg := newTestSegmenter(t, 300*time.Millisecond, 40*time.Millisecond)
	got := feed(t, seg, speech(200), silence(200), speech(200), silence(400))

	if len(got) != 2 {
		t.Fatalf("got %d boundaries, want one utterance: %+v", len(got), got)
	}
	if got[0].Kind != SpeechStart || got[1].Kind != SpeechEnd {
		t.Errorf("boundaries = %+v", got)
	}
}

func TestSegmenter_PauseBeyondWindowSplits(t *testing.T) {
	t.Parallel()

	seg := newTestSegmenter(t, 200*time.Millisecond, 40*time.Millisecond)
	got := feed(t, seg, speech(200), silence(300), speech(200), silence(300))

	want := []BoundaryKind{SpeechStart, SpeechEnd, SpeechStart, SpeechEnd}
	if len(got) != len(want) {
		t.Fatalf("got %d boundaries, want %d: %+v", len(got), len(want), got)
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("[%d] = %s, want %s", i, got[i].Kind, k)
		}
	}
}

func TestSegmenter_ShortBurstIgnored(t *testing.T) {
	t.Parallel()

	seg := newTestSegmenter(t, 200*time.Millisecond, 100*time.Millisecond)
	if got := feed(t, seg, silence(100), speech(40), silence(400)); len(got) != 0 {
		t.Fatalf("click produced boundaries: %+v", got)
	}
}

func TestSegmenter_PartialFramesCarryOver(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	seg, err := NewSegmenter(&vadmock.Engine{Session: sess}, SegmenterConfig{VAD: phoneVAD()})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	// Chunks do not have to line up with the 160 byte VAD frames.
	for _, n := range []int{50, 50, 30} {
		if _, err := seg.Process(bytes.Repeat([]byte{0xFF}, n)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if got := len(sess.Frames()); got != 0 {
		t.Fatalf("processed %d frames before a whole frame arrived, want 0", got)
	}
	if _, err := seg.Process(bytes.Repeat([]byte{0xFF}, 40)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(sess.Frames()); got != 1 {
		t.Fatalf("processed %d frames, want 1", got)
	}
	for _, f := range sess.Frames() {
		if len(f) != 160 {
			t.Errorf("frame size = %d, want 160", len(f))
		}
	}
}

func TestSegmenter_ScriptedCaller(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Events: vadmock.Talk(5, 10)}
	eng := &vadmock.Engine{Session: sess}
	seg, err := NewSegmenter(eng, SegmenterConfig{
		VAD:                phoneVAD(),
		ContinuationWindow: 200 * time.Millisecond,
		MinSpeech:          40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	got := feed(t, seg, silence(600))
	if len(got) != 2 || got[0].At != 100*time.Millisecond || got[1].At != 300*time.Millisecond {
		t.Fatalf("boundaries = %+v, want speech from 100ms to 300ms", got)
	}
	if cfgs := eng.Configs(); len(cfgs) != 1 || cfgs[0].FrameSizeMs != 20 {
		t.Errorf("sessions opened with %+v", cfgs)
	}
	if err := seg.Close(); err != nil || !sess.Closed() {
		t.Errorf("Close = %v, closed = %v", err, sess.Closed())
	}
}

func TestSegmenter_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewSegmenter(energy.New(), SegmenterConfig{}); err == nil {
		t.Error("expected error for zero VAD config")
	}

	boom := errors.New("engine exploded")
	if _, err := NewSegmenter(&vadmock.Engine{NewSessionErr: boom}, SegmenterConfig{VAD: phoneVAD()}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	sess := &vadmock.Session{Err: vad.ErrSessionClosed}
	seg, err := NewSegmenter(&vadmock.Engine{Session: sess}, SegmenterConfig{VAD: phoneVAD()})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	if _, err := seg.Process(silence(20)); !errors.Is(err, vad.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}
