package energy

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// tone returns n samples of a square wave at the given amplitude.
func tone(n int, amplitude int16) []byte {
	pcm := make([]byte, n*2)
	for i := range n {
		s := amplitude
		if (i/4)%2 == 1 {
			s = -amplitude
		}
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

func phoneConfig() vad.Config {
	return vad.Config{
		SampleRate:       8000,
		Encoding:         audio.EncodingMulaw,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

func TestSession_Hysteresis(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(phoneConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := audio.PCM16ToMulaw(tone(160, 8000))
	medium := audio.PCM16ToMulaw(tone(160, 850)) // between the thresholds
	quiet := bytes.Repeat([]byte{0xFF}, 160)

	steps := []struct {
		name  string
		frame []byte
		want  vad.VADEventType
	}{
		{"silence", quiet, vad.VADSilence},
		{"medium while silent", medium, vad.VADSilence},
		{"loud starts", loud, vad.VADSpeechStart},
		{"loud continues", loud, vad.VADSpeechContinue},
		{"medium keeps speech", medium, vad.VADSpeechContinue},
		{"quiet ends", quiet, vad.VADSpeechEnd},
		{"quiet stays silent", quiet, vad.VADSilence},
	}
	for _, st := range steps {
		ev, err := sess.ProcessFrame(st.frame)
		if err != nil {
			t.Fatalf("%s: ProcessFrame: %v", st.name, err)
		}
		if ev.Type != st.want {
			t.Errorf("%s: got %s (p=%.2f), want %s", st.name, ev.Type, ev.Probability, st.want)
		}
	}
}

func TestSession_PCM16(t *testing.T) {
	t.Parallel()

	cfg := vad.Config{SampleRate: 16000, FrameSizeMs: 10, SpeechThreshold: 0.5, SilenceThreshold: 0.3}
	sess, err := New(WithReferenceRMS(0.1)).NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ev, err := sess.ProcessFrame(tone(160, 6000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart || ev.Probability != 1 {
		t.Errorf("got %+v, want capped speech start", ev)
	}
}

func TestSession_FrameSizeAndClose(t *testing.T) {
	t.Parallel()

	sess, _ := New().NewSession(phoneConfig())
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	sess.Reset()
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(make([]byte, 160)); !errors.Is(err, vad.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*vad.Config)
	}{
		{"zero rate", func(c *vad.Config) { c.SampleRate = 0 }},
		{"zero frame", func(c *vad.Config) { c.FrameSizeMs = 0 }},
		{"bad encoding", func(c *vad.Config) { c.Encoding = "opus" }},
		{"speech above one", func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{"silence above speech", func(c *vad.Config) { c.SilenceThreshold = 0.8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := phoneConfig()
			tt.mut(&cfg)
			if _, err := New().NewSession(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
