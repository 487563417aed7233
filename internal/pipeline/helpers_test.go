package pipeline

import (
	"bytes"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// phoneVAD is the VAD configuration used for 8 kHz μ-law test audio.
func phoneVAD() vad.Config {
	return vad.Config{
		SampleRate:       8000,
		Encoding:         audio.EncodingMulaw,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

// speech returns ms milliseconds of loud μ-law audio at 8 kHz.
func speech(ms int) []byte {
	n := 8 * ms
	pcm := make([]byte, n*2)
	for i := range n {
		s := int16(8000)
		if (i/4)%2 == 1 {
			s = -s
		}
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return audio.PCM16ToMulaw(pcm)
}

// silence returns ms milliseconds of μ-law digital silence at 8 kHz.
func silence(ms int) []byte {
	return bytes.Repeat([]byte{0xFF}, 8*ms)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
