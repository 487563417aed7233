package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "no overflow", in: []int16{32767, 32767}, want: []int16{32767}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tt.in)))
			if len(got) != len(tt.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// tone returns ms milliseconds of a 440 Hz sine at rate as 16-bit PCM.
func tone(rate, ms int) []byte {
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return samplesToBytes(samples)
}

func TestResampler_StreamLength(t *testing.T) {
	tests := []struct {
		name     string
		src, dst int
	}{
		{name: "16k TTS to phone rate", src: 16000, dst: 8000},
		{name: "24k TTS to phone rate", src: 24000, dst: 8000},
		{name: "phone rate to 16k", src: 8000, dst: 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := audio.NewResampler(tt.src, tt.dst, 1)
			if err != nil {
				t.Fatalf("NewResampler: %v", err)
			}
			// One second in 20 ms chunks, the way TTS audio arrives.
			var total int
			for range 50 {
				out, err := r.Process(tone(tt.src, 20))
				if err != nil {
					t.Fatalf("Process: %v", err)
				}
				total += len(out) / 2
			}
			// The filter holds back a few milliseconds of audio.
			if total > tt.dst+tt.dst/100 || total < tt.dst*9/10 {
				t.Errorf("resampled 1s to %d samples, want about %d", total, tt.dst)
			}
		})
	}
}

func TestNewResampler_InvalidRates(t *testing.T) {
	for _, rates := range [][2]int{{0, 8000}, {16000, 0}, {-1, 8000}} {
		if _, err := audio.NewResampler(rates[0], rates[1], 1); err == nil {
			t.Errorf("NewResampler(%d, %d) succeeded", rates[0], rates[1])
		}
	}
}

func TestMulawRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	decoded := bytesToSamples(audio.MulawToPCM16(audio.PCM16ToMulaw(samplesToBytes(samples))))
	if len(decoded) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(decoded), len(samples))
	}
	for i, s := range samples {
		diff := int(decoded[i]) - int(s)
		if diff < 0 {
			diff = -diff
		}
		// μ-law quantisation error grows with magnitude; 1/16 of the value
		// plus the smallest step bounds it.
		tol := int(s)/16 + 8
		if tol < 0 {
			tol = -tol + 16
		}
		if diff > tol {
			t.Errorf("sample %d: %d decoded as %d (diff %d > %d)", i, s, decoded[i], diff, tol)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	// 0xFF is μ-law silence.
	got := bytesToSamples(audio.MulawToPCM16([]byte{0xFF, 0xFF}))
	for i, s := range got {
		if s != 0 {
			t.Errorf("sample %d = %d, want 0", i, s)
		}
	}
	if enc := audio.PCM16ToMulaw(samplesToBytes([]int16{0})); enc[0] != 0xFF {
		t.Errorf("PCM16ToMulaw(0) = %#x, want 0xff", enc[0])
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.TelephonyFormat}
	frame := audio.AudioFrame{Data: []byte{1, 2, 3}, Encoding: audio.EncodingMulaw, SampleRate: 8000, Channels: 1}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestFormatConverter_PCMToTelephony(t *testing.T) {
	// 16 kHz PCM from a TTS backend becomes 8 kHz μ-law for the phone leg.
	conv := audio.FormatConverter{Target: audio.TelephonyFormat}
	pcm := tone(16000, 500)
	var total int
	for off := 0; off < len(pcm); off += 640 {
		result := conv.Convert(audio.AudioFrame{
			Data:       pcm[off : off+640],
			Encoding:   audio.EncodingPCM16,
			SampleRate: 16000,
			Channels:   1,
		})
		if result.Format() != audio.TelephonyFormat {
			t.Fatalf("format = %s, want %s", result.Format(), audio.TelephonyFormat)
		}
		total += len(result.Data)
	}
	// One μ-law byte per 8 kHz sample, less the filter delay.
	if total > 4040 || total < 3600 {
		t.Errorf("got %d μ-law bytes for 500ms, want about 4000", total)
	}
}

func TestFormatConverter_MulawToPCM(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000, Channels: 1}}
	frame := audio.AudioFrame{Data: []byte{0xFF, 0xFF, 0xFF, 0xFF}, Encoding: audio.EncodingMulaw, SampleRate: 8000, Channels: 1}
	got := bytesToSamples(conv.Convert(frame).Data)
	if len(got) != 4 {
		t.Fatalf("got %d PCM samples, want 4", len(got))
	}
	for i, s := range got {
		if s != 0 {
			t.Errorf("sample %d = %d, want silence", i, s)
		}
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	tests := []struct {
		name  string
		frame audio.AudioFrame
	}{
		{name: "needs conversion", frame: audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}},
		{name: "matching format", frame: audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 8000, Channels: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := audio.FormatConverter{Target: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000, Channels: 1}}
			result := conv.Convert(tt.frame)
			if len(result.Data) != 0 {
				t.Errorf("expected empty data, got %d bytes", len(result.Data))
			}
			if result.SampleRate != 8000 {
				t.Errorf("expected target sample rate, got %d", result.SampleRate)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	if got := audio.TelephonyFormat.Duration(8000); got.Seconds() != 1 {
		t.Errorf("Duration(8000) = %v, want 1s", got)
	}
	pcm := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1}
	if got := pcm.Duration(16000); got.Milliseconds() != 500 {
		t.Errorf("Duration(16000) = %v, want 500ms", got)
	}
}
