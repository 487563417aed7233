package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the sample encoding of an audio payload.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "linear16"

	// EncodingMulaw is 8-bit G.711 μ-law, the native format of telephone
	// media streams.
	EncodingMulaw Encoding = "mulaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingMulaw
}

// BytesPerSample returns the number of bytes one mono sample occupies.
func (e Encoding) BytesPerSample() int {
	if e == EncodingMulaw {
		return 1
	}
	return 2
}

// Format describes the encoding, sample rate and channel count of a stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// String returns a human-readable description such as "mulaw 8000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

// BytesPerSecond returns the payload rate of the format.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * f.Encoding.BytesPerSample()
}

// Duration returns the playback length of n payload bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// TelephonyFormat is 8 kHz mono μ-law, the format carried by phone media streams.
var TelephonyFormat = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}

// AudioFrame represents a single frame of audio data flowing between the
// transport and the pipeline.
type AudioFrame struct {
	// Data is the encoded audio payload.
	Data []byte

	// Encoding of Data. The zero value is treated as EncodingPCM16.
	Encoding Encoding

	// SampleRate in Hz (8000 for phone audio, 16000 for wideband STT).
	SampleRate int

	// Channels is 1 for mono phone audio.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the format of the frame.
func (f AudioFrame) Format() Format {
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return Format{Encoding: enc, SampleRate: f.SampleRate, Channels: f.Channels}
}
