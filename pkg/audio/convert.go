package audio

import (
	"log/slog"
	"math"
	"sync"
)

// FormatConverter converts the frames of one stream to Target: μ-law is
// decoded, the rate changed with a [Resampler], channels mixed and the
// result re-encoded. A converter keeps resampler state between frames, so
// use one per stream and from one goroutine.
type FormatConverter struct {
	Target Format

	resampler    *Resampler
	resampleFrom Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
	warnedResample sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: decode, resample, channel convert, encode.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := frame.Format()
	target := c.Target
	if target.Encoding == "" {
		target.Encoding = EncodingPCM16
	}

	if src.Encoding == EncodingPCM16 && len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", src.String(),
			)
		})
		return AudioFrame{Encoding: target.Encoding, SampleRate: target.SampleRate, Channels: target.Channels, Timestamp: frame.Timestamp}
	}

	if src == target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting", "from", src.String(), "to", target.String())
	})

	pcm := frame.Data
	if src.Encoding == EncodingMulaw {
		pcm = MulawToPCM16(pcm)
	}

	if src.SampleRate != target.SampleRate && src.SampleRate > 0 && target.SampleRate > 0 {
		pcm = c.resample(pcm, src, target.SampleRate)
	}

	if src.Channels != target.Channels {
		switch {
		case src.Channels == 1 && target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case src.Channels == 2 && target.Channels == 1:
			pcm = StereoToMono(pcm)
		}
	}

	if target.Encoding == EncodingMulaw {
		pcm = PCM16ToMulaw(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		Encoding:   target.Encoding,
		SampleRate: target.SampleRate,
		Channels:   target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// resample runs pcm through the stream's resampler, creating it on first
// use or when the source format changes. Failures drop the audio.
func (c *FormatConverter) resample(pcm []byte, src Format, dstRate int) []byte {
	if c.resampler == nil || c.resampleFrom != src {
		r, err := NewResampler(src.SampleRate, dstRate, src.Channels)
		if err != nil {
			c.warnResample(err)
			return nil
		}
		c.resampler, c.resampleFrom = r, src
	}
	out, err := c.resampler.Process(pcm)
	if err != nil {
		c.warnResample(err)
		return nil
	}
	return out
}

func (c *FormatConverter) warnResample(err error) {
	c.warnedResample.Do(func() {
		slog.Warn("audio format converter: resampling failed, dropping audio", "err", err)
	})
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// RMS16 returns the root-mean-square level of 16-bit PCM, normalised to
// [0, 1].
func RMS16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i)) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
