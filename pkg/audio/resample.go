package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler changes the sample rate of a stream of 16-bit PCM. The filter
// state carries over from one chunk to the next, so chunk edges stay
// inaudible. Output lags input by the filter delay.
//
// A Resampler belongs to one stream and is not safe for concurrent use.
type Resampler struct {
	r        resampling.Resampler
	channels int
}

// NewResampler returns a resampler for interleaved PCM with the given
// channel count.
func NewResampler(srcRate, dstRate, channels int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: cannot resample %d Hz to %d Hz", srcRate, dstRate)
	}
	channels = max(channels, 1)
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: new resampler: %w", err)
	}
	return &Resampler{r: r, channels: channels}, nil
}

// Process resamples pcm. Samples of an incomplete trailing frame are
// ignored.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	n := len(pcm) / 2
	n -= n % r.channels
	if n == 0 {
		return nil, nil
	}
	in := make([]float64, n)
	for i := range in {
		in[i] = float64(sampleAt(pcm, i)) / 32768
	}
	out, err := r.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	buf := make([]byte, len(out)*2)
	for i, v := range out {
		putSample(buf, i, clamp16(int32(v*32768)))
	}
	return buf, nil
}
