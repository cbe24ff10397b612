package audio

import (
	"log/slog"
	"math"
	"sync"
)

// RMS returns the root-mean-square energy of 16-bit little-endian PCM on the
// int16 scale (0 … 32768). An empty or single-byte buffer has zero energy.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// RateConverter resamples mono frames to a fixed target rate. It logs a
// warning on the first rate mismatch and drops frames with misaligned PCM.
// Create one per stream; not designed for shared use across goroutines.
type RateConverter struct {
	Target         int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame resampled to the target rate. Frames already at the
// target rate (or with an unknown rate) are returned unchanged.
func (c *RateConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio rate converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
			)
		})
		return AudioFrame{SampleRate: c.Target, Channels: frame.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate <= 0 || c.Target <= 0 || frame.SampleRate == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from", frame.SampleRate,
			"to", c.Target,
		)
	})

	return AudioFrame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, c.Target),
		SampleRate: c.Target,
		Channels:   frame.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
