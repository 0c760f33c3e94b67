package codec

import (
	"math"
	"time"
)

// SamplerFunc returns how many clock ticks the sample stamped pts lasts.
type SamplerFunc func(pts time.Duration) uint32

// NewVideoSampler derives each frame's duration from the gap between
// consecutive presentation timestamps. The first frame gets one frame
// period at frameRate.
func NewVideoSampler(clockRate uint32, frameRate float32) SamplerFunc {
	rate := float64(clockRate)
	var last time.Duration
	first := true

	return func(pts time.Duration) uint32 {
		if first {
			first = false
			last = pts
			if frameRate <= 0 {
				return 0
			}
			return uint32(math.Round(rate / float64(frameRate)))
		}

		d := pts - last
		last = pts
		if d < 0 {
			d = 0
		}
		return uint32(math.Round(rate * d.Seconds()))
	}
}

// NewAudioSampler gives every chunk the same fixed duration.
func NewAudioSampler(clockRate uint32, latency time.Duration) SamplerFunc {
	samples := uint32(math.Round(float64(clockRate) * latency.Seconds()))
	return func(time.Duration) uint32 {
		return samples
	}
}
