package codec

import (
	"sync"
	"time"
)

// BitrateTracker measures the bitrate over a sliding window. It is safe for
// concurrent use.
type BitrateTracker struct {
	windowSize time.Duration

	mu    sync.Mutex
	sizes []int
	times []time.Time
	total int
}

func NewBitrateTracker(windowSize time.Duration) *BitrateTracker {
	return &BitrateTracker{
		windowSize: windowSize,
	}
}

// AddFrame records a frame of sizeBytes sent at timestamp. Timestamps must
// not go backwards.
func (bt *BitrateTracker) AddFrame(sizeBytes int, timestamp time.Time) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.sizes = append(bt.sizes, sizeBytes)
	bt.times = append(bt.times, timestamp)
	bt.total += sizeBytes

	cutoff := timestamp.Add(-bt.windowSize)
	i := 0
	for ; i < len(bt.times) && !bt.times[i].After(cutoff); i++ {
		bt.total -= bt.sizes[i]
	}
	bt.sizes = bt.sizes[i:]
	bt.times = bt.times[i:]
}

// GetBitrate returns bits per second over the frames in the window, or 0
// with fewer than two frames.
func (bt *BitrateTracker) GetBitrate() float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if len(bt.times) < 2 {
		return 0
	}
	duration := bt.times[len(bt.times)-1].Sub(bt.times[0]).Seconds()
	if duration <= 0 {
		return 0
	}
	return float64(bt.total*8) / duration
}
