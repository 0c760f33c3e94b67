// Package prop describes the capability tuples a capture device advertises
// and a pipeline is built for.
package prop

import (
	"fmt"
	"time"

	"github.com/syncflow/mediacore/pkg/frame"
)

// Media is one capability tuple. Exactly one of Video or Audio is set for a
// device capability; DeviceID is informational and never part of the tuple
// identity.
type Media struct {
	DeviceID string
	Video
	Audio
}

// Video describes a raw or compressed video mode.
type Video struct {
	Width, Height int
	FrameRate     float32
	FrameFormat   frame.Format
}

// Audio describes an interleaved PCM mode.
type Audio struct {
	ChannelCount int
	SampleRate   int
	// SampleSize is the number of bytes per sample of one channel.
	SampleSize int
	IsFloat    bool
	Latency    time.Duration
}

// IsVideo reports whether p describes a video mode.
func (p Media) IsVideo() bool {
	return p.Width > 0 && p.Height > 0
}

// IsAudio reports whether p describes an audio mode.
func (p Media) IsAudio() bool {
	return !p.IsVideo() && p.SampleRate > 0 && p.ChannelCount > 0
}

// Key identifies the tuple. Two tuples with the same key are the same
// capability.
func (p Media) Key() string {
	if p.IsVideo() {
		return fmt.Sprintf("video/%dx%d@%g/%s", p.Width, p.Height, p.FrameRate, p.FrameFormat)
	}

	kind := "s"
	if p.IsFloat {
		kind = "f"
	}
	return fmt.Sprintf("audio/%dch@%d/%s%d", p.ChannelCount, p.SampleRate, kind, p.SampleSize*8)
}

// Equal compares the capability part of p and o.
func (p Media) Equal(o Media) bool {
	return p.Key() == o.Key()
}

func (p Media) String() string {
	if p.DeviceID == "" {
		return p.Key()
	}
	return p.DeviceID + ":" + p.Key()
}

// Merge copies every non-zero field of o into p.
func (p *Media) Merge(o Media) {
	if o.DeviceID != "" {
		p.DeviceID = o.DeviceID
	}
	if o.Width != 0 {
		p.Width = o.Width
	}
	if o.Height != 0 {
		p.Height = o.Height
	}
	if o.FrameRate != 0 {
		p.FrameRate = o.FrameRate
	}
	if o.FrameFormat != "" {
		p.FrameFormat = o.FrameFormat
	}
	if o.ChannelCount != 0 {
		p.ChannelCount = o.ChannelCount
	}
	if o.SampleRate != 0 {
		p.SampleRate = o.SampleRate
	}
	if o.SampleSize != 0 {
		p.SampleSize = o.SampleSize
		p.IsFloat = o.IsFloat
	}
	if o.Latency != 0 {
		p.Latency = o.Latency
	}
}

// Contains reports whether want is one of caps.
func Contains(caps []Media, want Media) bool {
	for _, c := range caps {
		if c.Equal(want) {
			return true
		}
	}
	return false
}
