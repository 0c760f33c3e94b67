package publish

import (
	"fmt"

	"github.com/syncflow/mediacore/pkg/sample"
)

// VideoFrame is a planar I420 picture.
type VideoFrame struct {
	Width, Height int
	Y, U, V       []byte
}

// AudioFrame is a chunk of interleaved signed 16 bit PCM.
type AudioFrame struct {
	SampleRate        int
	Channels          int
	SamplesPerChannel int
	Data              []int16
}

// Frame is what a Session transmits. Exactly one of Video and Audio is set.
type Frame struct {
	Kind sample.Kind
	// Timestamp and Duration are in microseconds.
	Timestamp int64
	Duration  int64
	Video     *VideoFrame
	Audio     *AudioFrame
}

// NewFrame repackages a bridge sample for transmission. The video planes
// share the sample's memory.
func NewFrame(s sample.Sample) (Frame, error) {
	f := Frame{
		Kind:      s.Kind,
		Timestamp: s.PTS.Microseconds(),
		Duration:  s.Duration.Microseconds(),
	}

	switch s.Kind {
	case sample.KindVideo:
		y, u, v, err := s.Planes()
		if err != nil {
			return Frame{}, err
		}
		cw, ch := (s.Width+1)/2, (s.Height+1)/2
		if len(y) != s.Width*s.Height || len(u) != cw*ch || len(v) != cw*ch {
			return Frame{}, fmt.Errorf("publish: plane sizes %d/%d/%d do not match %dx%d", len(y), len(u), len(v), s.Width, s.Height)
		}
		f.Video = &VideoFrame{Width: s.Width, Height: s.Height, Y: y, U: u, V: v}

	case sample.KindAudio:
		if s.Channels <= 0 || len(s.Data)%(2*s.Channels) != 0 {
			return Frame{}, fmt.Errorf("publish: %d bytes of PCM do not fit %d channels", len(s.Data), s.Channels)
		}
		f.Audio = &AudioFrame{
			SampleRate:        s.SampleRate,
			Channels:          s.Channels,
			SamplesPerChannel: s.SamplesPerChannel(),
			Data:              s.PCM(),
		}

	default:
		return Frame{}, fmt.Errorf("publish: unknown sample kind %s", s.Kind)
	}

	return f, nil
}
