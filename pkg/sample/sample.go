// Package sample defines the immutable media unit drained out of a capture
// graph: planar I420 video frames and interleaved S16LE audio chunks.
package sample

import (
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"github.com/syncflow/mediacore/pkg/wave"
)

// Kind tags a sample as video or audio.
type Kind int

const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Canonical formats.
const (
	FormatI420  = "I420"
	FormatS16LE = "S16LE"
)

// Sample is never modified after construction. Data must not be written to
// by consumers.
type Sample struct {
	// Seq is assigned by the bridge and strictly increases per bridge.
	Seq      uint64
	Kind     Kind
	PTS      time.Duration
	Duration time.Duration
	// Data holds the Y, U and V planes back to back for video, and
	// interleaved little endian int16 PCM for audio.
	Data []byte

	Width, Height int

	SampleRate, Channels int
}

// Format names the layout of Data.
func (s Sample) Format() string {
	if s.Kind == KindAudio {
		return FormatS16LE
	}
	return FormatI420
}

// NewVideo packs img into a video sample. img must be 4:2:0.
func NewVideo(img *image.YCbCr, pts, duration time.Duration) (Sample, error) {
	if img.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return Sample{}, fmt.Errorf("sample: expected 4:2:0, got %s", img.SubsampleRatio)
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	cw, ch := (w+1)/2, (h+1)/2
	data := make([]byte, 0, w*h+2*cw*ch)
	for y := 0; y < h; y++ {
		data = append(data, img.Y[y*img.YStride:y*img.YStride+w]...)
	}
	for _, plane := range [][]byte{img.Cb, img.Cr} {
		for y := 0; y < ch; y++ {
			data = append(data, plane[y*img.CStride:y*img.CStride+cw]...)
		}
	}

	return Sample{
		Kind:     KindVideo,
		PTS:      pts,
		Duration: duration,
		Data:     data,
		Width:    w,
		Height:   h,
	}, nil
}

// NewAudio packs a into an audio sample. The duration follows from the
// chunk length and rate.
func NewAudio(a *wave.Int16Interleaved, pts time.Duration) Sample {
	data := make([]byte, 2*len(a.Data))
	for i, v := range a.Data {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}

	var d time.Duration
	if a.Size.SamplingRate > 0 {
		d = time.Duration(a.Size.Len) * time.Second / time.Duration(a.Size.SamplingRate)
	}

	return Sample{
		Kind:       KindAudio,
		PTS:        pts,
		Duration:   d,
		Data:       data,
		SampleRate: a.Size.SamplingRate,
		Channels:   a.Size.Channels,
	}
}

// Planes returns views of the Y, U and V planes of a video sample.
func (s Sample) Planes() (y, u, v []byte, err error) {
	if s.Kind != KindVideo {
		return nil, nil, nil, fmt.Errorf("sample: %s sample has no planes", s.Kind)
	}

	ys := s.Width * s.Height
	cs := ((s.Width + 1) / 2) * ((s.Height + 1) / 2)
	if len(s.Data) != ys+2*cs {
		return nil, nil, nil, fmt.Errorf("sample: %dx%d I420 needs %d bytes, got %d", s.Width, s.Height, ys+2*cs, len(s.Data))
	}
	return s.Data[:ys], s.Data[ys : ys+cs], s.Data[ys+cs:], nil
}

// Image views a video sample as an image. The image shares Data.
func (s Sample) Image() (*image.YCbCr, error) {
	y, u, v, err := s.Planes()
	if err != nil {
		return nil, err
	}
	return &image.YCbCr{
		Y:              y,
		Cb:             u,
		Cr:             v,
		YStride:        s.Width,
		CStride:        (s.Width + 1) / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, s.Width, s.Height),
	}, nil
}

// PCM decodes the samples of an audio sample.
func (s Sample) PCM() []int16 {
	if s.Kind != KindAudio {
		return nil
	}
	out := make([]int16, len(s.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(s.Data[2*i:]))
	}
	return out
}

// SamplesPerChannel returns the number of audio frames in the sample.
func (s Sample) SamplesPerChannel() int {
	if s.Kind != KindAudio || s.Channels == 0 {
		return 0
	}
	return len(s.Data) / 2 / s.Channels
}
