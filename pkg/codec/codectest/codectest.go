// Package codectest provides deterministic encoders for tests. Their output
// is not a real bitstream: every payload starts with a one byte frame type
// followed by a big endian frame counter and the input size.
package codectest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/syncflow/mediacore/pkg/codec"
)

const (
	FrameDelta byte = iota
	FrameKey
	FrameAudio
)

var ErrClosed = errors.New("codectest: encoder closed")

// VideoEncoderBuilder builds VideoEncoders and keeps count of the key
// frames they produced.
type VideoEncoderBuilder struct {
	Mime string

	keyFrames atomic.Int64
	frames    atomic.Int64
}

func NewVideoEncoderBuilder(mime string) *VideoEncoderBuilder {
	return &VideoEncoderBuilder{Mime: mime}
}

func (b *VideoEncoderBuilder) MimeType() string  { return b.Mime }
func (b *VideoEncoderBuilder) ClockRate() uint32 { return 90000 }

func (b *VideoEncoderBuilder) BuildVideoEncoder(s codec.VideoSetting) (codec.VideoEncoder, error) {
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("codectest: invalid size %dx%d", s.Width, s.Height)
	}
	return &videoEncoder{builder: b, setting: s}, nil
}

// KeyFrames returns the number of key frames encoded so far.
func (b *VideoEncoderBuilder) KeyFrames() int { return int(b.keyFrames.Load()) }

// Frames returns the number of frames encoded so far.
func (b *VideoEncoderBuilder) Frames() int { return int(b.frames.Load()) }

type videoEncoder struct {
	builder *VideoEncoderBuilder
	setting codec.VideoSetting

	mu     sync.Mutex
	count  uint32
	closed bool
}

func (e *videoEncoder) Encode(img *image.YCbCr, keyFrame bool) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if w, h := img.Rect.Dx(), img.Rect.Dy(); w != e.setting.Width || h != e.setting.Height {
		return nil, fmt.Errorf("codectest: got %dx%d, configured for %dx%d", w, h, e.setting.Width, e.setting.Height)
	}

	typ := FrameDelta
	if keyFrame || e.count == 0 {
		typ = FrameKey
		e.builder.keyFrames.Add(1)
	}
	e.count++
	e.builder.frames.Add(1)
	return header(typ, e.count, len(img.Y)+len(img.Cb)+len(img.Cr)), nil
}

func (e *videoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	return nil
}

// AudioEncoderBuilder builds AudioEncoders.
type AudioEncoderBuilder struct {
	Mime string
	Rate uint32
}

func NewAudioEncoderBuilder(mime string) *AudioEncoderBuilder {
	return &AudioEncoderBuilder{Mime: mime, Rate: 48000}
}

func (b *AudioEncoderBuilder) MimeType() string  { return b.Mime }
func (b *AudioEncoderBuilder) ClockRate() uint32 { return b.Rate }

func (b *AudioEncoderBuilder) BuildAudioEncoder(s codec.AudioSetting) (codec.AudioEncoder, error) {
	if s.Channels <= 0 || s.SampleRate <= 0 {
		return nil, fmt.Errorf("codectest: invalid audio setting %+v", s)
	}
	return &audioEncoder{setting: s}, nil
}

type audioEncoder struct {
	setting codec.AudioSetting

	mu     sync.Mutex
	count  uint32
	closed bool
}

func (e *audioEncoder) Encode(pcm []int16, channels int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if channels != e.setting.Channels {
		return nil, fmt.Errorf("codectest: got %d channels, configured for %d", channels, e.setting.Channels)
	}
	e.count++
	return header(FrameAudio, e.count, 2*len(pcm)), nil
}

func (e *audioEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	return nil
}

func header(typ byte, count uint32, size int) []byte {
	b := make([]byte, 9)
	b[0] = typ
	binary.BigEndian.PutUint32(b[1:], count)
	binary.BigEndian.PutUint32(b[5:], uint32(size))
	return b
}

// Parse splits a payload produced by these encoders.
func Parse(payload []byte) (typ byte, count uint32, size int, err error) {
	if len(payload) != 9 {
		return 0, 0, 0, fmt.Errorf("codectest: payload of %d bytes", len(payload))
	}
	return payload[0], binary.BigEndian.Uint32(payload[1:]), int(binary.BigEndian.Uint32(payload[5:])), nil
}
