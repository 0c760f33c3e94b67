// Package codec declares the encoder capability that session adapters need
// to turn canonical samples into a compressed bitstream. Encoders are
// supplied by the embedding application; codectest holds deterministic
// ones for tests.
package codec

import (
	"image"
	"time"
)

type VideoSetting struct {
	Width, Height int
	FrameRate     float32
	// TargetBitRate in bits per second. Zero leaves it to the encoder.
	TargetBitRate int
}

type AudioSetting struct {
	SampleRate int
	Channels   int
	// Latency is the duration of one chunk handed to Encode.
	Latency time.Duration
}

type VideoEncoder interface {
	// Encode compresses one I420 frame. keyFrame forces an intra frame.
	Encode(img *image.YCbCr, keyFrame bool) ([]byte, error)
	Close() error
}

type AudioEncoder interface {
	// Encode compresses one chunk of interleaved PCM.
	Encode(pcm []int16, channels int) ([]byte, error)
	Close() error
}

// Builder names the bitstream an encoder produces.
type Builder interface {
	// MimeType is the RTP media type, for example "video/VP8".
	MimeType() string
	ClockRate() uint32
}

type VideoEncoderBuilder interface {
	Builder
	BuildVideoEncoder(s VideoSetting) (VideoEncoder, error)
}

type AudioEncoderBuilder interface {
	Builder
	BuildAudioEncoder(s AudioSetting) (AudioEncoder, error)
}
