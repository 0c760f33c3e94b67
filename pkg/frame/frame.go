package frame

import (
	"errors"
	"image"
)

// ErrNoDecoder is returned by NewDecoder when no decoder exists for a format.
var ErrNoDecoder = errors.New("frame: no decoder for format")

type Decoder interface {
	Decode(frame []byte, width, height int) (image.Image, func(), error)
}

// DecoderFunc is a proxy type for Decoder
type DecoderFunc func(frame []byte, width, height int) (image.Image, func(), error)

func (f DecoderFunc) Decode(frame []byte, width, height int) (image.Image, func(), error) {
	return f(frame, width, height)
}

// DecodeError wraps a failure to decode one frame.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return "frame: decode " + string(e.Format) + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
