package frame

import (
	"fmt"
	"image"
)

// NewDecoder returns a decoder producing *image.YCbCr or *image.RGBA from
// frames in format f. Errors returned by the decoder are *DecodeError.
func NewDecoder(f Format) (Decoder, error) {
	var decode DecoderFunc

	switch f {
	case FormatI420:
		decode = decodeI420
	case FormatNV12:
		decode = decodeNV12
	case FormatNV21:
		decode = decodeNV21
	case FormatYUY2:
		decode = decodeYUY2
	case FormatUYVY:
		decode = decodeUYVY
	case FormatRGBA:
		decode = decodeRGBA
	case FormatMJPEG:
		decode = decodeMJPEG
	default:
		return nil, fmt.Errorf("%w %s", ErrNoDecoder, f)
	}

	return DecoderFunc(func(frame []byte, width, height int) (image.Image, func(), error) {
		img, release, err := decode(frame, width, height)
		if err != nil {
			return nil, func() {}, &DecodeError{Format: f, Err: err}
		}
		return img, release, nil
	}), nil
}

// Size returns the number of bytes of one uncompressed frame, or 0 when the
// size depends on the content.
func Size(f Format, width, height int) int {
	switch f {
	case FormatI420, FormatNV12, FormatNV21:
		return width*height + 2*(width/2)*(height/2)
	case FormatYUY2, FormatUYVY:
		return 2 * width * height
	case FormatRGBA:
		return 4 * width * height
	}
	return 0
}
