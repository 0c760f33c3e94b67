package frame

import "image"

func decodeRGBA(frame []byte, width, height int) (image.Image, func(), error) {
	size := 4 * width * height
	if err := checkLen(frame, size); err != nil {
		return nil, func() {}, err
	}

	return &image.RGBA{
		Pix:    frame[:size],
		Stride: 4 * width,
		Rect:   image.Rect(0, 0, width, height),
	}, func() {}, nil
}
