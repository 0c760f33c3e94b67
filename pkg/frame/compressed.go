package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

func decodeMJPEG(frame []byte, width, height int) (image.Image, func(), error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, func() {}, err
	}

	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		return nil, func() {}, fmt.Errorf("jpeg size %dx%d does not match negotiated %dx%d", b.Dx(), b.Dy(), width, height)
	}
	return img, func() {}, nil
}
