package frame

import (
	"fmt"
	"image"
)

func checkLen(frame []byte, expected int) error {
	if len(frame) < expected {
		return fmt.Errorf("frame length (%d) less than expected (%d)", len(frame), expected)
	}
	return nil
}

func decodeI420(frame []byte, width, height int) (image.Image, func(), error) {
	yi := width * height
	cbi := yi + (width/2)*(height/2)
	cri := cbi + (width/2)*(height/2)

	if err := checkLen(frame, cri); err != nil {
		return nil, func() {}, err
	}

	return &image.YCbCr{
		Y:              frame[:yi],
		YStride:        width,
		Cb:             frame[yi:cbi],
		Cr:             frame[cbi:cri],
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}, func() {}, nil
}

// decodeSemiPlanar splits the interleaved chroma plane of NV12/NV21. cbFirst
// selects which chroma sample comes first in each pair.
func decodeSemiPlanar(frame []byte, width, height int, cbFirst bool) (image.Image, func(), error) {
	yi := width * height
	ci := (width / 2) * (height / 2)
	fi := yi + 2*ci

	if err := checkLen(frame, fi); err != nil {
		return nil, func() {}, err
	}

	cb := make([]byte, ci)
	cr := make([]byte, ci)
	for i, j := yi, 0; j < ci; i, j = i+2, j+1 {
		if cbFirst {
			cb[j], cr[j] = frame[i], frame[i+1]
		} else {
			cr[j], cb[j] = frame[i], frame[i+1]
		}
	}

	return &image.YCbCr{
		Y:              frame[:yi],
		YStride:        width,
		Cb:             cb,
		Cr:             cr,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}, func() {}, nil
}

func decodeNV12(frame []byte, width, height int) (image.Image, func(), error) {
	return decodeSemiPlanar(frame, width, height, true)
}

func decodeNV21(frame []byte, width, height int) (image.Image, func(), error) {
	return decodeSemiPlanar(frame, width, height, false)
}

// decodePacked422 unpacks YUY2 (Y Cb Y Cr) and UYVY (Cb Y Cr Y) macropixels.
func decodePacked422(frame []byte, width, height int, yFirst bool) (image.Image, func(), error) {
	yi := width * height
	ci := yi / 2
	fi := yi + 2*ci

	if err := checkLen(frame, fi); err != nil {
		return nil, func() {}, err
	}

	y := make([]byte, yi)
	cb := make([]byte, ci)
	cr := make([]byte, ci)

	fast := 0
	slow := 0
	for i := 0; i < fi; i += 4 {
		if yFirst {
			y[fast], cb[slow], y[fast+1], cr[slow] = frame[i], frame[i+1], frame[i+2], frame[i+3]
		} else {
			cb[slow], y[fast], cr[slow], y[fast+1] = frame[i], frame[i+1], frame[i+2], frame[i+3]
		}
		fast += 2
		slow++
	}

	return &image.YCbCr{
		Y:              y,
		YStride:        width,
		Cb:             cb,
		Cr:             cr,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio422,
		Rect:           image.Rect(0, 0, width, height),
	}, func() {}, nil
}

func decodeYUY2(frame []byte, width, height int) (image.Image, func(), error) {
	return decodePacked422(frame, width, height, true)
}

func decodeUYVY(frame []byte, width, height int) (image.Image, func(), error) {
	return decodePacked422(frame, width, height, false)
}
