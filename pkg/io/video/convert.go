package video

import (
	"fmt"
	"image"
	"image/color"
)

// imageToYCbCr returns src itself when it is already *image.YCbCr. Other
// images are converted to 4:4:4 into dst, reusing its buffers when they are
// large enough.
func imageToYCbCr(dst *image.YCbCr, src image.Image) *image.YCbCr {
	if yuvImg, ok := src.(*image.YCbCr); ok {
		return yuvImg
	}

	bounds := src.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	flat := dx * dy

	if cap(dst.Y) < 3*flat {
		dst.Y = make([]uint8, 3*flat)
	}
	buf := dst.Y[:3*flat]
	dst.Y = buf[:flat]
	dst.Cb = buf[flat : 2*flat]
	dst.Cr = buf[2*flat:]
	dst.SubsampleRatio = image.YCbCrSubsampleRatio444
	dst.YStride = dx
	dst.CStride = dx
	dst.Rect = image.Rect(0, 0, dx, dy)

	if rgba, ok := src.(*image.RGBA); ok {
		rgbaToI444(dst, rgba)
		return dst
	}

	i := 0
	for yi := bounds.Min.Y; yi < bounds.Max.Y; yi++ {
		for xi := bounds.Min.X; xi < bounds.Max.X; xi++ {
			r, g, b, _ := src.At(xi, yi).RGBA()
			dst.Y[i], dst.Cb[i], dst.Cr[i] = color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			i++
		}
	}
	return dst
}

func rgbaToI444(dst *image.YCbCr, src *image.RGBA) {
	dx, dy := src.Rect.Dx(), src.Rect.Dy()
	i := 0
	for y := 0; y < dy; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < dx; x++ {
			p := row[4*x:]
			dst.Y[i], dst.Cb[i], dst.Cr[i] = color.RGBToYCbCr(p[0], p[1], p[2])
			i++
		}
	}
}

// toI420 writes img as planar 4:2:0 into dst. Chroma is averaged over each
// 2x2 (4:4:4) or 2x1 (4:2:2) block.
func toI420(dst *image.YCbCr, img *image.YCbCr) error {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cw, ch := (w+1)/2, (h+1)/2

	size := w*h + 2*cw*ch
	if cap(dst.Y) < size {
		dst.Y = make([]uint8, size)
	}
	buf := dst.Y[:size]
	dst.Y = buf[:w*h]
	dst.Cb = buf[w*h : w*h+cw*ch]
	dst.Cr = buf[w*h+cw*ch:]
	dst.YStride = w
	dst.CStride = cw
	dst.SubsampleRatio = image.YCbCrSubsampleRatio420
	dst.Rect = image.Rect(0, 0, w, h)

	for y := 0; y < h; y++ {
		copy(dst.Y[y*w:(y+1)*w], img.Y[y*img.YStride:y*img.YStride+w])
	}

	switch img.SubsampleRatio {
	case image.YCbCrSubsampleRatio420:
		for y := 0; y < ch; y++ {
			copy(dst.Cb[y*cw:(y+1)*cw], img.Cb[y*img.CStride:y*img.CStride+cw])
			copy(dst.Cr[y*cw:(y+1)*cw], img.Cr[y*img.CStride:y*img.CStride+cw])
		}
	case image.YCbCrSubsampleRatio422:
		for y := 0; y < ch; y++ {
			y0 := 2 * y
			y1 := min(y0+1, h-1)
			for x := 0; x < cw; x++ {
				i := y*cw + x
				dst.Cb[i] = avg2(img.Cb[y0*img.CStride+x], img.Cb[y1*img.CStride+x])
				dst.Cr[i] = avg2(img.Cr[y0*img.CStride+x], img.Cr[y1*img.CStride+x])
			}
		}
	case image.YCbCrSubsampleRatio444:
		for y := 0; y < ch; y++ {
			y0 := 2 * y
			y1 := min(y0+1, h-1)
			for x := 0; x < cw; x++ {
				x0 := 2 * x
				x1 := min(x0+1, w-1)
				i := y*cw + x
				dst.Cb[i] = avg4(
					img.Cb[y0*img.CStride+x0], img.Cb[y0*img.CStride+x1],
					img.Cb[y1*img.CStride+x0], img.Cb[y1*img.CStride+x1],
				)
				dst.Cr[i] = avg4(
					img.Cr[y0*img.CStride+x0], img.Cr[y0*img.CStride+x1],
					img.Cr[y1*img.CStride+x0], img.Cr[y1*img.CStride+x1],
				)
			}
		}
	default:
		return fmt.Errorf("unsupported pixel format: %s", img.SubsampleRatio)
	}

	return nil
}

func avg2(a, b uint8) uint8 {
	return uint8((uint16(a) + uint16(b) + 1) / 2)
}

func avg4(a, b, c, d uint8) uint8 {
	return uint8((uint16(a) + uint16(b) + uint16(c) + uint16(d) + 2) / 4)
}

// ToI420 converts r to a new reader that will output images in I420 format.
// The returned image is owned by the reader and valid until the next Read.
func ToI420(r Reader) Reader {
	var scratch, i420 image.YCbCr
	return ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		defer release()

		if err := toI420(&i420, imageToYCbCr(&scratch, img)); err != nil {
			return nil, func() {}, err
		}
		return &i420, func() {}, nil
	})
}
