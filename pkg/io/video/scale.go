package video

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

// Scaler represents scaling algorithm
type Scaler draw.Scaler

// List of scaling algorithms
var (
	ScalerNearestNeighbor = Scaler(draw.NearestNeighbor)
	ScalerApproxBiLinear  = Scaler(draw.ApproxBiLinear)
	ScalerBiLinear        = Scaler(draw.BiLinear)
	ScalerCatmullRom      = Scaler(draw.CatmullRom)
)

var errUnsupportedImageType = errors.New("scaling: unsupported image type")

// Scale returns a transform producing frames of exactly width x height.
// Frames already at that size pass through untouched. Setting scaler=nil
// uses ScalerApproxBiLinear.
func Scale(width, height int, scaler Scaler) TransformFunc {
	if width <= 0 || height <= 0 {
		panic("video: Scale needs a positive width and height")
	}
	if scaler == nil {
		scaler = ScalerApproxBiLinear
	}

	return func(r Reader) Reader {
		rect := image.Rect(0, 0, width, height)
		var rgba *image.RGBA
		var yuv *image.YCbCr

		return ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}

			b := img.Bounds()
			if b.Dx() == width && b.Dy() == height {
				return img, release, nil
			}
			defer release()

			switch v := img.(type) {
			case *image.RGBA:
				if rgba == nil {
					rgba = image.NewRGBA(rect)
				}
				scaler.Scale(rgba, rect, v, v.Bounds(), draw.Src, nil)
				return rgba, func() {}, nil

			case *image.YCbCr:
				if yuv == nil || yuv.SubsampleRatio != v.SubsampleRatio {
					yuv = image.NewYCbCr(rect, v.SubsampleRatio)
				}
				srcY, srcCb, srcCr := planes(v)
				dstY, dstCb, dstCr := planes(yuv)
				scaler.Scale(dstY, dstY.Rect, srcY, srcY.Rect, draw.Src, nil)
				scaler.Scale(dstCb, dstCb.Rect, srcCb, srcCb.Rect, draw.Src, nil)
				scaler.Scale(dstCr, dstCr.Rect, srcCr, srcCr.Rect, draw.Src, nil)
				return yuv, func() {}, nil
			}

			return nil, func() {}, errUnsupportedImageType
		})
	}
}

// planes views the three planes of img as gray images.
func planes(img *image.YCbCr) (y, cb, cr *image.Gray) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cw, ch := w, h
	switch img.SubsampleRatio {
	case image.YCbCrSubsampleRatio422:
		cw = (w + 1) / 2
	case image.YCbCrSubsampleRatio420:
		cw, ch = (w+1)/2, (h+1)/2
	}

	y = &image.Gray{Pix: img.Y, Stride: img.YStride, Rect: image.Rect(0, 0, w, h)}
	cb = &image.Gray{Pix: img.Cb, Stride: img.CStride, Rect: image.Rect(0, 0, cw, ch)}
	cr = &image.Gray{Pix: img.Cr, Stride: img.CStride, Rect: image.Rect(0, 0, cw, ch)}
	return
}
