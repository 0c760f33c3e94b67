package video

import (
	"image"
	"testing"
)

func TestScale(t *testing.T) {
	cases := map[string]image.Image{
		"RGBA": image.NewRGBA(image.Rect(0, 0, 64, 48)),
		"I420": image.NewYCbCr(image.Rect(0, 0, 64, 48), image.YCbCrSubsampleRatio420),
		"I422": image.NewYCbCr(image.Rect(0, 0, 64, 48), image.YCbCrSubsampleRatio422),
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			r := Scale(32, 24, nil)(staticReader(src, src))
			for i := 0; i < 2; i++ {
				img, _, err := r.Read()
				if err != nil {
					t.Fatal(err)
				}
				if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
					t.Fatalf("expected 32x24, got %dx%d", b.Dx(), b.Dy())
				}
			}
		})
	}
}

func TestScalePassThrough(t *testing.T) {
	src := image.NewYCbCr(image.Rect(0, 0, 32, 24), image.YCbCrSubsampleRatio420)
	img, _, err := Scale(32, 24, ScalerNearestNeighbor)(staticReader(src)).Read()
	if err != nil {
		t.Fatal(err)
	}
	if img != image.Image(src) {
		t.Error("expected a frame of the right size to pass through")
	}
}

func TestScaleUnsupported(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 8))
	if _, _, err := Scale(4, 4, nil)(staticReader(src)).Read(); err != errUnsupportedImageType {
		t.Fatalf("expected errUnsupportedImageType, got %v", err)
	}
}
