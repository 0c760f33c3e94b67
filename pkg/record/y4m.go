package record

import (
	"fmt"
	"io"
	"math"

	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

// y4mWriter writes I420 samples as a YUV4MPEG2 stream.
type y4mWriter struct {
	w             io.Writer
	width, height int
	wroteHeader   bool
	frameRate     float32
}

func newY4MWriter(w io.Writer, p prop.Media) *y4mWriter {
	return &y4mWriter{w: w, width: p.Width, height: p.Height, frameRate: p.FrameRate}
}

// rate returns the frame rate as a fraction. Unknown rates are written as
// 30 fps.
func (y *y4mWriter) rate() (num, den int) {
	if y.frameRate <= 0 {
		return 30, 1
	}
	if f := float64(y.frameRate); f == math.Trunc(f) {
		return int(f), 1
	}
	return int(math.Round(float64(y.frameRate) * 1000)), 1000
}

func (y *y4mWriter) WriteSample(s sample.Sample) error {
	if s.Kind != sample.KindVideo {
		return fmt.Errorf("record: %s sample in a video recording", s.Kind)
	}
	if s.Width != y.width || s.Height != y.height {
		return fmt.Errorf("record: frame is %dx%d, recording is %dx%d", s.Width, s.Height, y.width, y.height)
	}

	if !y.wroteHeader {
		num, den := y.rate()
		if _, err := fmt.Fprintf(y.w, "YUV4MPEG2 W%d H%d F%d:%d Ip A1:1 C420jpeg\n", y.width, y.height, num, den); err != nil {
			return err
		}
		y.wroteHeader = true
	}

	if _, err := io.WriteString(y.w, "FRAME\n"); err != nil {
		return err
	}
	_, err := y.w.Write(s.Data)
	return err
}

func (y *y4mWriter) Close() error {
	return nil
}
