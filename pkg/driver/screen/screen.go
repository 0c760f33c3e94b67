// Package screen captures whole displays.
package screen

import (
	"fmt"
	"image"
	"io"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

const defaultFrameRate = 30

func init() {
	driver.RegisterBackend(driver.Backend{
		Name:     "screen",
		Discover: discover,
	})
}

func discover(m *driver.Manager) error {
	for i := 0; i < screenshot.NumActiveDisplays(); i++ {
		err := m.Register(newScreen(i), driver.Info{
			Label:      fmt.Sprintf("screen:%d", i),
			Name:       fmt.Sprintf("Display %d", i),
			DeviceType: driver.Screen,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type screen struct {
	displayIndex int
	doneCh       chan struct{}
}

func newScreen(displayIndex int) *screen {
	return &screen{displayIndex: displayIndex}
}

func (s *screen) Open() error {
	if s.displayIndex >= screenshot.NumActiveDisplays() {
		return availability.ErrNoDevice
	}
	s.doneCh = make(chan struct{})
	return nil
}

func (s *screen) Close() error {
	if s.doneCh != nil {
		close(s.doneCh)
		s.doneCh = nil
	}
	return nil
}

// VideoRecord captures at the native display size; smaller capabilities
// are reached by the scaling stage of the graph.
func (s *screen) VideoRecord(p prop.Media) (video.Reader, error) {
	fps := p.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}

	done := s.doneCh
	tick := time.NewTicker(time.Duration(float32(time.Second) / fps))
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		select {
		case <-done:
			tick.Stop()
			return nil, func() {}, io.EOF
		case <-tick.C:
		}

		img, err := screenshot.CaptureDisplay(s.displayIndex)
		if err != nil {
			if s.displayIndex >= screenshot.NumActiveDisplays() {
				return nil, func() {}, fmt.Errorf("display %d: %w: %v", s.displayIndex, availability.ErrNoDevice, err)
			}
			return nil, func() {}, err
		}
		return img, func() {}, nil
	})
	return r, nil
}

// Properties advertises the native size and a half size variant.
func (s *screen) Properties() []prop.Media {
	bounds := screenshot.GetDisplayBounds(s.displayIndex)
	return sizes(bounds.Dx(), bounds.Dy())
}

func (s *screen) Probe() ([]prop.Media, error) {
	if s.displayIndex >= screenshot.NumActiveDisplays() {
		return nil, availability.ErrNoDevice
	}
	return s.Properties(), nil
}

func sizes(w, h int) []prop.Media {
	props := []prop.Media{{
		Video: prop.Video{Width: w, Height: h, FrameRate: defaultFrameRate, FrameFormat: frame.FormatRGBA},
	}}

	hw, hh := w/2&^1, h/2&^1
	if hw > 0 && hh > 0 {
		props = append(props, prop.Media{
			Video: prop.Video{Width: hw, Height: hh, FrameRate: defaultFrameRate, FrameFormat: frame.FormatRGBA},
		})
	}
	return props
}
