// Package videotest provides a synthetic video device for tests.
package videotest

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

// DefaultProperties are advertised by devices created without explicit
// properties.
var DefaultProperties = []prop.Media{
	{Video: prop.Video{Width: 64, Height: 48, FrameRate: 100, FrameFormat: frame.FormatYUY2}},
	{Video: prop.Video{Width: 64, Height: 48, FrameRate: 100, FrameFormat: frame.FormatMJPEG}},
	{Video: prop.Video{Width: 32, Height: 24, FrameRate: 100, FrameFormat: frame.FormatI420}},
}

// Device is an exclusive synthetic camera. Opening it twice fails with
// availability.ErrBusy like a real device would.
type Device struct {
	Label      string
	Name       string
	DeviceType driver.DeviceType
	Props      []prop.Media

	mu           sync.Mutex
	opened       bool
	closed       chan struct{}
	disconnected chan struct{}
	opens        int
	closes       int
}

// New creates a device advertising props, or DefaultProperties when none
// are given.
func New(label string, props ...prop.Media) *Device {
	if len(props) == 0 {
		props = DefaultProperties
	}
	return &Device{
		Label:        label,
		Name:         "Test Camera " + label,
		DeviceType:   driver.Camera,
		Props:        props,
		disconnected: make(chan struct{}),
	}
}

// Backend exposes devices as a driver backend. Disconnected devices are not
// discovered.
func Backend(devices ...*Device) driver.Backend {
	return driver.Backend{
		Name: "videotest",
		Discover: func(m *driver.Manager) error {
			for _, d := range devices {
				if d.Disconnected() {
					continue
				}
				err := m.Register(d, driver.Info{Label: d.Label, Name: d.Name, DeviceType: d.DeviceType})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Disconnected() {
		return availability.ErrNoDevice
	}
	if d.opened {
		return availability.ErrBusy
	}
	d.opened = true
	d.opens++
	d.closed = make(chan struct{})
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return nil
	}
	d.opened = false
	d.closes++
	close(d.closed)
	return nil
}

func (d *Device) Properties() []prop.Media {
	return append([]prop.Media(nil), d.Props...)
}

func (d *Device) Probe() ([]prop.Media, error) {
	if d.Disconnected() {
		return nil, availability.ErrNoDevice
	}
	return d.Properties(), nil
}

// Disconnect simulates unplugging the device. Pending and future reads fail
// with availability.ErrNoDevice.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Disconnected() {
		close(d.disconnected)
	}
}

func (d *Device) Disconnected() bool {
	select {
	case <-d.disconnected:
		return true
	default:
		return false
	}
}

// Opened reports whether the device is currently held.
func (d *Device) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Counts returns how many times the device was opened and closed.
func (d *Device) Counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func (d *Device) VideoRecord(p prop.Media) (video.Reader, error) {
	if p.FrameRate <= 0 {
		p.FrameRate = 30
	}

	raw, err := encode(colorBars(p.Width, p.Height), p.FrameFormat)
	if err != nil {
		return nil, err
	}
	decoder, err := frame.NewDecoder(p.FrameFormat)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	tick := time.NewTicker(time.Duration(float32(time.Second) / p.FrameRate))
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		if err := d.readErr(closed); err != nil {
			tick.Stop()
			return nil, func() {}, err
		}
		select {
		case <-closed:
		case <-d.disconnected:
		case <-tick.C:
		}
		if err := d.readErr(closed); err != nil {
			tick.Stop()
			return nil, func() {}, err
		}

		return decoder.Decode(raw, p.Width, p.Height)
	})

	return r, nil
}

// colorBars draws the classic seven bar pattern in 4:4:4.
func colorBars(w, h int) *image.YCbCr {
	colors := [][3]byte{
		{235, 128, 128},
		{210, 16, 146},
		{170, 166, 16},
		{145, 54, 34},
		{107, 202, 222},
		{82, 90, 240},
		{41, 240, 110},
	}

	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio444)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := colors[x*len(colors)/w]
			i := y*w + x
			img.Y[i], img.Cb[i], img.Cr[i] = c[0], c[1], c[2]
		}
	}
	return img
}

// encode serializes img into the wire layout of f.
func encode(img *image.YCbCr, f frame.Format) ([]byte, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	at := func(x, y int) (byte, byte, byte) {
		i := y*w + x
		return img.Y[i], img.Cb[i], img.Cr[i]
	}

	switch f {
	case frame.FormatI420, frame.FormatNV12:
		out := make([]byte, 0, frame.Size(f, w, h))
		out = append(out, img.Y...)
		var cb, cr []byte
		for y := 0; y < h/2; y++ {
			for x := 0; x < w/2; x++ {
				_, u, v := at(2*x, 2*y)
				cb, cr = append(cb, u), append(cr, v)
			}
		}
		if f == frame.FormatI420 {
			return append(append(out, cb...), cr...), nil
		}
		for i := range cb {
			out = append(out, cb[i], cr[i])
		}
		return out, nil

	case frame.FormatYUY2:
		out := make([]byte, 0, frame.Size(f, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x+1 < w; x += 2 {
				y0, u, v := at(x, y)
				y1, _, _ := at(x+1, y)
				out = append(out, y0, u, y1, v)
			}
		}
		return out, nil

	case frame.FormatMJPEG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	return nil, fmt.Errorf("videotest: cannot synthesize %s: %w", f, frame.ErrNoDecoder)
}

// readErr reports why reads must stop, if they must.
func (d *Device) readErr(closed <-chan struct{}) error {
	select {
	case <-d.disconnected:
		return fmt.Errorf("videotest %s: %w", d.Label, availability.ErrNoDevice)
	default:
	}
	select {
	case <-closed:
		return io.EOF
	default:
	}
	return nil
}
