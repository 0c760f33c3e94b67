// Package audiotest provides a synthetic microphone for tests.
package audiotest

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/wave"
)

// DefaultProperties are advertised by devices created without explicit
// properties.
var DefaultProperties = []prop.Media{
	{Audio: prop.Audio{ChannelCount: 1, SampleRate: 48000, SampleSize: 2, Latency: 10 * time.Millisecond}},
	{Audio: prop.Audio{ChannelCount: 2, SampleRate: 48000, SampleSize: 2, Latency: 10 * time.Millisecond}},
	{Audio: prop.Audio{ChannelCount: 2, SampleRate: 44100, SampleSize: 4, IsFloat: true, Latency: 10 * time.Millisecond}},
}

// Device is an exclusive synthetic microphone producing a 480 Hz tone.
type Device struct {
	Label string
	Name  string
	Props []prop.Media

	mu           sync.Mutex
	opened       bool
	closed       chan struct{}
	disconnected chan struct{}
}

// New creates a device advertising props, or DefaultProperties when none
// are given.
func New(label string, props ...prop.Media) *Device {
	if len(props) == 0 {
		props = DefaultProperties
	}
	return &Device{
		Label:        label,
		Name:         "Test Microphone " + label,
		Props:        props,
		disconnected: make(chan struct{}),
	}
}

// Backend exposes devices as a driver backend. Disconnected devices are not
// discovered.
func Backend(devices ...*Device) driver.Backend {
	return driver.Backend{
		Name: "audiotest",
		Discover: func(m *driver.Manager) error {
			for _, d := range devices {
				if d.Disconnected() {
					continue
				}
				err := m.Register(d, driver.Info{Label: d.Label, Name: d.Name, DeviceType: driver.Microphone})
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
	d.closed = make(chan struct{})
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		d.opened = false
		close(d.closed)
	}
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

// Disconnect simulates unplugging the device.
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

func (d *Device) AudioRecord(p prop.Media) (audio.Reader, error) {
	var sin [100]float32
	for i := range sin {
		sin[i] = float32(math.Sin(2*math.Pi*float64(i)/100) * 0.25) // 480 Hz at 48 kHz
	}

	if p.Latency == 0 {
		p.Latency = 20 * time.Millisecond
	}
	nSample := int(uint64(p.SampleRate) * uint64(p.Latency) / uint64(time.Second))
	info := wave.ChunkInfo{Channels: p.ChannelCount, Len: nSample, SamplingRate: p.SampleRate}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	tick := time.NewTicker(p.Latency)
	var phase int

	reader := audio.ReaderFunc(func() (wave.Audio, func(), error) {
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

		var a wave.EditableAudio
		if p.IsFloat {
			a = wave.NewFloat32Interleaved(info)
		} else {
			a = wave.NewInt16Interleaved(info)
		}
		for i := 0; i < nSample; i++ {
			phase = (phase + 1) % len(sin)
			for ch := 0; ch < p.ChannelCount; ch++ {
				a.Set(i, ch, wave.Float32Sample(sin[phase]))
			}
		}
		return a, func() {}, nil
	})
	return reader, nil
}

// readErr reports why reads must stop, if they must.
func (d *Device) readErr(closed <-chan struct{}) error {
	select {
	case <-d.disconnected:
		return fmt.Errorf("audiotest %s: %w", d.Label, availability.ErrNoDevice)
	default:
	}
	select {
	case <-closed:
		return io.EOF
	default:
	}
	return nil
}
