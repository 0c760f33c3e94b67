// Package microphone captures audio through miniaudio. The miniaudio
// context is process wide and follows driver.Init and driver.Shutdown.
package microphone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/wave"
)

const chunkQueueSize = 8

var logger = logging.NewLogger("microphone")

var (
	errUnsupportedFormat = errors.New("the provided audio format is not supported")

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
)

func init() {
	driver.RegisterBackend(driver.Backend{
		Name:     "microphone",
		Init:     initContext,
		Shutdown: freeContext,
		Discover: discover,
	})
}

func initContext() error {
	mu.Lock()
	defer mu.Unlock()

	c, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debugf("%v", message)
	})
	if err != nil {
		return err
	}
	ctx = c
	return nil
}

func freeContext() error {
	mu.Lock()
	defer mu.Unlock()

	if ctx == nil {
		return nil
	}
	err := ctx.Uninit()
	ctx.Free()
	ctx = nil
	return err
}

func currentContext() (*malgo.AllocatedContext, error) {
	mu.Lock()
	defer mu.Unlock()
	if ctx == nil {
		return nil, driver.ErrNotInitialized
	}
	return ctx, nil
}

func discover(m *driver.Manager) error {
	c, err := currentContext()
	if err != nil {
		return err
	}

	devices, err := c.Devices(malgo.Capture)
	if err != nil {
		return err
	}

	for _, info := range devices {
		err := m.Register(&microphone{id: info.ID, name: info.Name()}, driver.Info{
			Label:      "malgo:" + info.ID.String(),
			Name:       info.Name(),
			DeviceType: driver.Microphone,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type microphone struct {
	id   malgo.DeviceID
	name string

	device *malgo.Device
	closed chan struct{}
}

func (m *microphone) Open() error {
	m.closed = make(chan struct{})
	return nil
}

func (m *microphone) Close() error {
	if m.closed != nil {
		close(m.closed)
		m.closed = nil
	}
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	return nil
}

func (m *microphone) AudioRecord(p prop.Media) (audio.Reader, error) {
	c, err := currentContext()
	if err != nil {
		return nil, err
	}

	format := wave.RawFormat{SampleSize: p.SampleSize, IsFloat: p.IsFloat}
	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.PerformanceProfile = malgo.LowLatency
	config.Capture.Channels = uint32(p.ChannelCount)
	config.SampleRate = uint32(p.SampleRate)
	config.Capture.DeviceID = m.id.Pointer()
	switch {
	case format.SampleSize == 4 && format.IsFloat:
		config.Capture.Format = malgo.FormatF32
	case format.SampleSize == 2 && !format.IsFloat:
		config.Capture.Format = malgo.FormatS16
	default:
		return nil, errUnsupportedFormat
	}
	if p.Latency > 0 {
		config.PeriodSizeInMilliseconds = uint32(p.Latency / time.Millisecond)
	}

	chunks := make(chan []byte, chunkQueueSize)
	lost := make(chan struct{})
	var lostOnce sync.Once
	closed := m.closed

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			// miniaudio reuses in after the callback returns.
			chunk := append([]byte(nil), in...)
			select {
			case chunks <- chunk:
			default:
				logger.Warnf("%s: reader is too slow, dropping %d bytes", m.name, len(chunk))
			}
		},
		Stop: func() {
			lostOnce.Do(func() { close(lost) })
		},
	}

	device, err := malgo.InitDevice(c.Context, config, callbacks)
	if err != nil {
		return nil, availability.Classify(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, availability.Classify(err)
	}
	m.device = device

	r := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		select {
		case <-closed:
			return nil, func() {}, io.EOF
		case chunk := <-chunks:
			a, err := wave.Decode(format, binary.LittleEndian, chunk, p.ChannelCount, p.SampleRate)
			if err != nil {
				return nil, func() {}, err
			}
			return a, func() {}, nil
		case <-lost:
			select {
			case <-closed:
				return nil, func() {}, io.EOF
			default:
			}
			return nil, func() {}, fmt.Errorf("microphone %s: %w", m.name, availability.ErrNoDevice)
		}
	})
	return r, nil
}

func (m *microphone) Probe() ([]prop.Media, error) {
	return m.Properties(), nil
}

// Properties lists the modes miniaudio converts to in shared mode; the
// backend resamples and remixes whatever the hardware produces.
func (m *microphone) Properties() []prop.Media {
	var props []prop.Media
	for _, rate := range []int{48000, 44100} {
		for _, channels := range []int{1, 2} {
			props = append(props, prop.Media{
				Audio: prop.Audio{
					ChannelCount: channels,
					SampleRate:   rate,
					SampleSize:   2,
					Latency:      10 * time.Millisecond,
				},
			})
		}
	}
	return props
}
