package driver

import (
	"fmt"
	"sync"

	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

func wrapAdapter(a Adapter, info Info) Driver {
	return &adapterWrapper{
		adapter: a,
		info:    info,
		state:   StateClosed,
	}
}

type adapterWrapper struct {
	adapter Adapter
	info    Info

	mu    sync.Mutex
	state State
}

func (w *adapterWrapper) ID() string {
	return w.info.Label
}

func (w *adapterWrapper) Info() Info {
	return w.info
}

func (w *adapterWrapper) Status() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *adapterWrapper) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Update(StateOpened, w.adapter.Open)
}

// Close releases the device. It does not take the state lock while the
// adapter closes so that a blocked reader can be interrupted.
func (w *adapterWrapper) Close() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosed
	w.mu.Unlock()

	return w.adapter.Close()
}

func (w *adapterWrapper) Properties() []prop.Media {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateClosed {
		return nil
	}

	props := w.adapter.Properties()
	for i := range props {
		props[i].DeviceID = w.info.Label
	}
	return props
}

// Probe does not take the state lock: a device streaming to a pipeline can
// still be listed.
func (w *adapterWrapper) Probe() ([]prop.Media, error) {
	p, ok := w.adapter.(Prober)
	if !ok {
		return nil, fmt.Errorf("%s: probe: %w", w.info.Label, availability.ErrUnimplemented)
	}

	props, err := p.Probe()
	if err != nil {
		return nil, fmt.Errorf("%s: probe: %w", w.info.Label, err)
	}
	for i := range props {
		props[i].DeviceID = w.info.Label
	}
	return props, nil
}

func (w *adapterWrapper) VideoRecord(p prop.Media) (r video.Reader, err error) {
	v, ok := w.adapter.(VideoRecorder)
	if !ok {
		return nil, fmt.Errorf("%s: video recording: %w", w.info.Label, availability.ErrUnimplemented)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	err = w.state.Update(StateRunning, func() error {
		r, err = v.VideoRecord(p)
		return err
	})
	return
}

func (w *adapterWrapper) AudioRecord(p prop.Media) (r audio.Reader, err error) {
	a, ok := w.adapter.(AudioRecorder)
	if !ok {
		return nil, fmt.Errorf("%s: audio recording: %w", w.info.Label, availability.ErrUnimplemented)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	err = w.state.Update(StateRunning, func() error {
		r, err = a.AudioRecord(p)
		return err
	})
	return
}

func (w *adapterWrapper) canVideo() bool {
	_, ok := w.adapter.(VideoRecorder)
	return ok
}

func (w *adapterWrapper) canAudio() bool {
	_, ok := w.adapter.(AudioRecorder)
	return ok
}
