package graph

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
	"github.com/syncflow/mediacore/pkg/wave"
)

// Callbacks observe how a started pipeline ends when nobody stopped it.
// They run on the pipeline goroutine after it has let go of the device
// reader, so they may call Close.
type Callbacks struct {
	OnFault       func(*RuntimeFault)
	OnEndOfStream func()
}

// Handle is a built pipeline. It owns the device until Close.
type Handle struct {
	id      string
	sel     Selection
	role    Role
	plan    plan
	drv     driver.Driver
	bridge  *bridge.Bridge
	clock   clock.Clock
	release func()
	log     logging.LeveledLogger

	mu      sync.Mutex
	started bool
	closed  bool

	paused   atomic.Bool
	stopping atomic.Bool
	pumpDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) Selection() Selection { return h.sel }
func (h *Handle) Role() Role           { return h.role }
func (h *Handle) Kind() sample.Kind    { return h.plan.kind }

// Output is the canonical format of the samples the pipeline emits.
func (h *Handle) Output() prop.Media { return h.plan.output }

// Device describes the device the pipeline captures from.
func (h *Handle) Device() driver.Info { return h.drv.Info() }

func (h *Handle) Stages() []Stage {
	return append([]Stage(nil), h.plan.stages...)
}

// Subscribe attaches a consumer to the pipeline's bridge.
func (h *Handle) Subscribe() *bridge.Reader {
	return h.bridge.Subscribe()
}

// OnSample attaches a push style consumer. See bridge.Bridge.OnSample.
func (h *Handle) OnSample(fn func(sample.Sample)) (stop func()) {
	return h.bridge.OnSample(fn)
}

// Dropped is the number of samples lost by slow consumers.
func (h *Handle) Dropped() uint64 {
	return h.bridge.Dropped()
}

// Start begins streaming. It fails with a *RuntimeFault when the device
// refuses to stream.
func (h *Handle) Start(cb Callbacks) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return ErrClosed
	case h.started:
		return ErrStarted
	}

	switch h.plan.kind {
	case sample.KindVideo:
		r, err := h.drv.VideoRecord(h.sel.Capability)
		if err != nil {
			return &RuntimeFault{Kind: Classify(err), Err: err}
		}
		go h.pumpVideo(h.plan.video(r), cb)
	case sample.KindAudio:
		r, err := h.drv.AudioRecord(h.sel.Capability)
		if err != nil {
			return &RuntimeFault{Kind: Classify(err), Err: err}
		}
		go h.pumpAudio(h.plan.audio(r), cb)
	default:
		return fmt.Errorf("graph: unknown kind %s", h.plan.kind)
	}

	h.started = true
	return nil
}

// Pause keeps the device running but stops forwarding samples.
func (h *Handle) Pause() { h.paused.Store(true) }

func (h *Handle) Resume() { h.paused.Store(false) }

func (h *Handle) Paused() bool { return h.paused.Load() }

func (h *Handle) pumpVideo(r video.Reader, cb Callbacks) {
	start := h.clock.Now()
	for {
		img, release, err := r.Read()
		if err != nil {
			h.finish(err, cb)
			return
		}
		pts := h.clock.Since(start)
		if h.paused.Load() {
			release()
			continue
		}

		yuv, ok := img.(*image.YCbCr)
		if !ok {
			release()
			h.finish(fmt.Errorf("graph: converter produced %T", img), cb)
			return
		}
		s, err := sample.NewVideo(yuv, pts, h.plan.frameDuration)
		release()
		if err != nil {
			h.finish(err, cb)
			return
		}

		if _, err := h.bridge.Push(s); err != nil {
			h.finish(err, cb)
			return
		}
	}
}

func (h *Handle) pumpAudio(r audio.Reader, cb Callbacks) {
	rate := h.plan.output.SampleRate
	var frames int64
	for {
		chunk, release, err := r.Read()
		if err != nil {
			h.finish(err, cb)
			return
		}
		pts := samplesDuration(frames, rate)
		frames += int64(chunk.ChunkInfo().Len)
		if h.paused.Load() {
			release()
			continue
		}

		pcm, ok := chunk.(*wave.Int16Interleaved)
		if !ok {
			release()
			h.finish(fmt.Errorf("graph: converter produced %T", chunk), cb)
			return
		}
		s := sample.NewAudio(pcm, pts)
		release()

		if _, err := h.bridge.Push(s); err != nil {
			h.finish(err, cb)
			return
		}
	}
}

// samplesDuration is how long n samples at rate last. Whole seconds are
// split off first so that n*time.Second cannot overflow on long captures.
func samplesDuration(n int64, rate int) time.Duration {
	r := int64(rate)
	return time.Duration(n/r)*time.Second + time.Duration(n%r)*time.Second/time.Duration(r)
}

// finish ends the pipeline goroutine. Errors caused by Close are expected
// and not reported.
func (h *Handle) finish(err error, cb Callbacks) {
	h.bridge.Close()
	close(h.pumpDone)

	if h.stopping.Load() || errors.Is(err, bridge.ErrClosed) {
		return
	}
	if isEndOfStream(err) {
		h.log.Infof("pipeline %s reached end of stream", h.id)
		if cb.OnEndOfStream != nil {
			cb.OnEndOfStream()
		}
		return
	}

	fault := &RuntimeFault{Kind: Classify(err), Err: err}
	h.log.Warnf("pipeline %s failed: %v", h.id, fault)
	if cb.OnFault != nil {
		cb.OnFault(fault)
	}
}

// Close stops the pipeline and releases the device. It is safe to call
// more than once and from any goroutine, including the callbacks. Pending
// reads on the bridge return bridge.ErrEndOfStream.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		started := h.started
		h.mu.Unlock()

		h.stopping.Store(true)
		h.closeErr = h.drv.Close()
		if started {
			<-h.pumpDone
		}
		h.bridge.Close()
		h.release()
		h.log.Debugf("closed pipeline %s", h.id)
	})
	return h.closeErr
}
