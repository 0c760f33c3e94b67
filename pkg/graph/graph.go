// Package graph builds capture pipelines: a device source followed by the
// conversion stages that bring its output to the canonical format, ending
// in a bridge that consumers drain.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/internal/metrics"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

const (
	DefaultSampleRate = 48000
	DefaultChunk      = 10 * time.Millisecond
)

// Role is what the pipeline is built for.
type Role int

const (
	// RolePublish pipelines feed a remote session.
	RolePublish Role = iota + 1
	// RoleSubscribe pipelines are consumed locally only, for example by a
	// recorder or a preview.
	RoleSubscribe
)

func (r Role) String() string {
	switch r {
	case RolePublish:
		return "publish"
	case RoleSubscribe:
		return "subscribe"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Selection picks one capability of one device.
type Selection struct {
	DeviceID   string
	Capability prop.Media
	// Channel picks a single channel of a multi-channel audio device,
	// counting from 1. Zero keeps every channel.
	Channel int
}

func (s Selection) String() string {
	if s.Channel > 0 {
		return fmt.Sprintf("%s:%s#%d", s.DeviceID, s.Capability.Key(), s.Channel)
	}
	return s.DeviceID + ":" + s.Capability.Key()
}

type leaseKey struct {
	device     string
	capability string
	channel    int
}

func (s Selection) key() leaseKey {
	return leaseKey{s.DeviceID, s.Capability.Key(), s.Channel}
}

// Stage describes one element of a built pipeline.
type Stage struct {
	Name   string
	Detail string
}

func (s Stage) String() string {
	if s.Detail == "" {
		return s.Name
	}
	return s.Name + "(" + s.Detail + ")"
}

// Resolver finds a closed driver by device ID.
type Resolver interface {
	Lookup(id string) (driver.Driver, error)
}

// Builder builds pipelines and guarantees that at most one pipeline exists
// per selection.
type Builder struct {
	resolver   Resolver
	clock      clock.Clock
	bufferSize int
	sampleRate int
	chunk      time.Duration
	onDrop     func(sample.Sample)
	log        logging.LeveledLogger

	mu     sync.Mutex
	leases map[leaseKey]struct{}
}

type Option func(*Builder)

func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		b.clock = c
	}
}

// WithBufferSize sets the per-reader capacity of the bridges.
func WithBufferSize(n int) Option {
	return func(b *Builder) {
		b.bufferSize = n
	}
}

// WithAudioFormat sets the canonical audio rate and chunk duration.
func WithAudioFormat(sampleRate int, chunk time.Duration) Option {
	return func(b *Builder) {
		b.sampleRate = sampleRate
		b.chunk = chunk
	}
}

// WithDropHook replaces the default drop accounting of the bridges.
func WithDropHook(f func(sample.Sample)) Option {
	return func(b *Builder) {
		b.onDrop = f
	}
}

func NewBuilder(resolver Resolver, opts ...Option) *Builder {
	b := &Builder{
		resolver:   resolver,
		clock:      clock.New(),
		bufferSize: bridge.DefaultBufferSize,
		sampleRate: DefaultSampleRate,
		chunk:      DefaultChunk,
		onDrop: func(s sample.Sample) {
			metrics.DroppedSamples.WithLabelValues(s.Kind.String()).Inc()
		},
		log:    mclogging.NewLogger("graph"),
		leases: make(map[leaseKey]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Builder) lease(k leaseKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.leases[k]; ok {
		return false
	}
	b.leases[k] = struct{}{}
	return true
}

func (b *Builder) unlease(k leaseKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.leases, k)
}

// Leases returns the number of live pipelines.
func (b *Builder) Leases() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.leases)
}

// Build opens the selected device and wires the pipeline, without starting
// it. The device stays held until the handle is closed. The returned error,
// if any, is a *ConstructionError and nothing is left open.
func (b *Builder) Build(sel Selection, role Role) (*Handle, error) {
	fail := func(reason Reason, err error) (*Handle, error) {
		return nil, &ConstructionError{Reason: reason, Device: sel.DeviceID, Err: err}
	}

	key := sel.key()
	if !b.lease(key) {
		return fail(ReasonBusy, ErrDuplicate)
	}
	release := func() { b.unlease(key) }

	drv, err := b.resolver.Lookup(sel.DeviceID)
	if err != nil {
		release()
		return fail(ReasonNoDevice, err)
	}
	if err := drv.Open(); err != nil {
		release()
		return fail(openReason(err), err)
	}
	abort := func(reason Reason, err error) (*Handle, error) {
		if cerr := drv.Close(); cerr != nil {
			b.log.Warnf("closing %s after failed build: %v", sel.DeviceID, cerr)
		}
		release()
		return fail(reason, err)
	}

	if !prop.Contains(drv.Properties(), sel.Capability) {
		return abort(ReasonUnsupportedCapability, fmt.Errorf("%w: %s", ErrUnsupported, sel.Capability.Key()))
	}

	p, err := b.plan(sel)
	if err != nil {
		if errors.Is(err, frame.ErrNoDecoder) {
			return abort(ReasonMissingCodec, err)
		}
		return abort(ReasonUnsupportedCapability, err)
	}

	h := &Handle{
		id:       uuid.NewString(),
		sel:      sel,
		role:     role,
		plan:     p,
		drv:      drv,
		clock:    b.clock,
		release:  release,
		log:      b.log,
		pumpDone: make(chan struct{}),
		bridge: bridge.New(bridge.Config{
			BufferSize: b.bufferSize,
			Clock:      b.clock,
			OnDrop:     b.onDrop,
		}),
	}
	b.log.Debugf("built %s pipeline %s: %v", role, h.id, p.stages)
	return h, nil
}
