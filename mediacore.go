// Package mediacore streams local capture devices into a remote session
// and records them locally. It ties together device discovery, capture
// graph construction, publishing and the pipeline lifecycle.
package mediacore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/config"
	"github.com/syncflow/mediacore/pkg/device"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/cmdsource"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/graph"
	"github.com/syncflow/mediacore/pkg/lifecycle"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/publish"
	"github.com/syncflow/mediacore/pkg/record"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSession = errors.New("mediacore: no session to publish to")
	ErrClosed    = errors.New("mediacore: closed")
)

// Init initializes the native capture subsystems. It must be called before
// devices are listed. Calls nest with Shutdown.
func Init() error {
	return driver.Init()
}

// Shutdown undoes one Init.
func Shutdown() error {
	return driver.Shutdown()
}

type options struct {
	cfg      config.Config
	backends []driver.Backend
	clock    clock.Clock
	level    string
}

type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithBackends restricts discovery to backends instead of every registered
// one.
func WithBackends(backends ...driver.Backend) Option {
	return func(o *options) {
		o.backends = backends
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLoggerLevel overrides the log level of the configuration.
func WithLoggerLevel(level string) Option {
	return func(o *options) {
		o.level = level
	}
}

// pipeline is what Core keeps about one registered pipeline.
type pipeline struct {
	handle   *graph.Handle
	ctl      *lifecycle.Control
	track    *publish.PublishedTrack
	recorder *record.Recorder

	finalizeOnce sync.Once
	finalizeErr  error
}

// finalize waits for the consumers of an ended pipeline and closes the
// recording with cause.
func (p *pipeline) finalize(cause error) error {
	p.finalizeOnce.Do(func() {
		if p.track != nil {
			<-p.track.Done()
		}
		if p.recorder != nil {
			p.finalizeErr = p.recorder.Close(cause)
		}
	})
	return p.finalizeErr
}

// Core is the command surface of the capture core. It is safe for
// concurrent use.
type Core struct {
	cfg       config.Config
	clock     clock.Clock
	log       logging.LeveledLogger
	registry  *device.Registry
	builder   *graph.Builder
	manager   *lifecycle.Manager
	publisher *publish.Publisher

	mu        sync.Mutex
	pipelines map[string]*pipeline
	closed    bool

	events    *lifecycle.Subscription
	watchDone chan struct{}
}

// New creates a Core publishing to session. session may be nil when only
// recording is used.
func New(session publish.Session, opts ...Option) (*Core, error) {
	o := options{cfg: config.Default(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.level == "" {
		o.level = o.cfg.Log.Level
	}
	if err := mclogging.SetLevel(o.level); err != nil {
		return nil, err
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	registryOpts := []device.Option{
		device.WithClock(o.clock),
		device.WithPollInterval(o.cfg.Devices.PollInterval),
		device.WithWatchPaths(o.cfg.Devices.WatchPaths...),
	}
	if srcs := o.cfg.Devices.CommandSources; len(srcs) > 0 {
		backends := o.backends
		if backends == nil {
			backends = driver.Backends()
		}
		o.backends = append(backends[:len(backends):len(backends)], cmdsource.Backend(commandSources(srcs)...))
	}
	if o.backends != nil {
		registryOpts = append(registryOpts, device.WithBackends(o.backends...))
	}
	registry := device.NewRegistry(registryOpts...)

	c := &Core{
		cfg:      o.cfg,
		clock:    o.clock,
		log:      mclogging.NewLogger("mediacore"),
		registry: registry,
		builder: graph.NewBuilder(registry,
			graph.WithClock(o.clock),
			graph.WithBufferSize(o.cfg.Bridge.BufferSize),
			graph.WithAudioFormat(o.cfg.Audio.SampleRate, o.cfg.Audio.Chunk),
		),
		manager:   lifecycle.NewManager(lifecycle.WithClock(o.clock)),
		pipelines: make(map[string]*pipeline),
		watchDone: make(chan struct{}),
	}
	if session != nil {
		c.publisher = publish.New(session,
			publish.WithRetry(o.cfg.Publish.RetryBudget, o.cfg.Publish.InitialBackoff, o.cfg.Publish.MaxBackoff),
			publish.WithClock(o.clock),
			publish.WithTerminateFunc(c.terminate),
		)
	}

	c.events = c.manager.Subscribe()
	go c.watch()
	return c, nil
}

func commandSources(cfg []config.CommandSource) []cmdsource.Source {
	srcs := make([]cmdsource.Source, 0, len(cfg))
	for _, c := range cfg {
		p := prop.Media{
			Video: prop.Video{
				Width:       c.Width,
				Height:      c.Height,
				FrameRate:   c.FrameRate,
				FrameFormat: frame.Format(c.FrameFormat),
			},
			Audio: prop.Audio{
				ChannelCount: c.Channels,
				SampleRate:   c.SampleRate,
				SampleSize:   c.SampleSize,
				IsFloat:      c.Float,
			},
		}
		if p.Width <= 0 && p.SampleSize == 0 {
			p.SampleSize = 2
		}
		srcs = append(srcs, cmdsource.Source{Label: c.Label, Name: c.Name, Command: c.Command, Props: p})
	}
	return srcs
}

// Config returns the configuration in effect.
func (c *Core) Config() config.Config {
	return c.cfg
}

// ListDevices returns a fresh snapshot of the devices on the host. When a
// subsystem fails the devices of the others are still returned along with
// the error.
func (c *Core) ListDevices() ([]device.Descriptor, error) {
	return c.registry.List()
}

// RefreshDevices reports the devices that appeared or disappeared since the
// previous call.
func (c *Core) RefreshDevices() (device.Diff, error) {
	return c.registry.Refresh()
}

// WatchDevices reports hot-plug changes until ctx is done.
func (c *Core) WatchDevices(ctx context.Context) (<-chan device.Diff, error) {
	return c.registry.Watch(ctx)
}

type publishOptions struct {
	recordDir string
}

type PublishOption func(*publishOptions)

// RecordTo also records the published pipeline into dir.
func RecordTo(dir string) PublishOption {
	return func(o *publishOptions) {
		o.recordDir = dir
	}
}

// BuildAndPublish builds a pipeline for sel, publishes it as target and
// starts it. It returns the pipeline ID. Construction failures are
// *graph.ConstructionError, negotiation failures *publish.Error. Whatever
// happens to the pipeline afterwards is reported on the event stream.
func (c *Core) BuildAndPublish(ctx context.Context, sel graph.Selection, target publish.Target, opts ...PublishOption) (string, error) {
	if c.publisher == nil {
		return "", ErrNoSession
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	return c.run(sel, graph.RolePublish, func(p *pipeline) error {
		track, err := c.publisher.Publish(ctx, p.handle, target)
		if err != nil {
			return err
		}
		p.track = track
		if o.recordDir != "" {
			return c.record(p, o.recordDir)
		}
		return nil
	})
}

// BuildAndRecord builds a pipeline for sel that is only recorded into dir,
// or into the configured recording directory when dir is empty.
func (c *Core) BuildAndRecord(sel graph.Selection, dir string) (string, error) {
	if dir == "" {
		dir = c.cfg.Recording.Dir
	}
	return c.run(sel, graph.RoleSubscribe, func(p *pipeline) error {
		return c.record(p, dir)
	})
}

func (c *Core) record(p *pipeline, dir string) error {
	info := p.handle.Device()
	rec, err := record.Start(p.handle, record.Options{
		Dir:      dir,
		Name:     info.Name,
		DeviceID: p.handle.Selection().DeviceID,
		Channel:  p.handle.Selection().Channel,
		Clock:    c.clock,
	})
	if err != nil {
		return err
	}
	p.recorder = rec
	return nil
}

// run builds and registers a pipeline, attaches its consumers and starts
// it. A pipeline whose consumers cannot be attached is stopped again.
func (c *Core) run(sel graph.Selection, role graph.Role, attach func(*pipeline) error) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	h, err := c.builder.Build(sel, role)
	if err != nil {
		return "", err
	}
	ctl, err := c.manager.Register(h)
	if err != nil {
		h.Close()
		return "", err
	}

	p := &pipeline{handle: h, ctl: ctl}
	c.mu.Lock()
	c.pipelines[h.ID()] = p
	c.mu.Unlock()

	if err := attach(p); err != nil {
		c.Stop(h.ID())
		return "", err
	}
	if err := ctl.Start(); err != nil {
		return "", err
	}

	c.log.Infof("pipeline %s running: %s (%s)", h.ID(), sel, role)
	return h.ID(), nil
}

// terminate tears down the pipeline of a track that stopped for good.
func (c *Core) terminate(pipelineID string, err *publish.Error) {
	kind := graph.FaultInternal
	if err.Kind == publish.TransportClosed {
		kind = graph.FaultTransportClosed
	}
	if ferr := c.manager.Fail(pipelineID, &graph.RuntimeFault{Kind: kind, Err: err}); ferr != nil {
		c.log.Debugf("tearing down pipeline %s: %v", pipelineID, ferr)
	}
}

// watch finalizes the consumers of pipelines that reached a terminal
// state, whoever ended them.
func (c *Core) watch() {
	defer close(c.watchDone)

	causes := make(map[string]error)
	for e := range c.events.Events() {
		switch {
		case e.Type == lifecycle.EventError:
			causes[e.PipelineID] = e.Err
		case e.Type == lifecycle.EventStateChanged && e.State.Terminal():
			if err := c.finalize(e.PipelineID, causes[e.PipelineID]); err != nil {
				c.log.Warnf("pipeline %s: %v", e.PipelineID, err)
			}
			delete(causes, e.PipelineID)
		}
	}
}

func (c *Core) finalize(id string, cause error) error {
	c.mu.Lock()
	p, ok := c.pipelines[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return p.finalize(cause)
}

// Stop stops a pipeline and waits until its track is closed and its
// recording is written.
func (c *Core) Stop(id string) error {
	err := c.manager.Stop(id)
	if errors.Is(err, lifecycle.ErrUnknownPipeline) {
		return err
	}
	return errors.Join(err, c.finalize(id, nil))
}

func (c *Core) Pause(id string) error  { return c.manager.Pause(id) }
func (c *Core) Resume(id string) error { return c.manager.Resume(id) }

func (c *Core) State(id string) (lifecycle.State, error) {
	return c.manager.State(id)
}

// Subscribe attaches another consumer to a pipeline's samples.
func (c *Core) Subscribe(id string) (*bridge.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w %s", lifecycle.ErrUnknownPipeline, id)
	}
	return p.handle.Subscribe(), nil
}

// Track returns the published track of a pipeline, if any.
func (c *Core) Track(id string) (*publish.PublishedTrack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipelines[id]
	if !ok || p.track == nil {
		return nil, false
	}
	return p.track, true
}

// Recording returns the path of a pipeline's recording, if any.
func (c *Core) Recording(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipelines[id]
	if !ok || p.recorder == nil {
		return "", false
	}
	return p.recorder.Path(), true
}

// SubscribeEvents returns the ordered event stream of every pipeline. The
// subscription must be closed.
func (c *Core) SubscribeEvents() *lifecycle.Subscription {
	return c.manager.Subscribe()
}

// Close stops every pipeline and waits for their consumers.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.manager.Close()
	<-c.watchDone
	c.events.Close()

	c.mu.Lock()
	pipelines := make([]*pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		pipelines = append(pipelines, p)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, p := range pipelines {
		g.Go(func() error {
			return p.finalize(nil)
		})
	}
	if c.publisher != nil {
		g.Go(c.publisher.Close)
	}
	return errors.Join(err, g.Wait())
}
