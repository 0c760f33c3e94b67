package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultDebounce     = 250 * time.Millisecond
	probeConcurrency    = 4
)

// Registry lists devices from a set of driver backends.
type Registry struct {
	backends     []driver.Backend
	clock        clock.Clock
	pollInterval time.Duration
	debounce     time.Duration
	watchPaths   []string
	log          logging.LeveledLogger

	mu   sync.Mutex
	last map[string]struct{}
}

type Option func(*Registry)

// WithBackends restricts discovery to backends instead of every registered
// backend.
func WithBackends(backends ...driver.Backend) Option {
	return func(r *Registry) {
		r.backends = backends
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithPollInterval sets how often Watch re-enumerates when no filesystem
// notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.pollInterval = d
	}
}

// WithWatchPaths sets the directories Watch observes for hot-plug events.
func WithWatchPaths(paths ...string) Option {
	return func(r *Registry) {
		r.watchPaths = paths
	}
}

// WithDebounce sets how long Watch waits for a burst of filesystem events
// to settle.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) {
		r.debounce = d
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:        clock.New(),
		pollInterval: defaultPollInterval,
		debounce:     defaultDebounce,
		log:          mclogging.NewLogger("device"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) discoverers() []driver.Backend {
	if len(r.backends) > 0 {
		return r.backends
	}
	return driver.Backends()
}

// discover runs one discovery pass per backend so that a failing subsystem
// does not hide the devices of the others.
func (r *Registry) discover() ([]driver.Driver, error) {
	if !driver.Initialized() {
		return nil, &EnumerationError{Source: "driver", Err: driver.ErrNotInitialized}
	}

	var drivers []driver.Driver
	var errs []error
	for _, b := range r.discoverers() {
		m, err := driver.Discover(b)
		if err != nil {
			errs = append(errs, &EnumerationError{Source: b.Name, Err: err})
		}
		if m != nil {
			drivers = append(drivers, m.Query(nil)...)
		}
	}
	return drivers, errors.Join(errs...)
}

// List returns a fresh snapshot of the devices on the host, sorted by ID.
// Capabilities are probed without opening any device, so listing never
// competes with a pipeline for a device.
// When a subsystem cannot be queried the devices of the others are still
// returned together with an error matching *EnumerationError.
func (r *Registry) List() ([]Descriptor, error) {
	drivers, err := r.discover()

	descs := make([]Descriptor, len(drivers))
	found := make([]bool, len(drivers))

	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, d := range drivers {
		g.Go(func() error {
			desc, ok := r.probe(d)
			descs[i], found[i] = desc, ok
			return nil
		})
	}
	g.Wait()

	snapshot := descs[:0]
	for i := range descs {
		if found[i] {
			snapshot = append(snapshot, descs[i])
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot, err
}

func (r *Registry) probe(d driver.Driver) (Descriptor, bool) {
	info := d.Info()
	desc := Descriptor{
		ID:    d.ID(),
		Name:  info.Name,
		Class: classOf(info.DeviceType),
	}

	caps, err := d.Probe()
	switch {
	case errors.Is(err, availability.ErrUnimplemented):
		r.log.Debugf("%s does not report capabilities", desc.ID)
	case err != nil:
		r.log.Warnf("skipping %s: %v", desc.ID, err)
		return desc, false
	}
	desc.Capabilities = caps
	return desc, true
}

// Lookup finds the device with the given ID in a fresh discovery pass. The
// returned driver is closed.
func (r *Registry) Lookup(id string) (driver.Driver, error) {
	drivers, err := r.discover()
	for _, d := range drivers {
		if d.ID() == id {
			return d, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("device: %s: %w", id, errors.Join(availability.ErrNoDevice, err))
	}
	return nil, fmt.Errorf("device: %s: %w", id, availability.ErrNoDevice)
}

// Refresh lists the devices again and reports which IDs appeared or
// disappeared since the previous Refresh. The first call reports every
// device as added. A failed enumeration leaves the baseline untouched.
func (r *Registry) Refresh() (Diff, error) {
	devices, err := r.List()
	if err != nil {
		return Diff{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]struct{}, len(devices))
	diff := Diff{Devices: devices}
	for _, d := range devices {
		current[d.ID] = struct{}{}
		if _, ok := r.last[d.ID]; !ok {
			diff.Added = append(diff.Added, d.ID)
		}
	}
	for id := range r.last {
		if _, ok := current[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Removed)

	r.last = current
	return diff, nil
}
