package driver

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotInitialized is returned by Discover before Init or after the last
// Shutdown.
var ErrNotInitialized = errors.New("driver: native backends are not initialized")

// Backend is one native capture subsystem. Init and Shutdown are optional
// and run once per process lifetime as driven by the package level Init and
// Shutdown.
type Backend struct {
	Name     string
	Init     func() error
	Shutdown func() error
	// Discover registers every device currently present on the host. A
	// subsystem with no devices is not an error.
	Discover func(m *Manager) error
}

var registry = struct {
	sync.Mutex
	backends []Backend
	refs     int
	initErrs map[string]error
}{}

// RegisterBackend adds b to the backends used by Discover when no explicit
// list is given. It is meant to be called from package init.
func RegisterBackend(b Backend) {
	registry.Lock()
	defer registry.Unlock()
	registry.backends = append(registry.backends, b)
}

// Backends returns the registered backends in registration order.
func Backends() []Backend {
	registry.Lock()
	defer registry.Unlock()
	return append([]Backend(nil), registry.backends...)
}

// Init initializes every registered backend. Calls nest: only the first
// call initializes and only the matching last Shutdown tears down. A backend
// failing to initialize does not fail Init; its error is reported by
// Discover instead so that other subsystems stay usable.
func Init() error {
	registry.Lock()
	defer registry.Unlock()

	registry.refs++
	if registry.refs > 1 {
		return nil
	}

	registry.initErrs = make(map[string]error)
	for _, b := range registry.backends {
		if b.Init == nil {
			continue
		}
		if err := b.Init(); err != nil {
			registry.initErrs[b.Name] = err
		}
	}
	return nil
}

// Shutdown undoes one Init. Extra calls are no-ops.
func Shutdown() error {
	registry.Lock()
	defer registry.Unlock()

	if registry.refs == 0 {
		return nil
	}
	registry.refs--
	if registry.refs > 0 {
		return nil
	}

	var errs []error
	for i := len(registry.backends) - 1; i >= 0; i-- {
		b := registry.backends[i]
		if b.Shutdown == nil || registry.initErrs[b.Name] != nil {
			continue
		}
		if err := b.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	registry.initErrs = nil
	return errors.Join(errs...)
}

// Initialized reports whether Init is in effect.
func Initialized() bool {
	registry.Lock()
	defer registry.Unlock()
	return registry.refs > 0
}

// Discover runs a fresh discovery pass over backends, or over the
// registered backends when none are given. The returned manager holds the
// drivers found even when some backend failed.
func Discover(backends ...Backend) (*Manager, error) {
	registry.Lock()
	if registry.refs == 0 {
		registry.Unlock()
		return nil, ErrNotInitialized
	}
	if len(backends) == 0 {
		backends = append([]Backend(nil), registry.backends...)
	}
	initErrs := make(map[string]error, len(registry.initErrs))
	for k, v := range registry.initErrs {
		initErrs[k] = v
	}
	registry.Unlock()

	m := NewManager()
	var errs []error
	for _, b := range backends {
		if err := initErrs[b.Name]; err != nil {
			errs = append(errs, fmt.Errorf("%s: init: %w", b.Name, err))
			continue
		}
		if b.Discover == nil {
			continue
		}
		if err := b.Discover(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return m, errors.Join(errs...)
}
