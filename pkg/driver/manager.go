package driver

import (
	"fmt"
	"sort"
	"sync"
)

// FilterFn is being used to decide if a driver should be included in the
// query result.
type FilterFn func(Driver) bool

// Manager holds the drivers found by one discovery pass.
type Manager struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewManager() *Manager {
	return &Manager{drivers: make(map[string]Driver)}
}

// Register wraps a and adds it under info.Label.
func (m *Manager) Register(a Adapter, info Info) error {
	if info.Label == "" {
		return fmt.Errorf("driver: adapter needs a label")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[info.Label]; ok {
		return fmt.Errorf("driver: %q is already registered", info.Label)
	}
	m.drivers[info.Label] = wrapAdapter(a, info)
	return nil
}

// Lookup returns the driver registered under id.
func (m *Manager) Lookup(id string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok
}

// Query returns the drivers accepted by f, sorted by ID.
func (m *Manager) Query(f FilterFn) []Driver {
	m.mu.RLock()
	results := make([]Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if f == nil || f(d) {
			results = append(results, d)
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID() < results[j].ID() })
	return results
}

// FilterVideoRecorder returns a filter, which will only allow drivers that can record video
func FilterVideoRecorder() FilterFn {
	return func(d Driver) bool {
		w, ok := d.(*adapterWrapper)
		return ok && w.canVideo()
	}
}

// FilterAudioRecorder returns a filter, which will only allow drivers that can record audio
func FilterAudioRecorder() FilterFn {
	return func(d Driver) bool {
		w, ok := d.(*adapterWrapper)
		return ok && w.canAudio()
	}
}

// FilterID returns a filter, which will only allow driver that matches ID to pass the filter
func FilterID(id string) FilterFn {
	return func(d Driver) bool {
		return d.ID() == id
	}
}

// FilterDeviceType returns a filter, which will only allow driver that matches t to pass the filter
func FilterDeviceType(t DeviceType) FilterFn {
	return func(d Driver) bool {
		return d.Info().DeviceType == t
	}
}

// FilterNot returns a filter which inverts the input filter
func FilterNot(filter FilterFn) FilterFn {
	return func(d Driver) bool {
		return !filter(d)
	}
}

// FilterAnd returns a filter which will only accept drivers accepted by all
// filters
func FilterAnd(filters ...FilterFn) FilterFn {
	return func(d Driver) bool {
		for _, filter := range filters {
			if !filter(d) {
				return false
			}
		}

		return true
	}
}
