package driver

import (
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

type OpenCloser interface {
	Open() error
	Close() error
}

type Infoer interface {
	Info() Info
}

type Info struct {
	// Label is the stable identifier of the device on this host, for example
	// a V4L2 by-path link. It doubles as the driver ID.
	Label string
	// Name is the human readable device name.
	Name       string
	DeviceType DeviceType
}

// Adapter is implemented by every native backend. Properties is only
// called between Open and Close.
type Adapter interface {
	OpenCloser
	Properties() []prop.Media
}

// Prober is implemented by adapters that can report their capabilities
// without being opened. Probe leaves the adapter state untouched and may run
// while the device is held by a pipeline.
type Prober interface {
	Probe() ([]prop.Media, error)
}

type VideoRecorder interface {
	VideoRecord(p prop.Media) (r video.Reader, err error)
}

type AudioRecorder interface {
	AudioRecord(p prop.Media) (r audio.Reader, err error)
}

// Driver is an Adapter guarded by a State machine. It is safe for
// concurrent use.
type Driver interface {
	Adapter
	Prober
	VideoRecorder
	AudioRecorder
	Infoer
	ID() string
	Status() State
}
