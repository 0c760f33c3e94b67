// Package device enumerates the capture devices present on the host. Every
// listing is a fresh snapshot; nothing about the devices themselves is
// cached between calls.
package device

import (
	"fmt"

	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/prop"
)

// Class is the broad kind of media a device produces.
type Class int

const (
	ClassVideo Class = iota + 1
	ClassAudio
	ClassScreen
)

func (c Class) String() string {
	switch c {
	case ClassVideo:
		return "video"
	case ClassAudio:
		return "audio"
	case ClassScreen:
		return "screen"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

func classOf(t driver.DeviceType) Class {
	switch t {
	case driver.Microphone:
		return ClassAudio
	case driver.Screen:
		return ClassScreen
	}
	return ClassVideo
}

// Descriptor describes one device at the time of the listing.
type Descriptor struct {
	// ID is stable for a given physical device on a given host.
	ID    string
	Name  string
	Class Class
	// Capabilities is empty when the backend cannot report them without
	// opening the device.
	Capabilities []prop.Media
}

// Video reports whether the device produces images.
func (d Descriptor) Video() bool {
	return d.Class == ClassVideo || d.Class == ClassScreen
}

// EnumerationError means a device subsystem could not be queried. It is not
// fatal: the caller may retry.
type EnumerationError struct {
	Source string
	Err    error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device: enumerating %s: %v", e.Source, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// Diff is the result of a Refresh.
type Diff struct {
	Added   []string
	Removed []string
	// Devices is the complete snapshot the diff was computed against.
	Devices []Descriptor
}

// Empty reports whether nothing was added or removed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}
