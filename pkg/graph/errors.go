package graph

import (
	"errors"
	"fmt"
	"io"

	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/frame"
)

var (
	// ErrDuplicate means a pipeline for the same selection already exists.
	ErrDuplicate   = errors.New("graph: a pipeline for this selection already exists")
	ErrStarted     = errors.New("graph: pipeline already started")
	ErrClosed      = errors.New("graph: pipeline closed")
	ErrUnsupported = errors.New("graph: capability not advertised by the device")
)

// Reason tells why a pipeline could not be built.
type Reason int

const (
	ReasonBusy Reason = iota + 1
	ReasonNoDevice
	ReasonUnsupportedCapability
	ReasonMissingCodec
	// ReasonDevice is any other failure of the device itself.
	ReasonDevice
)

func (r Reason) String() string {
	switch r {
	case ReasonBusy:
		return "device busy"
	case ReasonNoDevice:
		return "no such device"
	case ReasonUnsupportedCapability:
		return "unsupported capability"
	case ReasonMissingCodec:
		return "missing codec"
	case ReasonDevice:
		return "device error"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ConstructionError is returned by Build. The pipeline never existed and
// holds no resources.
type ConstructionError struct {
	Reason Reason
	Device string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("graph: building pipeline for %s: %s: %v", e.Device, e.Reason, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// FaultKind classifies a failure of a running pipeline.
type FaultKind int

const (
	FaultDeviceDisconnected FaultKind = iota + 1
	FaultDecode
	FaultInternal
	// FaultTransportClosed is raised by the consumer side when the session
	// a pipeline feeds went away.
	FaultTransportClosed
)

func (k FaultKind) String() string {
	switch k {
	case FaultDeviceDisconnected:
		return "device disconnected"
	case FaultDecode:
		return "decode"
	case FaultInternal:
		return "internal"
	case FaultTransportClosed:
		return "transport closed"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// RuntimeFault is reported when a running pipeline stops on its own.
type RuntimeFault struct {
	Kind FaultKind
	Err  error
}

func (f *RuntimeFault) Error() string {
	return fmt.Sprintf("graph: %s: %v", f.Kind, f.Err)
}

func (f *RuntimeFault) Unwrap() error {
	return f.Err
}

// Classify maps a source error to a fault kind.
func Classify(err error) FaultKind {
	var decodeErr *frame.DecodeError
	switch {
	case errors.Is(err, availability.ErrNoDevice):
		return FaultDeviceDisconnected
	case errors.As(err, &decodeErr):
		return FaultDecode
	}
	return FaultInternal
}

func openReason(err error) Reason {
	switch {
	case errors.Is(err, availability.ErrBusy):
		return ReasonBusy
	case errors.Is(err, availability.ErrNoDevice):
		return ReasonNoDevice
	}
	return ReasonDevice
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
