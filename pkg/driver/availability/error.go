// Package availability classifies why a device cannot be used.
package availability

import (
	"errors"
	"os"
	"syscall"
)

var (
	ErrUnimplemented = NewError("not implemented")
	ErrBusy          = NewError("device or resource busy")
	ErrNoDevice      = NewError("no such device")
)

type errorString struct {
	s string
}

func NewError(text string) error {
	return &errorString{text}
}

// IsError reports whether err is one of the availability errors.
func IsError(err error) bool {
	var target *errorString
	return errors.As(err, &target)
}

func (e *errorString) Error() string {
	return e.s
}

type classified struct {
	kind error
	err  error
}

func (e *classified) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *classified) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Classify wraps OS level errors meaning the device is gone or held by
// someone else so that errors.Is matches ErrNoDevice or ErrBusy. Other
// errors are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil || IsError(err):
		return err
	case errors.Is(err, syscall.EBUSY):
		return &classified{ErrBusy, err}
	case errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO), errors.Is(err, os.ErrNotExist):
		return &classified{ErrNoDevice, err}
	}
	return err
}
