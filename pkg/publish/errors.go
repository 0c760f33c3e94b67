package publish

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by sessions whose remote side is gone for
// good. Sessions may wrap it.
var ErrTransportClosed = errors.New("publish: transport closed")

// Kind classifies a publish failure.
type Kind int

const (
	Negotiation Kind = iota + 1
	TransportClosed
	Internal
)

func (k Kind) String() string {
	switch k {
	case Negotiation:
		return "negotiation"
	case TransportClosed:
		return "transport closed"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind Kind
	// Track is the remote track ID, when known.
	Track string
	Err   error
}

func (e *Error) Error() string {
	if e.Track == "" {
		return fmt.Sprintf("publish: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("publish: track %s: %s: %v", e.Track, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a temporary transport failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func classify(err error) Kind {
	if errors.Is(err, ErrTransportClosed) {
		return TransportClosed
	}
	return Internal
}
