package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPipeline   = errors.New("lifecycle: unknown pipeline")
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	ErrClosed            = errors.New("lifecycle: manager closed")
)

// State is where a pipeline is in its life.
type State string

const (
	// StateBuilt means the pipeline holds its device but does not stream.
	StateBuilt State = "built"
	// StateRunning means samples flow to the consumers.
	StateRunning State = "running"
	// StatePaused means the device keeps running and samples are discarded.
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateErrored State = "errored"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

func (s State) check(next State) error {
	checks := map[State]func() error{
		StateRunning: s.toRunning,
		StatePaused:  s.toPaused,
		StateStopped: s.toEnd,
		StateErrored: s.toEnd,
	}

	check, ok := checks[next]
	if !ok {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, next)
	}
	return check()
}

func (s State) toRunning() error {
	if s != StateBuilt && s != StatePaused {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, StateRunning)
	}
	return nil
}

func (s State) toPaused() error {
	if s != StateRunning {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, StatePaused)
	}
	return nil
}

func (s State) toEnd() error {
	if s.Terminal() {
		return fmt.Errorf("%w: pipeline already %s", ErrInvalidTransition, s)
	}
	return nil
}
