package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/syncflow/mediacore/pkg/graph"
)

type EventType int

const (
	EventStateChanged EventType = iota + 1
	EventError
	EventEndOfStream
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventError:
		return "error"
	case EventEndOfStream:
		return "end-of-stream"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one entry of the manager's event stream. Seq is strictly
// increasing across all pipelines of a manager.
type Event struct {
	Seq        uint64
	PipelineID string
	Type       EventType
	Time       time.Time

	// State and Previous are set for EventStateChanged. Previous is empty
	// for the first event of a pipeline.
	State    State
	Previous State

	// Fault and Err are set for EventError.
	Fault graph.FaultKind
	Err   error
}

func (e Event) String() string {
	switch e.Type {
	case EventStateChanged:
		return fmt.Sprintf("#%d %s: %s -> %s", e.Seq, e.PipelineID, e.Previous, e.State)
	case EventError:
		return fmt.Sprintf("#%d %s: %s: %v", e.Seq, e.PipelineID, e.Fault, e.Err)
	}
	return fmt.Sprintf("#%d %s: %s", e.Seq, e.PipelineID, e.Type)
}

// Subscription delivers every event emitted after it was created, in
// order. Its queue is unbounded so a slow consumer never loses events.
type Subscription struct {
	m      *Manager
	events chan Event

	mu      sync.Mutex
	queue   []Event
	closing bool
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
}

func newSubscription(m *Manager) *Subscription {
	s := &Subscription{
		m:      m,
		events: make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

// Events is closed after Close, or once the manager is closed and every
// queued event was received.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

// end lets run return once the queue is empty.
func (s *Subscription) end() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.exited)
	defer close(s.events)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- e:
		case <-s.done:
			return
		}
	}
}

// Close stops delivery and discards pending events.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.m.unsubscribe(s)
		close(s.done)
		<-s.exited

		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}
