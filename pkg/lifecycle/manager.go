// Package lifecycle owns running pipelines, drives their state machine and
// multiplexes what happens to them into one ordered event stream.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/internal/metrics"
	"github.com/syncflow/mediacore/pkg/graph"
	"golang.org/x/sync/errgroup"
)

// Pipeline is what the manager drives. *graph.Handle implements it.
type Pipeline interface {
	ID() string
	Start(graph.Callbacks) error
	Pause()
	Resume()
	Close() error
}

type entry struct {
	p     Pipeline
	state State
	// ending is set while the pipeline is being closed on its way to a
	// terminal state. ended is closed once that state is recorded.
	ending bool
	ended  chan struct{}
}

// Manager owns registered pipelines. It never restarts a failed pipeline.
type Manager struct {
	clock clock.Clock
	log   logging.LeveledLogger

	mu        sync.Mutex
	pipelines map[string]*entry
	subs      map[*Subscription]struct{}
	seq       uint64
	closed    bool
}

type Option func(*Manager)

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:     clock.New(),
		log:       mclogging.NewLogger("lifecycle"),
		pipelines: make(map[string]*entry),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register takes ownership of p in StateBuilt. The returned Control does
// not own p.
func (m *Manager) Register(p Pipeline) (*Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	id := p.ID()
	if _, ok := m.pipelines[id]; ok {
		return nil, fmt.Errorf("lifecycle: pipeline %s already registered", id)
	}

	m.pipelines[id] = &entry{p: p, state: StateBuilt}
	m.record(id, "", StateBuilt)
	return &Control{m: m, id: id}, nil
}

// Control returns a control reference for a registered pipeline.
func (m *Manager) Control(id string) (*Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[id]; !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownPipeline, id)
	}
	return &Control{m: m, id: id}, nil
}

func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pipelines[id]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrUnknownPipeline, id)
	}
	return e.state, nil
}

// Pipelines returns the state of every registered pipeline, including
// those in a terminal state.
func (m *Manager) Pipelines() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]State, len(m.pipelines))
	for id, e := range m.pipelines {
		states[id] = e.state
	}
	return states
}

// lookup returns the entry of id if it may move to next. It must be called
// with m.mu held.
func (m *Manager) lookup(id string, next State) (*entry, error) {
	e, ok := m.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownPipeline, id)
	}
	if e.ending {
		return nil, fmt.Errorf("%w: pipeline %s is shutting down", ErrInvalidTransition, id)
	}
	if err := e.state.check(next); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", id, err)
	}
	return e, nil
}

// record moves id to next and emits the change. It must be called with
// m.mu held.
func (m *Manager) record(id string, prev, next State) {
	if e, ok := m.pipelines[id]; ok {
		e.state = next
	}
	metrics.PipelineTransitions.WithLabelValues(string(next)).Inc()
	m.log.Debugf("pipeline %s: %s -> %s", id, prev, next)
	m.emit(Event{PipelineID: id, Type: EventStateChanged, State: next, Previous: prev})
}

// emit must be called with m.mu held.
func (m *Manager) emit(e Event) {
	m.seq++
	e.Seq = m.seq
	e.Time = m.clock.Now()
	for s := range m.subs {
		s.push(e)
	}
}

// Start moves a built pipeline to running. When the pipeline cannot start
// it ends up errored and the fault is returned.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	e, err := m.lookup(id, StateRunning)
	if err == nil && e.state != StateBuilt {
		err = fmt.Errorf("%w: pipeline %s is %s", ErrInvalidTransition, id, e.state)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// Callbacks block on m.mu until the state below is recorded.
	err = e.p.Start(graph.Callbacks{
		OnFault: func(f *graph.RuntimeFault) {
			m.Fail(id, f)
		},
		OnEndOfStream: func() {
			m.endOfStream(id)
		},
	})
	if err == nil {
		m.record(id, e.state, StateRunning)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var fault *graph.RuntimeFault
	if !errors.As(err, &fault) {
		fault = &graph.RuntimeFault{Kind: graph.Classify(err), Err: err}
	}
	m.Fail(id, fault)
	return err
}

func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(id, StatePaused)
	if err != nil {
		return err
	}
	e.p.Pause()
	m.record(id, e.state, StatePaused)
	return nil
}

func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(id, StateRunning)
	if err == nil && e.state != StatePaused {
		err = fmt.Errorf("%w: pipeline %s is %s", ErrInvalidTransition, id, e.state)
	}
	if err != nil {
		return err
	}
	e.p.Resume()
	m.record(id, e.state, StateRunning)
	return nil
}

// Stop releases the pipeline's resources and moves it to stopped. The
// state change is emitted once the device has been released.
func (m *Manager) Stop(id string) error {
	return m.end(id, StateStopped, nil)
}

// Fail moves a pipeline to errored because of f, emitting an error event
// followed by the state change. A pipeline already on its way to a
// terminal state is left alone and ErrInvalidTransition is returned.
func (m *Manager) Fail(id string, f *graph.RuntimeFault) error {
	return m.end(id, StateErrored, func() Event {
		return Event{PipelineID: id, Type: EventError, Fault: f.Kind, Err: f}
	})
}

func (m *Manager) endOfStream(id string) {
	err := m.end(id, StateStopped, func() Event {
		return Event{PipelineID: id, Type: EventEndOfStream}
	})
	if err != nil {
		m.log.Debugf("end of stream on pipeline %s: %v", id, err)
	}
}

func (m *Manager) end(id string, next State, first func() Event) error {
	m.mu.Lock()
	e, err := m.lookup(id, next)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e.ending = true
	e.ended = make(chan struct{})
	if first != nil {
		m.emit(first())
	}
	m.mu.Unlock()

	closeErr := e.p.Close()
	if closeErr != nil {
		m.log.Warnf("closing pipeline %s: %v", id, closeErr)
	}

	m.mu.Lock()
	e.ending = false
	m.record(id, e.state, next)
	close(e.ended)
	m.mu.Unlock()
	return closeErr
}

func (m *Manager) Subscribe() *Subscription {
	s := newSubscription(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		s.end()
		return s
	}
	m.subs[s] = struct{}{}
	return s
}

func (m *Manager) unsubscribe(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s)
}

// Close stops every pipeline that is not terminal yet, in parallel, waits
// for pipelines already failing or ending on their own, and ends all
// subscriptions once their queued events are delivered.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var ids []string
	for id, e := range m.pipelines {
		if !e.state.Terminal() && !e.ending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := m.Stop(id)
			if errors.Is(err, ErrInvalidTransition) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	// Every pipeline is now terminal or being closed by a concurrent Fail
	// or end of stream, which has to record its state before subscribers go.
	m.mu.Lock()
	var pending []chan struct{}
	for _, e := range m.pipelines {
		if e.ending {
			pending = append(pending, e.ended)
		}
	}
	m.mu.Unlock()
	for _, ended := range pending {
		<-ended
	}

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*Subscription]struct{})
	m.mu.Unlock()
	for s := range subs {
		s.end()
	}
	return err
}

// Control drives one pipeline without owning it.
type Control struct {
	m  *Manager
	id string
}

func (c *Control) ID() string            { return c.id }
func (c *Control) Start() error          { return c.m.Start(c.id) }
func (c *Control) Pause() error          { return c.m.Pause(c.id) }
func (c *Control) Resume() error         { return c.m.Resume(c.id) }
func (c *Control) Stop() error           { return c.m.Stop(c.id) }
func (c *Control) State() (State, error) { return c.m.State(c.id) }
