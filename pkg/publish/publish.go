// Package publish drains pipelines into tracks of a remote session. Every
// track is served by its own goroutine so that tracks never wait on each
// other, while the samples of one track are sent strictly in order.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/graph"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

const (
	DefaultRetryBudget    = 3
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 200 * time.Millisecond
)

// Target names the remote track a pipeline is published as.
type Target struct {
	TrackID  string
	StreamID string
}

// TrackRequest asks a session for a new outbound track.
type TrackRequest struct {
	Target Target
	Kind   sample.Kind
	// Format is the canonical format of the frames that will be sent.
	Format prop.Media
}

// TrackTarget is a negotiated outbound track, owned by the session.
type TrackTarget interface {
	ID() string
}

// Session is the capability of a remote session to carry tracks. SendFrame
// reports retryable failures with Transient and a session that is gone
// with ErrTransportClosed. Implementations must allow concurrent calls for
// distinct tracks.
type Session interface {
	NegotiateTrack(ctx context.Context, req TrackRequest) (TrackTarget, error)
	SendFrame(ctx context.Context, target TrackTarget, f Frame) error
	CloseTrack(target TrackTarget) error
}

// Source is a pipeline that can be published. *graph.Handle implements it.
type Source interface {
	ID() string
	Role() graph.Role
	Kind() sample.Kind
	Output() prop.Media
	Subscribe() *bridge.Reader
}

// TerminateFunc is told about a track that stopped because of a terminal
// publish error, so that its pipeline can be torn down.
type TerminateFunc func(pipelineID string, err *Error)

type Publisher struct {
	session        Session
	retryBudget    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onTerminate    TerminateFunc
	clock          clock.Clock
	log            logging.LeveledLogger

	mu     sync.Mutex
	tracks map[*PublishedTrack]struct{}
}

type Option func(*Publisher)

// WithRetry sets how many tries a frame failing with a transient error gets
// and the exponential backoff between them.
func WithRetry(budget int, initial, max time.Duration) Option {
	return func(p *Publisher) {
		p.retryBudget = budget
		p.initialBackoff = initial
		p.maxBackoff = max
	}
}

func WithTerminateFunc(f TerminateFunc) Option {
	return func(p *Publisher) {
		p.onTerminate = f
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = c
	}
}

func New(session Session, opts ...Option) *Publisher {
	p := &Publisher{
		session:        session,
		retryBudget:    DefaultRetryBudget,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		clock:          clock.New(),
		log:            mclogging.NewLogger("publish"),
		tracks:         make(map[*PublishedTrack]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.retryBudget < 1 {
		p.retryBudget = 1
	}
	return p
}

// Publish negotiates a track for src and starts sending its samples. The
// track consumes samples pushed after Publish returns, so the pipeline is
// usually started afterwards. Errors are *Error.
func (p *Publisher) Publish(ctx context.Context, src Source, target Target) (*PublishedTrack, error) {
	if src.Role() != graph.RolePublish {
		return nil, &Error{Kind: Internal, Track: target.TrackID, Err: fmt.Errorf("pipeline %s was built for %s", src.ID(), src.Role())}
	}
	if target.TrackID == "" {
		target.TrackID = src.ID()
	}

	tt, err := p.session.NegotiateTrack(ctx, TrackRequest{
		Target: target,
		Kind:   src.Kind(),
		Format: src.Output(),
	})
	if err != nil {
		kind := Negotiation
		if errors.Is(err, ErrTransportClosed) {
			kind = TransportClosed
		}
		return nil, &Error{Kind: kind, Track: target.TrackID, Err: err}
	}

	t := newTrack(p, src, target, tt)

	p.mu.Lock()
	p.tracks[t] = struct{}{}
	p.mu.Unlock()

	go t.run()
	p.log.Infof("publishing pipeline %s as track %s", src.ID(), tt.ID())
	return t, nil
}

// Tracks returns the tracks that are still running.
func (p *Publisher) Tracks() []*PublishedTrack {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracks := make([]*PublishedTrack, 0, len(p.tracks))
	for t := range p.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

func (p *Publisher) forget(t *PublishedTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tracks, t)
}

// Close stops every track.
func (p *Publisher) Close() error {
	var errs []error
	for _, t := range p.Tracks() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
