package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/syncflow/mediacore/internal/metrics"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/codec"
	"github.com/syncflow/mediacore/pkg/sample"
)

const bitrateWindow = time.Second

// Stats are the counters of one track.
type Stats struct {
	// Sent is the number of frames the session accepted.
	Sent uint64
	// Retries is the number of transient failures that were retried.
	Retries uint64
	// Dropped is the number of frames given up on after the retry budget.
	Dropped uint64
	// Bitrate of the sent frames, in bits per second.
	Bitrate float64
}

// PublishedTrack is a pipeline being sent to a remote track.
type PublishedTrack struct {
	p          *Publisher
	pipelineID string
	kind       sample.Kind
	target     Target
	tt         TrackTarget
	reader     *bridge.Reader
	bitrate    *codec.BitrateTracker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent, retries, dropped atomic.Uint64

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

func newTrack(p *Publisher, src Source, target Target, tt TrackTarget) *PublishedTrack {
	ctx, cancel := context.WithCancel(context.Background())
	return &PublishedTrack{
		p:          p,
		pipelineID: src.ID(),
		kind:       src.Kind(),
		target:     target,
		tt:         tt,
		reader:     src.Subscribe(),
		bitrate:    codec.NewBitrateTracker(bitrateWindow),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// ID is the session's identifier of the track.
func (t *PublishedTrack) ID() string         { return t.tt.ID() }
func (t *PublishedTrack) Target() Target     { return t.target }
func (t *PublishedTrack) PipelineID() string { return t.pipelineID }
func (t *PublishedTrack) Kind() sample.Kind  { return t.kind }

// Done is closed once the track stopped sending.
func (t *PublishedTrack) Done() <-chan struct{} { return t.done }

// Err returns the terminal error that stopped the track, if any.
func (t *PublishedTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func (t *PublishedTrack) Stats() Stats {
	return Stats{
		Sent:    t.sent.Load(),
		Retries: t.retries.Load(),
		Dropped: t.dropped.Load(),
		Bitrate: t.bitrate.GetBitrate(),
	}
}

func (t *PublishedTrack) run() {
	defer t.p.forget(t)
	defer close(t.done)
	defer t.closeTarget()
	defer t.reader.Close()

	kind := t.kind.String()
	for {
		s, err := t.reader.Next(t.ctx)
		if err != nil {
			// End of stream or Close.
			return
		}

		f, err := NewFrame(s)
		if err != nil {
			t.terminate(&Error{Kind: Internal, Track: t.ID(), Err: err})
			return
		}

		err = t.send(f)
		switch {
		case err == nil:
			t.sent.Add(1)
			t.bitrate.AddFrame(len(s.Data), t.p.clock.Now())
			metrics.PublishedFrames.WithLabelValues(kind).Inc()

		case t.ctx.Err() != nil:
			return

		case IsTransient(err):
			t.dropped.Add(1)
			metrics.PublishErrors.WithLabelValues(kind, "retry_budget").Inc()
			t.p.log.Debugf("track %s dropped frame at %dus: %v", t.ID(), f.Timestamp, err)

		default:
			perr := &Error{Kind: classify(err), Track: t.ID(), Err: err}
			metrics.PublishErrors.WithLabelValues(kind, perr.Kind.String()).Inc()
			t.terminate(perr)
			return
		}
	}
}

// send hands f to the session, retrying transient failures with
// exponential backoff within the retry budget.
func (t *PublishedTrack) send(f Frame) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.p.initialBackoff
	exp.MaxInterval = t.p.maxBackoff

	kind := t.kind.String()
	_, err := backoff.Retry(t.ctx, func() (struct{}, error) {
		err := t.p.session.SendFrame(t.ctx, t.tt, f)
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(t.p.retryBudget)),
		backoff.WithNotify(func(error, time.Duration) {
			t.retries.Add(1)
			metrics.PublishRetries.WithLabelValues(kind).Inc()
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (t *PublishedTrack) terminate(err *Error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	t.p.log.Warnf("track %s of pipeline %s stopped: %v", t.ID(), t.pipelineID, err)
	if t.p.onTerminate != nil {
		t.p.onTerminate(t.pipelineID, err)
	}
}

func (t *PublishedTrack) closeTarget() {
	t.closeOnce.Do(func() {
		t.closeErr = t.p.session.CloseTrack(t.tt)
		if t.closeErr != nil {
			t.p.log.Debugf("closing track %s: %v", t.ID(), t.closeErr)
		}
	})
}

// Close stops sending and closes the remote track. The pipeline keeps
// running.
func (t *PublishedTrack) Close() error {
	t.cancel()
	<-t.done

	if errors.Is(t.closeErr, ErrTransportClosed) {
		return nil
	}
	return t.closeErr
}
