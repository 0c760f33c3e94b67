package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syncflow/mediacore/pkg/sample"
)

// Reader is one consumer of a Bridge. A Reader is meant to be drained by a
// single goroutine.
type Reader struct {
	bridge *Bridge
	clock  clock.Clock

	mu       sync.Mutex
	ring     []sample.Sample
	head, n  int
	dropped  uint64
	eos      bool
	detached bool

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// push appends s, evicting the oldest buffered sample when full.
func (r *Reader) push(s sample.Sample) (old sample.Sample, dropped bool) {
	r.mu.Lock()
	if r.n == len(r.ring) {
		old = r.ring[r.head]
		r.ring[r.head] = sample.Sample{}
		r.head = (r.head + 1) % len(r.ring)
		r.n--
		r.dropped++
		dropped = true
	}
	r.ring[(r.head+r.n)%len(r.ring)] = s
	r.n++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return old, dropped
}

func (r *Reader) pop() (s sample.Sample, ok, end bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached {
		return s, false, true
	}
	if r.n == 0 {
		return s, false, r.eos
	}

	s = r.ring[r.head]
	r.ring[r.head] = sample.Sample{}
	r.head = (r.head + 1) % len(r.ring)
	r.n--
	return s, true, false
}

func (r *Reader) finish(detach bool) {
	r.mu.Lock()
	r.eos = true
	if detach {
		r.detached = true
		r.head, r.n = 0, 0
		clear(r.ring)
	}
	r.mu.Unlock()

	r.doneOnce.Do(func() { close(r.done) })
}

// NextSample returns the oldest buffered sample, waiting up to timeout for
// one to arrive. It fails with ErrTimeout when the wait expires and with
// ErrEndOfStream once the stream is over. A non-positive timeout does not
// wait.
func (r *Reader) NextSample(timeout time.Duration) (sample.Sample, error) {
	var expired <-chan time.Time
	for {
		s, ok, end := r.pop()
		if ok {
			return s, nil
		}
		if end {
			return sample.Sample{}, ErrEndOfStream
		}

		if expired == nil {
			if timeout <= 0 {
				return sample.Sample{}, ErrTimeout
			}
			timer := r.clock.Timer(timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-r.notify:
		case <-r.done:
		case <-expired:
			return sample.Sample{}, ErrTimeout
		}
	}
}

// Next is like NextSample but waits until ctx is done instead of a timeout.
func (r *Reader) Next(ctx context.Context) (sample.Sample, error) {
	for {
		s, ok, end := r.pop()
		if ok {
			return s, nil
		}
		if end {
			return sample.Sample{}, ErrEndOfStream
		}

		select {
		case <-r.notify:
		case <-r.done:
		case <-ctx.Done():
			return sample.Sample{}, ctx.Err()
		}
	}
}

// Dropped is the number of samples this reader lost to overflow.
func (r *Reader) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dropped
}

// Buffered is the number of samples waiting to be read.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.n
}

// Close detaches the reader and discards what it holds. Pending and future
// reads return ErrEndOfStream.
func (r *Reader) Close() error {
	r.bridge.detach(r)
	r.finish(true)
	return nil
}
