// Package bridge drains samples out of a capture graph and fans them out to
// any number of consumers. Every consumer owns a bounded buffer that drops
// its oldest sample when the consumer falls behind.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/sample"
)

var (
	// ErrTimeout is returned by NextSample when no sample arrived in time.
	ErrTimeout = errors.New("bridge: timed out waiting for a sample")
	// ErrEndOfStream is returned once the bridge is closed and the reader
	// has been drained, or once the reader itself is closed.
	ErrEndOfStream = io.EOF
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("bridge: closed")
)

const DefaultBufferSize = 8

type Config struct {
	// BufferSize is the capacity of each reader. Zero selects
	// DefaultBufferSize.
	BufferSize int
	Clock      clock.Clock
	// OnDrop, if set, is called with every sample a reader discards.
	OnDrop func(dropped sample.Sample)
}

type Bridge struct {
	bufferSize int
	clock      clock.Clock
	onDrop     func(sample.Sample)
	log        logging.LeveledLogger

	mu      sync.Mutex
	seq     uint64
	lastPTS time.Duration
	readers map[*Reader]struct{}
	closed  bool

	dropped atomic.Uint64
}

func New(cfg Config) *Bridge {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Bridge{
		bufferSize: cfg.BufferSize,
		clock:      cfg.Clock,
		onDrop:     cfg.OnDrop,
		log:        mclogging.NewLogger("bridge"),
		readers:    make(map[*Reader]struct{}),
	}
}

// Push stamps s with the next sequence number and hands it to every reader.
// A timestamp older than the previous one is raised to it so that readers
// never observe time going backwards. Push never blocks on consumers.
func (b *Bridge) Push(s sample.Sample) (sample.Sample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return sample.Sample{}, ErrClosed
	}

	b.seq++
	s.Seq = b.seq
	if s.PTS < b.lastPTS {
		s.PTS = b.lastPTS
	}
	b.lastPTS = s.PTS

	for r := range b.readers {
		old, dropped := r.push(s)
		if !dropped {
			continue
		}

		b.dropped.Add(1)
		b.log.Tracef("reader full, dropped sample %d", old.Seq)
		if b.onDrop != nil {
			b.onDrop(old)
		}
	}

	return s, nil
}

// Subscribe attaches a new reader. Only samples pushed after the call are
// visible to it. Subscribing to a closed bridge returns a reader that is
// already at end of stream.
func (b *Bridge) Subscribe() *Reader {
	r := &Reader{
		bridge: b,
		clock:  b.clock,
		ring:   make([]sample.Sample, b.bufferSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		r.finish(false)
		return r
	}
	b.readers[r] = struct{}{}
	return r
}

// OnSample calls fn with every sample from a dedicated goroutine, in push
// order, until stop is called or the bridge reaches end of stream. stop
// waits for the goroutine and must not be called from fn.
func (b *Bridge) OnSample(fn func(sample.Sample)) (stop func()) {
	r := b.Subscribe()
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			s, err := r.Next(context.Background())
			if err != nil {
				return
			}
			fn(s)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.Close()
			<-exited
		})
	}
}

// Dropped is the total number of samples discarded across all readers.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends the stream. Readers still return what they hold and then
// ErrEndOfStream; blocked readers with nothing left are released at once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for r := range b.readers {
		r.finish(false)
	}
	b.readers = nil
	return nil
}

func (b *Bridge) detach(r *Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.readers, r)
}
