package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syncflow/mediacore/pkg/sample"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func video(pts time.Duration) sample.Sample {
	return sample.Sample{Kind: sample.KindVideo, PTS: pts, Width: 2, Height: 2, Data: make([]byte, 6)}
}

func TestPushOrdering(t *testing.T) {
	b := New(Config{BufferSize: 16})
	defer b.Close()
	r := b.Subscribe()

	for _, pts := range []time.Duration{10, 20, 15, 30, 30} {
		if _, err := b.Push(video(pts)); err != nil {
			t.Fatal(err)
		}
	}

	var lastSeq uint64
	var lastPTS time.Duration
	for i := 0; i < 5; i++ {
		s, err := r.NextSample(0)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if s.Seq <= lastSeq {
			t.Errorf("sequence must strictly increase: %d after %d", s.Seq, lastSeq)
		}
		if s.PTS < lastPTS {
			t.Errorf("timestamp went backwards: %d after %d", s.PTS, lastPTS)
		}
		lastSeq, lastPTS = s.Seq, s.PTS
	}

	if _, err := r.NextSample(0); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected %v, got %v", ErrTimeout, err)
	}
}

func TestDropOldest(t *testing.T) {
	var mu sync.Mutex
	var evicted []uint64
	b := New(Config{
		BufferSize: 3,
		OnDrop: func(s sample.Sample) {
			mu.Lock()
			evicted = append(evicted, s.Seq)
			mu.Unlock()
		},
	})
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	var prevDropped uint64
	for i := 1; i <= 10; i++ {
		if _, err := b.Push(video(time.Duration(i))); err != nil {
			t.Fatal(err)
		}
		if _, err := fast.NextSample(0); err != nil {
			t.Fatal(err)
		}

		if slow.Buffered() > 3 {
			t.Fatalf("buffer grew past its bound: %d", slow.Buffered())
		}
		if d := slow.Dropped(); d < prevDropped {
			t.Fatalf("dropped counter decreased from %d to %d", prevDropped, d)
		} else {
			prevDropped = d
		}
	}

	if slow.Dropped() != 7 {
		t.Errorf("expected 7 drops, got %d", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("expected the fast reader to drop nothing, got %d", fast.Dropped())
	}
	if b.Dropped() != 7 {
		t.Errorf("expected 7 drops in total, got %d", b.Dropped())
	}

	mu.Lock()
	if len(evicted) != 7 || evicted[0] != 1 || evicted[6] != 7 {
		t.Errorf("expected samples 1 to 7 evicted, got %v", evicted)
	}
	mu.Unlock()

	for _, want := range []uint64{8, 9, 10} {
		s, err := slow.NextSample(0)
		if err != nil {
			t.Fatal(err)
		}
		if s.Seq != want {
			t.Errorf("expected sample %d, got %d", want, s.Seq)
		}
	}
}

func TestNextSampleTimeout(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{Clock: mock})
	defer b.Close()
	r := b.Subscribe()

	errc := make(chan error, 1)
	go func() {
		_, err := r.NextSample(time.Second)
		errc <- err
	}()

	for {
		mock.Add(100 * time.Millisecond)
		select {
		case err := <-errc:
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("expected %v, got %v", ErrTimeout, err)
			}
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNextSampleWakesOnPush(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	r := b.Subscribe()

	done := make(chan sample.Sample, 1)
	go func() {
		s, err := r.NextSample(5 * time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- s
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := b.Push(video(1)); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-done:
		if s.Seq != 1 {
			t.Errorf("expected sample 1, got %d", s.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by push")
	}
}

func TestCloseUnblocksReaders(t *testing.T) {
	b := New(Config{})
	r := b.Subscribe()

	errc := make(chan error, 1)
	go func() {
		_, err := r.NextSample(time.Hour)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	b.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected %v, got %v", ErrEndOfStream, err)
		}
		if time.Since(start) > time.Second {
			t.Error("close took too long to release the reader")
		}
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after close")
	}

	if _, err := b.Push(video(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected %v, got %v", ErrClosed, err)
	}
	if _, err := b.Subscribe().NextSample(time.Second); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected a late reader to be at end of stream, got %v", err)
	}
}

func TestCloseDrainsBufferedSamples(t *testing.T) {
	b := New(Config{})
	r := b.Subscribe()

	b.Push(video(1))
	b.Push(video(2))
	b.Close()

	for i := 0; i < 2; i++ {
		if _, err := r.NextSample(0); err != nil {
			t.Fatalf("expected buffered sample %d, got %v", i, err)
		}
	}
	if _, err := r.NextSample(0); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected %v, got %v", ErrEndOfStream, err)
	}
}

func TestReaderClose(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	r := b.Subscribe()
	b.Push(video(1))
	r.Close()

	if _, err := r.Next(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected %v, got %v", ErrEndOfStream, err)
	}

	// A detached reader no longer receives samples nor counts drops.
	for i := 0; i < 20; i++ {
		b.Push(video(time.Duration(i)))
	}
	if r.Dropped() != 0 {
		t.Errorf("expected no drops on a closed reader, got %d", r.Dropped())
	}
}

func TestNextContext(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	r := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected %v, got %v", context.DeadlineExceeded, err)
	}
}

func TestOnSample(t *testing.T) {
	b := New(Config{BufferSize: 64})

	var mu sync.Mutex
	var got []uint64
	stop := b.OnSample(func(s sample.Sample) {
		mu.Lock()
		got = append(got, s.Seq)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Push(video(time.Duration(i)))
	}
	b.Close()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 10 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	stop()
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Errorf("expected sample %d at %d, got %d", i+1, i, seq)
		}
	}
}
