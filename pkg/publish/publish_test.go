package publish

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/graph"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
	"github.com/syncflow/mediacore/pkg/wave"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// source is a pipeline stand-in backed by a bare bridge.
type source struct {
	id   string
	role graph.Role
	kind sample.Kind
	b    *bridge.Bridge
}

func newSource(id string, kind sample.Kind) *source {
	return &source{id: id, role: graph.RolePublish, kind: kind, b: bridge.New(bridge.Config{BufferSize: 64})}
}

func (s *source) ID() string                { return s.id }
func (s *source) Role() graph.Role          { return s.role }
func (s *source) Kind() sample.Kind         { return s.kind }
func (s *source) Output() prop.Media        { return prop.Media{DeviceID: s.id} }
func (s *source) Subscribe() *bridge.Reader { return s.b.Subscribe() }

func (s *source) pushVideo(t *testing.T, pts time.Duration) {
	t.Helper()
	v, err := sample.NewVideo(image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio420), pts, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = s.b.Push(v)
	require.NoError(t, err)
}

type trackTarget string

func (t trackTarget) ID() string { return string(t) }

// session records frames and fails sends on demand.
type session struct {
	mu        sync.Mutex
	frames    map[string][]Frame
	closed    map[string]bool
	negotiate error
	// fail returns the error for the n-th send attempt of a track.
	fail  func(track string, attempt int) error
	tries map[string]int
}

func newSession() *session {
	return &session{frames: map[string][]Frame{}, closed: map[string]bool{}, tries: map[string]int{}}
}

func (s *session) NegotiateTrack(_ context.Context, req TrackRequest) (TrackTarget, error) {
	if s.negotiate != nil {
		return nil, s.negotiate
	}
	return trackTarget(req.Target.TrackID), nil
}

func (s *session) SendFrame(_ context.Context, target TrackTarget, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := target.ID()
	s.tries[id]++
	if s.fail != nil {
		if err := s.fail(id, s.tries[id]); err != nil {
			return err
		}
	}
	s.frames[id] = append(s.frames[id], f)
	return nil
}

func (s *session) CloseTrack(target TrackTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed[target.ID()] = true
	return nil
}

func (s *session) sent(id string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Frame(nil), s.frames[id]...)
}

func (s *session) attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tries[id]
}

func (s *session) isClosed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublishInOrder(t *testing.T) {
	sess := newSession()
	p := New(sess)

	cam, mic := newSource("cam", sample.KindVideo), newSource("mic", sample.KindAudio)
	camTrack, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)
	micTrack, err := p.Publish(context.Background(), mic, Target{TrackID: "audio"})
	require.NoError(t, err)
	assert.Len(t, p.Tracks(), 2)

	for i := 0; i < 20; i++ {
		cam.pushVideo(t, time.Duration(i)*time.Millisecond)
		chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 480, Channels: 1, SamplingRate: 48000})
		_, err := mic.b.Push(sample.NewAudio(chunk, time.Duration(i)*10*time.Millisecond))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return len(sess.sent("video")) == 20 && len(sess.sent("audio")) == 20 })

	frames := sess.sent("video")
	for i, f := range frames {
		assert.Equal(t, int64(i*1000), f.Timestamp)
		require.NotNil(t, f.Video)
		assert.Len(t, f.Video.Y, 16)
		assert.Len(t, f.Video.U, 4)
	}
	for i, f := range sess.sent("audio") {
		assert.Equal(t, int64(i*10000), f.Timestamp)
		require.NotNil(t, f.Audio)
		assert.Equal(t, 480, f.Audio.SamplesPerChannel)
	}
	assert.Equal(t, uint64(20), camTrack.Stats().Sent)
	assert.Equal(t, "cam", camTrack.PipelineID())

	require.NoError(t, p.Close())
	assert.True(t, sess.isClosed("video"))
	assert.True(t, sess.isClosed("audio"))
	assert.Empty(t, p.Tracks())
	<-micTrack.Done()
	assert.NoError(t, micTrack.Err())
}

func TestTransientRetry(t *testing.T) {
	sess := newSession()
	sess.fail = func(_ string, attempt int) error {
		if attempt <= 2 {
			return Transient(errors.New("congested"))
		}
		return nil
	}
	p := New(sess, WithRetry(3, time.Millisecond, 2*time.Millisecond))

	cam := newSource("cam", sample.KindVideo)
	track, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)
	defer track.Close()

	cam.pushVideo(t, 0)
	waitFor(t, func() bool { return track.Stats().Sent == 1 })

	stats := track.Stats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestRetryBudgetExhausted(t *testing.T) {
	sess := newSession()
	sess.fail = func(_ string, attempt int) error {
		if attempt <= 3 {
			return Transient(errors.New("congested"))
		}
		return nil
	}
	p := New(sess, WithRetry(3, time.Millisecond, 2*time.Millisecond))

	cam := newSource("cam", sample.KindVideo)
	track, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)
	defer track.Close()

	cam.pushVideo(t, 0)
	cam.pushVideo(t, time.Millisecond)
	waitFor(t, func() bool { return track.Stats().Sent == 1 })

	stats := track.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, int64(1000), sess.sent("video")[0].Timestamp)
	assert.NoError(t, track.Err())
}

func TestTransportClosedTerminates(t *testing.T) {
	sess := newSession()
	sess.fail = func(track string, _ int) error {
		if track == "video" {
			return fmt.Errorf("peer went away: %w", ErrTransportClosed)
		}
		return nil
	}

	terminated := make(chan *Error, 1)
	p := New(sess, WithTerminateFunc(func(pipelineID string, err *Error) {
		assert.Equal(t, "cam", pipelineID)
		terminated <- err
	}))

	cam := newSource("cam", sample.KindVideo)
	track, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)

	cam.pushVideo(t, 0)

	select {
	case err := <-terminated:
		assert.Equal(t, TransportClosed, err.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("track was not terminated")
	}

	<-track.Done()
	var perr *Error
	require.ErrorAs(t, track.Err(), &perr)
	assert.Equal(t, TransportClosed, perr.Kind)
	assert.True(t, sess.isClosed("video"))
	assert.Equal(t, 1, sess.attempts("video"), "terminal errors must not be retried")
	require.NoError(t, track.Close())
}

func TestInternalErrorTerminates(t *testing.T) {
	sess := newSession()
	sess.fail = func(string, int) error { return errors.New("encoder exploded") }

	terminated := make(chan *Error, 1)
	p := New(sess, WithTerminateFunc(func(_ string, err *Error) { terminated <- err }))

	cam := newSource("cam", sample.KindVideo)
	track, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)
	defer track.Close()

	cam.pushVideo(t, 0)
	select {
	case err := <-terminated:
		assert.Equal(t, Internal, err.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("track was not terminated")
	}
}

func TestEndOfStreamClosesTrack(t *testing.T) {
	sess := newSession()
	p := New(sess)

	cam := newSource("cam", sample.KindVideo)
	track, err := p.Publish(context.Background(), cam, Target{TrackID: "video"})
	require.NoError(t, err)

	cam.pushVideo(t, 0)
	cam.b.Close()

	select {
	case <-track.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("track still running after end of stream")
	}
	assert.Len(t, sess.sent("video"), 1)
	assert.True(t, sess.isClosed("video"))
	assert.NoError(t, track.Err())
}

func TestPublishErrors(t *testing.T) {
	t.Run("Negotiation", func(t *testing.T) {
		sess := newSession()
		sess.negotiate = errors.New("no common codec")
		_, err := New(sess).Publish(context.Background(), newSource("cam", sample.KindVideo), Target{})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, Negotiation, perr.Kind)
	})

	t.Run("ClosedSession", func(t *testing.T) {
		sess := newSession()
		sess.negotiate = ErrTransportClosed
		_, err := New(sess).Publish(context.Background(), newSource("cam", sample.KindVideo), Target{})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, TransportClosed, perr.Kind)
	})

	t.Run("SubscribeRole", func(t *testing.T) {
		src := newSource("cam", sample.KindVideo)
		src.role = graph.RoleSubscribe
		_, err := New(newSession()).Publish(context.Background(), src, Target{})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, Internal, perr.Kind)
	})
}

func TestNewFrameValidates(t *testing.T) {
	_, err := NewFrame(sample.Sample{Kind: sample.KindVideo, Width: 4, Height: 4, Data: make([]byte, 10)})
	assert.Error(t, err)

	_, err = NewFrame(sample.Sample{Kind: sample.KindAudio, Channels: 2, Data: make([]byte, 6)})
	assert.Error(t, err)
}
