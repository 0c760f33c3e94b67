package rtp

import (
	"context"
	"errors"
	"image"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncflow/mediacore/pkg/codec/codectest"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/publish"
	"github.com/syncflow/mediacore/pkg/sample"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var videoRequest = publish.TrackRequest{
	Target: publish.Target{TrackID: "cam"},
	Kind:   sample.KindVideo,
	Format: prop.Media{Video: prop.Video{Width: 16, Height: 16, FrameRate: 30}},
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()

	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func videoFrame(t *testing.T, pts time.Duration) publish.Frame {
	t.Helper()

	v, err := sample.NewVideo(image.NewYCbCr(image.Rect(0, 0, 16, 16), image.YCbCrSubsampleRatio420), pts, 33*time.Millisecond)
	require.NoError(t, err)
	f, err := publish.NewFrame(v)
	require.NoError(t, err)
	return f
}

// receive reads one RTP packet and returns it with the encoded frame type.
func receive(t *testing.T, l *net.UDPConn) (*rtp.Packet, net.Addr, byte) {
	t.Helper()

	buf := make([]byte, 1500)
	require.NoError(t, l.SetReadDeadline(time.Now().Add(time.Second)))
	n, from, err := l.ReadFrom(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))

	vp8 := &codecs.VP8Packet{}
	payload, err := vp8.Unmarshal(pkt.Payload)
	require.NoError(t, err)
	typ, _, _, err := codectest.Parse(payload)
	require.NoError(t, err)
	return pkt, from, typ
}

func TestSendFrame(t *testing.T) {
	l := listen(t)
	vb := codectest.NewVideoEncoderBuilder("video/VP8")
	s, err := Dial(l.LocalAddr().String(), WithVideoEncoder(vb))
	require.NoError(t, err)
	defer s.Close()

	target, err := s.NegotiateTrack(context.Background(), videoRequest)
	require.NoError(t, err)
	assert.Equal(t, "cam", target.ID())
	ssrc, ok := SSRC(target)
	require.True(t, ok)

	require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, 0)))
	first, _, typ := receive(t, l)
	assert.Equal(t, ssrc, first.SSRC)
	assert.Equal(t, uint8(videoPayloadType), first.PayloadType)
	assert.True(t, first.Marker)
	assert.Equal(t, codectest.FrameKey, typ)

	require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, 33*time.Millisecond)))
	second, _, typ := receive(t, l)
	assert.Equal(t, codectest.FrameDelta, typ)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	// The first frame is stamped with one frame period at 30fps.
	assert.Equal(t, uint32(3000), second.Timestamp-first.Timestamp)
}

// flakyConn fails the next writes it is told to.
type flakyConn struct {
	net.Conn
	failures atomic.Int32
}

func (c *flakyConn) Write(b []byte) (int, error) {
	if c.failures.Add(-1) >= 0 {
		return 0, syscall.ENOBUFS
	}
	return c.Conn.Write(b)
}

func TestTransientWriteResumesFrame(t *testing.T) {
	l := listen(t)
	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	flaky := &flakyConn{Conn: conn}
	vb := codectest.NewVideoEncoderBuilder("video/VP8")
	s := New(flaky, WithVideoEncoder(vb))
	defer s.Close()

	target, err := s.NegotiateTrack(context.Background(), videoRequest)
	require.NoError(t, err)

	require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, 0)))
	first, _, _ := receive(t, l)

	f := videoFrame(t, 33*time.Millisecond)
	flaky.failures.Store(1)
	err = s.SendFrame(context.Background(), target, f)
	require.Error(t, err)
	assert.True(t, publish.IsTransient(err))
	require.NoError(t, s.SendFrame(context.Background(), target, f))

	second, _, typ := receive(t, l)
	assert.Equal(t, codectest.FrameDelta, typ)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, uint32(3000), second.Timestamp-first.Timestamp)
	assert.Equal(t, 2, vb.Frames())

	require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, 66*time.Millisecond)))
	third, _, _ := receive(t, l)
	assert.Equal(t, second.SequenceNumber+1, third.SequenceNumber)
	assert.Equal(t, uint32(2970), third.Timestamp-second.Timestamp)
}

func TestPictureLossRequestsKeyFrame(t *testing.T) {
	l := listen(t)
	vb := codectest.NewVideoEncoderBuilder("video/VP8")
	s, err := Dial(l.LocalAddr().String(), WithVideoEncoder(vb))
	require.NoError(t, err)
	defer s.Close()

	target, err := s.NegotiateTrack(context.Background(), videoRequest)
	require.NoError(t, err)
	ssrc, _ := SSRC(target)

	require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, 0)))
	_, from, _ := receive(t, l)

	pli, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	require.NoError(t, err)
	_, err = l.WriteTo(pli, from)
	require.NoError(t, err)

	// Frames sent before the feedback is read stay delta frames.
	deadline := time.Now().Add(time.Second)
	for pts := 33 * time.Millisecond; ; pts += 33 * time.Millisecond {
		require.True(t, time.Now().Before(deadline), "no key frame after picture loss")
		require.NoError(t, s.SendFrame(context.Background(), target, videoFrame(t, pts)))
		if _, _, typ := receive(t, l); typ == codectest.FrameKey {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, vb.KeyFrames())
}

func TestUnsupportedMime(t *testing.T) {
	l := listen(t)
	s, err := Dial(l.LocalAddr().String(), WithVideoEncoder(codectest.NewVideoEncoderBuilder("video/AV1X")))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.NegotiateTrack(context.Background(), videoRequest)
	assert.Error(t, err)
}

func TestClosedTransport(t *testing.T) {
	l := listen(t)
	s, err := Dial(l.LocalAddr().String(), WithVideoEncoder(codectest.NewVideoEncoderBuilder("video/VP8")))
	require.NoError(t, err)

	target, err := s.NegotiateTrack(context.Background(), videoRequest)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	err = s.SendFrame(context.Background(), target, videoFrame(t, 0))
	assert.True(t, errors.Is(err, publish.ErrTransportClosed), "got %v", err)

	_, err = s.NegotiateTrack(context.Background(), videoRequest)
	assert.True(t, errors.Is(err, publish.ErrTransportClosed), "got %v", err)
	assert.NoError(t, s.Close())
}

func TestSocketClosedUnderneath(t *testing.T) {
	l := listen(t)
	addr, err := net.ResolveUDPAddr("udp", l.LocalAddr().String())
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)

	s := New(conn, WithVideoEncoder(codectest.NewVideoEncoderBuilder("video/VP8")))
	defer s.Close()

	target, err := s.NegotiateTrack(context.Background(), videoRequest)
	require.NoError(t, err)

	conn.Close()
	err = s.SendFrame(context.Background(), target, videoFrame(t, 0))
	assert.True(t, errors.Is(err, publish.ErrTransportClosed), "got %v", err)
	assert.False(t, publish.IsTransient(err))
}
