// Package rtp publishes tracks as plain RTP over a connected datagram
// socket. Every track gets its own SSRC and payload type, and RTCP
// feedback arriving on the same socket drives key frame requests.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/codec"
	"github.com/syncflow/mediacore/pkg/publish"
	"github.com/syncflow/mediacore/pkg/session"
)

const (
	DefaultMTU = 1200

	videoPayloadType = 96
	audioPayloadType = 111
)

// Session is a publish.Session writing RTP packets to conn.
type Session struct {
	conn  net.Conn
	mtu   int
	video codec.VideoEncoderBuilder
	audio codec.AudioEncoderBuilder
	log   logging.LeveledLogger

	writeMu sync.Mutex
	buf     []byte

	mu     sync.Mutex
	tracks map[uint32]*track
	nextPT uint8
	closed bool

	rtcpDone chan struct{}
}

type Option func(*Session)

func WithMTU(mtu int) Option {
	return func(s *Session) {
		s.mtu = mtu
	}
}

func WithVideoEncoder(b codec.VideoEncoderBuilder) Option {
	return func(s *Session) {
		s.video = b
	}
}

func WithAudioEncoder(b codec.AudioEncoderBuilder) Option {
	return func(s *Session) {
		s.audio = b
	}
}

// New starts reading RTCP from conn. The session owns conn and closes it
// in Close.
func New(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		mtu:      DefaultMTU,
		log:      mclogging.NewLogger("rtp"),
		tracks:   make(map[uint32]*track),
		rtcpDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.buf = make([]byte, s.mtu)

	go s.readRTCP()
	return s
}

// Dial connects to a UDP destination given as host:port.
func Dial(dest string, opts ...Option) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

type track struct {
	id         string
	ssrc       uint32
	encoder    *session.Encoder
	packetizer rtp.Packetizer

	// pending holds the packets of frame until all of them are written, so
	// that a retry resumes instead of packetizing again.
	frame   any
	pending []*rtp.Packet
}

func (t *track) ID() string { return t.id }

// SSRC returns the synchronization source of a track negotiated by this
// package.
func SSRC(target publish.TrackTarget) (uint32, bool) {
	t, ok := target.(*track)
	if !ok {
		return 0, false
	}
	return t.ssrc, true
}

func payloader(mime string) (rtp.Payloader, error) {
	switch strings.ToLower(mime) {
	case "video/vp8":
		return &codecs.VP8Payloader{}, nil
	case "video/vp9":
		return &codecs.VP9Payloader{}, nil
	case "video/h264":
		return &codecs.H264Payloader{}, nil
	case "audio/opus":
		return &codecs.OpusPayloader{}, nil
	}
	return nil, fmt.Errorf("rtp: no payloader for %s", mime)
}

func (s *Session) NegotiateTrack(_ context.Context, req publish.TrackRequest) (publish.TrackTarget, error) {
	enc, err := session.NewEncoder(req, s.video, s.audio)
	if err != nil {
		return nil, err
	}
	p, err := payloader(enc.MimeType())
	if err != nil {
		enc.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		enc.Close()
		return nil, fmt.Errorf("rtp: %w", publish.ErrTransportClosed)
	}

	pt := uint8(audioPayloadType)
	if req.Format.IsVideo() {
		pt = videoPayloadType
	}
	pt += s.nextPT
	s.nextPT++

	ssrc := rand.Uint32()
	for _, taken := s.tracks[ssrc]; taken || ssrc == 0; _, taken = s.tracks[ssrc] {
		ssrc = rand.Uint32()
	}

	t := &track{
		id:      req.Target.TrackID,
		ssrc:    ssrc,
		encoder: enc,
		packetizer: rtp.NewPacketizer(
			uint16(s.mtu),
			pt,
			ssrc,
			p,
			rtp.NewRandomSequencer(),
			enc.ClockRate(),
		),
	}
	s.tracks[ssrc] = t
	return t, nil
}

func (s *Session) lookup(target publish.TrackTarget) (*track, error) {
	t, ok := target.(*track)
	if !ok {
		return nil, fmt.Errorf("rtp: foreign track %s", target.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("rtp: %w", publish.ErrTransportClosed)
	}
	if s.tracks[t.ssrc] != t {
		return nil, fmt.Errorf("rtp: track %s is closed", t.id)
	}
	return t, nil
}

func (s *Session) SendFrame(_ context.Context, target publish.TrackTarget, f publish.Frame) error {
	t, err := s.lookup(target)
	if err != nil {
		return err
	}

	if id := session.FrameID(f); id == nil || id != t.frame {
		payload, samples, err := t.encoder.Encode(f)
		if err != nil {
			return err
		}
		t.frame, t.pending = id, t.packetizer.Packetize(payload, samples)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(t.pending) > 0 {
		pkt := t.pending[0]
		n, err := pkt.MarshalTo(s.buf)
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(s.buf[:n]); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("rtp: %v: %w", err, publish.ErrTransportClosed)
			}
			return publish.Transient(err)
		}
		t.pending = t.pending[1:]
	}
	return nil
}

func (s *Session) CloseTrack(target publish.TrackTarget) error {
	t, ok := target.(*track)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.tracks[t.ssrc] != t {
		s.mu.Unlock()
		return nil
	}
	delete(s.tracks, t.ssrc)
	s.mu.Unlock()

	return t.encoder.Close()
}

func (s *Session) readRTCP() {
	defer close(s.rtcpDone)

	buf := make([]byte, 1500)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Connection refused and friends are reported for earlier
			// writes; the socket is still usable.
			s.log.Tracef("rtcp read: %v", err)
			continue
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}

		for _, ssrc := range session.KeyFrameRequests(pkts) {
			s.mu.Lock()
			t := s.tracks[ssrc]
			s.mu.Unlock()
			if t != nil {
				t.encoder.RequestKeyFrame()
			}
		}
	}
}

// Close closes every track and the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	errs := []error{s.conn.Close()}
	<-s.rtcpDone
	for _, t := range tracks {
		errs = append(errs, t.encoder.Close())
	}
	return errors.Join(errs...)
}
