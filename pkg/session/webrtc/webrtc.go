// Package webrtc publishes tracks over a pion WebRTC peer connection.
// Signaling stays with the caller: tracks are added to the connection and
// the caller renegotiates as its signaling protocol requires.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/codec"
	"github.com/syncflow/mediacore/pkg/publish"
	"github.com/syncflow/mediacore/pkg/session"
)

var errDisconnected = errors.New("webrtc: peer connection disconnected")

// NewPeerConnection creates a peer connection with the default codecs and
// interceptors, which include NACK responses and RTCP reports.
func NewPeerConnection(configuration webrtc.Configuration) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	return api.NewPeerConnection(configuration)
}

// Session is a publish.Session over one peer connection.
type Session struct {
	pc    *webrtc.PeerConnection
	video codec.VideoEncoderBuilder
	audio codec.AudioEncoderBuilder
	log   logging.LeveledLogger

	mu     sync.Mutex
	tracks map[*track]struct{}
}

type Option func(*Session)

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

func New(pc *webrtc.PeerConnection, opts ...Option) *Session {
	s := &Session{
		pc:     pc,
		log:    mclogging.NewLogger("webrtc"),
		tracks: make(map[*track]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Infof("peer connection %s", state)
	})
	return s
}

type track struct {
	id      string
	local   *webrtc.TrackLocalStaticSample
	sender  *webrtc.RTPSender
	encoder *session.Encoder
	rtcp    chan struct{}
}

func (t *track) ID() string { return t.id }

// transportErr classifies the connection state. Closed and failed
// connections do not come back without new signaling.
func (s *Session) transportErr() error {
	switch state := s.pc.ConnectionState(); state {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return fmt.Errorf("webrtc: peer connection %s: %w", state, publish.ErrTransportClosed)
	case webrtc.PeerConnectionStateDisconnected:
		return publish.Transient(errDisconnected)
	}
	return nil
}

func (s *Session) NegotiateTrack(_ context.Context, req publish.TrackRequest) (publish.TrackTarget, error) {
	if err := s.transportErr(); err != nil && !publish.IsTransient(err) {
		return nil, err
	}

	enc, err := session.NewEncoder(req, s.video, s.audio)
	if err != nil {
		return nil, err
	}

	capability := webrtc.RTPCodecCapability{MimeType: enc.MimeType(), ClockRate: enc.ClockRate()}
	if req.Format.IsAudio() {
		capability.Channels = uint16(req.Format.ChannelCount)
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, req.Target.TrackID, req.Target.StreamID)
	if err != nil {
		enc.Close()
		return nil, err
	}

	sender, err := s.pc.AddTrack(local)
	if err != nil {
		enc.Close()
		if errors.Is(err, webrtc.ErrConnectionClosed) {
			return nil, fmt.Errorf("webrtc: %w", publish.ErrTransportClosed)
		}
		return nil, err
	}

	t := &track{
		id:      req.Target.TrackID,
		local:   local,
		sender:  sender,
		encoder: enc,
		rtcp:    make(chan struct{}),
	}
	go func() {
		defer close(t.rtcp)
		if err := session.ReadRTCP(sender, enc.RequestKeyFrame); err != nil {
			s.log.Debugf("rtcp of track %s: %v", t.id, err)
		}
	}()

	s.mu.Lock()
	s.tracks[t] = struct{}{}
	s.mu.Unlock()
	return t, nil
}

func (s *Session) lookup(target publish.TrackTarget) (*track, error) {
	t, ok := target.(*track)
	if !ok {
		return nil, fmt.Errorf("webrtc: foreign track %s", target.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[t]; !ok {
		return nil, fmt.Errorf("webrtc: track %s is closed", t.id)
	}
	return t, nil
}

func (s *Session) SendFrame(_ context.Context, target publish.TrackTarget, f publish.Frame) error {
	t, err := s.lookup(target)
	if err != nil {
		return err
	}
	if err := s.transportErr(); err != nil {
		return err
	}

	payload, samples, err := t.encoder.Encode(f)
	if err != nil {
		return err
	}

	err = t.local.WriteSample(media.Sample{
		Data:     payload,
		Duration: time.Duration(samples) * time.Second / time.Duration(t.encoder.ClockRate()),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("webrtc: %v: %w", err, publish.ErrTransportClosed)
	}
	return publish.Transient(err)
}

func (s *Session) CloseTrack(target publish.TrackTarget) error {
	t, err := s.lookup(target)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	delete(s.tracks, t)
	s.mu.Unlock()

	return s.closeTrack(t)
}

func (s *Session) closeTrack(t *track) error {
	var errs []error
	if err := s.pc.RemoveTrack(t.sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		errs = append(errs, err)
	}
	if err := t.sender.Stop(); err != nil {
		errs = append(errs, err)
	}
	<-t.rtcp
	errs = append(errs, t.encoder.Close())
	return errors.Join(errs...)
}

// Close closes every track and the peer connection.
func (s *Session) Close() error {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[*track]struct{})
	s.mu.Unlock()

	errs := []error{s.pc.Close()}
	for t := range tracks {
		errs = append(errs, s.closeTrack(t))
	}
	return errors.Join(errs...)
}
