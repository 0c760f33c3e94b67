// Package session holds what the session adapters share: encoding of
// canonical frames per outbound track and RTCP feedback handling.
package session

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/syncflow/mediacore/pkg/codec"
	"github.com/syncflow/mediacore/pkg/publish"
	"github.com/syncflow/mediacore/pkg/sample"
)

// ErrNoEncoder means the session was not given an encoder for a kind.
var ErrNoEncoder = errors.New("session: no encoder for media kind")

const rtcpBufferSize = 1500

// Encoder compresses the frames of one track.
type Encoder struct {
	kind      sample.Kind
	mime      string
	clockRate uint32
	video     codec.VideoEncoder
	audio     codec.AudioEncoder
	sampler   codec.SamplerFunc
	keyFrame  atomic.Bool

	// last is the frame encoded most recently. A retried send hands the
	// same frame again and gets its encoding back.
	last        any
	lastPayload []byte
	lastSamples uint32
}

// FrameID identifies a frame across retried sends of it.
func FrameID(f publish.Frame) any {
	switch {
	case f.Video != nil:
		return f.Video
	case f.Audio != nil:
		return f.Audio
	}
	return nil
}

// NewEncoder builds the encoder for req with the builder matching its kind.
func NewEncoder(req publish.TrackRequest, vb codec.VideoEncoderBuilder, ab codec.AudioEncoderBuilder) (*Encoder, error) {
	f := req.Format
	switch req.Kind {
	case sample.KindVideo:
		if vb == nil {
			return nil, fmt.Errorf("%w %s", ErrNoEncoder, req.Kind)
		}
		enc, err := vb.BuildVideoEncoder(codec.VideoSetting{Width: f.Width, Height: f.Height, FrameRate: f.FrameRate})
		if err != nil {
			return nil, err
		}
		e := &Encoder{
			kind:      req.Kind,
			mime:      vb.MimeType(),
			clockRate: vb.ClockRate(),
			video:     enc,
			sampler:   codec.NewVideoSampler(vb.ClockRate(), f.FrameRate),
		}
		e.keyFrame.Store(true)
		return e, nil

	case sample.KindAudio:
		if ab == nil {
			return nil, fmt.Errorf("%w %s", ErrNoEncoder, req.Kind)
		}
		enc, err := ab.BuildAudioEncoder(codec.AudioSetting{SampleRate: f.SampleRate, Channels: f.ChannelCount, Latency: f.Latency})
		if err != nil {
			return nil, err
		}
		return &Encoder{
			kind:      req.Kind,
			mime:      ab.MimeType(),
			clockRate: ab.ClockRate(),
			audio:     enc,
			sampler:   codec.NewAudioSampler(ab.ClockRate(), f.Latency),
		}, nil
	}

	return nil, fmt.Errorf("session: unknown media kind %s", req.Kind)
}

func (e *Encoder) MimeType() string  { return e.mime }
func (e *Encoder) ClockRate() uint32 { return e.clockRate }

// RequestKeyFrame makes the next video frame an intra frame.
func (e *Encoder) RequestKeyFrame() {
	e.keyFrame.Store(true)
}

// Encode compresses f and returns its duration in clock ticks. Encoding the
// frame passed last again returns the same result without touching the
// codec, the key frame request or the sampler. Calls must not overlap.
func (e *Encoder) Encode(f publish.Frame) (payload []byte, samples uint32, err error) {
	id := FrameID(f)
	if id != nil && id == e.last {
		return e.lastPayload, e.lastSamples, nil
	}

	pts := sampleTime(f)
	switch {
	case e.video != nil && f.Video != nil:
		v := f.Video
		img := &image.YCbCr{
			Y:              v.Y,
			Cb:             v.U,
			Cr:             v.V,
			YStride:        v.Width,
			CStride:        (v.Width + 1) / 2,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, v.Width, v.Height),
		}
		payload, err = e.video.Encode(img, e.keyFrame.Swap(false))
	case e.audio != nil && f.Audio != nil:
		payload, err = e.audio.Encode(f.Audio.Data, f.Audio.Channels)
	default:
		return nil, 0, fmt.Errorf("session: %s frame sent to a %s track", f.Kind, e.kind)
	}
	if err != nil {
		return nil, 0, err
	}
	samples = e.sampler(pts)
	e.last, e.lastPayload, e.lastSamples = id, payload, samples
	return payload, samples, nil
}

func (e *Encoder) Close() error {
	if e.video != nil {
		return e.video.Close()
	}
	return e.audio.Close()
}

// RTCPReader is satisfied by *webrtc.RTPSender.
type RTCPReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

// ReadRTCP reads feedback until r fails and calls onKeyFrame for every
// picture loss indication or full intra request. It returns nil when r
// reaches io.EOF.
func ReadRTCP(r RTCPReader, onKeyFrame func()) error {
	buf := make([]byte, rtcpBufferSize)
	for {
		n, _, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if len(KeyFrameRequests(pkts)) > 0 {
			onKeyFrame()
		}
	}
}

// KeyFrameRequests returns the media SSRCs asking for a key frame.
func KeyFrameRequests(pkts []rtcp.Packet) []uint32 {
	var ssrcs []uint32
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			ssrcs = append(ssrcs, p.MediaSSRC)
		case *rtcp.FullIntraRequest:
			if len(p.FIR) == 0 {
				ssrcs = append(ssrcs, p.MediaSSRC)
			}
			for _, e := range p.FIR {
				ssrcs = append(ssrcs, e.SSRC)
			}
		}
	}
	return ssrcs
}

func sampleTime(f publish.Frame) time.Duration {
	return time.Duration(f.Timestamp) * time.Microsecond
}

// FrameDuration returns the duration carried by f.
func FrameDuration(f publish.Frame) time.Duration {
	return time.Duration(f.Duration) * time.Microsecond
}
