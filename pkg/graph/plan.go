package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

type plan struct {
	kind   sample.Kind
	output prop.Media
	stages []Stage

	video video.TransformFunc
	audio audio.TransformFunc
	// frameDuration is the nominal duration of one video frame.
	frameDuration time.Duration
}

func (b *Builder) plan(sel Selection) (plan, error) {
	c := sel.Capability
	stages := []Stage{
		{Name: "source", Detail: sel.DeviceID},
		{Name: "capsfilter", Detail: c.Key()},
	}

	switch {
	case c.IsVideo():
		if sel.Channel != 0 {
			return plan{}, errors.New("graph: channel selection applies to audio only")
		}
		if _, err := frame.NewDecoder(c.FrameFormat); err != nil {
			return plan{}, err
		}

		if c.FrameFormat.Compressed() {
			stages = append(stages, Stage{Name: "decode", Detail: string(c.FrameFormat)})
		} else {
			stages = append(stages, Stage{Name: "unpack", Detail: string(c.FrameFormat)})
		}
		stages = append(stages,
			Stage{Name: "scale", Detail: fmt.Sprintf("%dx%d", c.Width, c.Height)},
			Stage{Name: "convert", Detail: sample.FormatI420},
			Stage{Name: "sink", Detail: "bridge"},
		)

		var d time.Duration
		if c.FrameRate > 0 {
			d = time.Duration(float64(time.Second) / float64(c.FrameRate))
		}
		return plan{
			kind: sample.KindVideo,
			output: prop.Media{
				DeviceID: sel.DeviceID,
				Video: prop.Video{
					Width:       c.Width,
					Height:      c.Height,
					FrameRate:   c.FrameRate,
					FrameFormat: frame.FormatI420,
				},
			},
			stages:        stages,
			video:         video.Merge(video.Scale(c.Width, c.Height, nil), video.ToI420),
			frameDuration: d,
		}, nil

	case c.IsAudio():
		if c.SampleSize != 2 && c.SampleSize != 4 {
			return plan{}, fmt.Errorf("graph: unsupported sample size %d", c.SampleSize)
		}
		if sel.Channel < 0 || sel.Channel > c.ChannelCount {
			return plan{}, fmt.Errorf("graph: channel %d out of range, device has %d", sel.Channel, c.ChannelCount)
		}

		channels := c.ChannelCount
		var selectChannel audio.TransformFunc
		stages = append(stages, Stage{Name: "convert", Detail: sample.FormatS16LE})
		if sel.Channel > 0 {
			channels = 1
			selectChannel = audio.SelectChannel(sel.Channel - 1)
			stages = append(stages, Stage{Name: "deinterleave", Detail: fmt.Sprintf("channel %d", sel.Channel)})
		}

		var resample audio.TransformFunc
		if c.SampleRate != b.sampleRate {
			resample = audio.Resample(c.SampleRate, b.sampleRate)
			stages = append(stages, Stage{Name: "resample", Detail: fmt.Sprintf("%d->%d", c.SampleRate, b.sampleRate)})
		}

		chunk := int(int64(b.sampleRate) * int64(b.chunk) / int64(time.Second))
		stages = append(stages,
			Stage{Name: "buffer", Detail: fmt.Sprintf("%d samples", chunk)},
			Stage{Name: "sink", Detail: "bridge"},
		)

		return plan{
			kind: sample.KindAudio,
			output: prop.Media{
				DeviceID: sel.DeviceID,
				Audio: prop.Audio{
					ChannelCount: channels,
					SampleRate:   b.sampleRate,
					SampleSize:   2,
					Latency:      b.chunk,
				},
			},
			stages: stages,
			audio: audio.Merge(
				audio.ToInt16(),
				selectChannel,
				audio.Remix(channels),
				resample,
				audio.NewBuffer(chunk),
			),
		}, nil
	}

	return plan{}, fmt.Errorf("graph: %+v describes neither video nor audio", c)
}
