package audio

import (
	"fmt"

	"github.com/syncflow/mediacore/pkg/wave"
)

// ToInt16 converts any chunk to *wave.Int16Interleaved.
func ToInt16() TransformFunc {
	return func(r Reader) Reader {
		return ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}
			if a, ok := chunk.(*wave.Int16Interleaved); ok {
				return a, release, nil
			}
			defer release()

			info := chunk.ChunkInfo()
			out := wave.NewInt16Interleaved(info)
			for i := 0; i < info.Len; i++ {
				for ch := 0; ch < info.Channels; ch++ {
					out.Set(i, ch, chunk.At(i, ch))
				}
			}
			return out, func() {}, nil
		})
	}
}

// SelectChannel keeps only channel ch of an interleaved int16 chunk.
func SelectChannel(ch int) TransformFunc {
	return func(r Reader) Reader {
		return ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}
			defer release()

			in, ok := chunk.(*wave.Int16Interleaved)
			if !ok {
				return nil, func() {}, errUnsupported
			}
			if ch < 0 || ch >= in.Size.Channels {
				return nil, func() {}, fmt.Errorf("channel %d out of range, chunk has %d channels", ch, in.Size.Channels)
			}

			out := wave.NewInt16Interleaved(wave.ChunkInfo{Len: in.Size.Len, Channels: 1, SamplingRate: in.Size.SamplingRate})
			for i := 0; i < in.Size.Len; i++ {
				out.Data[i] = in.Data[i*in.Size.Channels+ch]
			}
			return out, func() {}, nil
		})
	}
}

// Remix changes the channel count of interleaved int16 chunks. Downmixing
// to mono averages all channels; any other layout maps output channel i to
// input channel i modulo the input count.
func Remix(channels int) TransformFunc {
	return func(r Reader) Reader {
		return ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}

			in, ok := chunk.(*wave.Int16Interleaved)
			if !ok {
				release()
				return nil, func() {}, errUnsupported
			}
			if in.Size.Channels == channels {
				return in, release, nil
			}
			defer release()

			info := in.Size
			info.Channels = channels
			out := wave.NewInt16Interleaved(info)
			for i := 0; i < in.Size.Len; i++ {
				frame := in.Data[i*in.Size.Channels : (i+1)*in.Size.Channels]
				if channels == 1 {
					var sum int
					for _, v := range frame {
						sum += int(v)
					}
					out.Data[i] = int16(sum / len(frame))
					continue
				}
				for ch := 0; ch < channels; ch++ {
					out.Data[i*channels+ch] = frame[ch%len(frame)]
				}
			}
			return out, func() {}, nil
		})
	}
}

// Resample converts interleaved int16 chunks from rate from to rate to with
// linear interpolation. Interpolation state carries across chunks so chunk
// boundaries do not click.
func Resample(from, to int) TransformFunc {
	return func(r Reader) Reader {
		if from == to {
			return r
		}

		step := float64(from) / float64(to)
		// pos is the read position relative to the start of the current chunk.
		// -1 addresses prev, the last frame of the previous chunk.
		var pos float64
		var prev []int16

		return ReaderFunc(func() (wave.Audio, func(), error) {
			for {
				chunk, release, err := r.Read()
				if err != nil {
					return nil, func() {}, err
				}

				in, ok := chunk.(*wave.Int16Interleaved)
				if !ok {
					release()
					return nil, func() {}, errUnsupported
				}

				channels := in.Size.Channels
				n := in.Size.Len
				at := func(i, ch int) float64 {
					if i < 0 {
						return float64(prev[ch])
					}
					return float64(in.Data[i*channels+ch])
				}
				if len(prev) != channels {
					prev = make([]int16, channels)
					if n > 0 {
						copy(prev, in.Data[:channels])
					}
				}

				var data []int16
				for ; pos < float64(n-1); pos += step {
					i := int(pos)
					if pos < 0 {
						i = -1
					}
					frac := pos - float64(i)
					for ch := 0; ch < channels; ch++ {
						a, b := at(i, ch), at(i+1, ch)
						data = append(data, int16(a+(b-a)*frac))
					}
				}
				pos -= float64(n)
				if n > 0 {
					copy(prev, in.Data[(n-1)*channels:n*channels])
				}
				release()

				if len(data) == 0 {
					continue
				}
				return &wave.Int16Interleaved{
					Data: data,
					Size: wave.ChunkInfo{Len: len(data) / channels, Channels: channels, SamplingRate: to},
				}, func() {}, nil
			}
		})
	}
}
