package audio

import (
	"github.com/syncflow/mediacore/pkg/wave"
)

// NewBuffer creates audio transform to buffer signal to have exact nSamples
// samples per chunk. Input has to be *wave.Int16Interleaved.
func NewBuffer(nSamples int) TransformFunc {
	return func(r Reader) Reader {
		var pending []int16
		var info wave.ChunkInfo

		return ReaderFunc(func() (wave.Audio, func(), error) {
			for info.Channels == 0 || len(pending) < nSamples*info.Channels {
				chunk, release, err := r.Read()
				if err != nil {
					return nil, func() {}, err
				}

				b, ok := chunk.(*wave.Int16Interleaved)
				if !ok {
					release()
					return nil, func() {}, errUnsupported
				}
				if b.Size.Channels != info.Channels {
					pending = pending[:0]
					info = b.Size
				}
				pending = append(pending, b.Data...)
				release()
			}

			n := nSamples * info.Channels
			out := &wave.Int16Interleaved{
				Data: make([]int16, n),
				Size: wave.ChunkInfo{Len: nSamples, Channels: info.Channels, SamplingRate: info.SamplingRate},
			}
			copy(out.Data, pending)
			pending = append(pending[:0], pending[n:]...)
			return out, func() {}, nil
		})
	}
}
