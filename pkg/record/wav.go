package record

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

const wavHeaderSize = 44

// wavWriter writes S16LE samples as a canonical PCM WAVE file. The chunk
// sizes are filled in by Close.
type wavWriter struct {
	w          io.WriteSeeker
	sampleRate int
	channels   int
	size       uint32
}

func newWAVWriter(w io.WriteSeeker, p prop.Media) (*wavWriter, error) {
	ww := &wavWriter{w: w, sampleRate: p.SampleRate, channels: p.ChannelCount}
	if err := ww.writeHeader(); err != nil {
		return nil, err
	}
	return ww, nil
}

func (ww *wavWriter) writeHeader() error {
	const bitsPerSample = 16
	blockAlign := ww.channels * bitsPerSample / 8

	h := make([]byte, wavHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36+ww.size)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], uint16(ww.channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(ww.sampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(ww.sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], bitsPerSample)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], ww.size)

	_, err := ww.w.Write(h)
	return err
}

func (ww *wavWriter) WriteSample(s sample.Sample) error {
	if s.Kind != sample.KindAudio {
		return fmt.Errorf("record: %s sample in an audio recording", s.Kind)
	}
	if s.SampleRate != ww.sampleRate || s.Channels != ww.channels {
		return fmt.Errorf("record: chunk is %d Hz x%d, recording is %d Hz x%d", s.SampleRate, s.Channels, ww.sampleRate, ww.channels)
	}

	n, err := ww.w.Write(s.Data)
	ww.size += uint32(n)
	return err
}

// Close rewrites the header with the final sizes.
func (ww *wavWriter) Close() error {
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := ww.writeHeader(); err != nil {
		return err
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
