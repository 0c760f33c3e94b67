package wave

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RawFormat describes interleaved PCM bytes as delivered by a capture backend.
type RawFormat struct {
	SampleSize int
	IsFloat    bool
}

func (f RawFormat) String() string {
	kind := "Int"
	if f.IsFloat {
		kind = "Float"
	}
	return fmt.Sprintf("%s%dInterleaved", kind, f.SampleSize*8)
}

// Supported reports whether Decode understands f.
func (f RawFormat) Supported() bool {
	return (!f.IsFloat && f.SampleSize == 2) || (f.IsFloat && f.SampleSize == 4)
}

// Decode converts interleaved PCM bytes into an Audio chunk.
func Decode(f RawFormat, endian binary.ByteOrder, chunk []byte, channels, rate int) (Audio, error) {
	if !f.Supported() {
		return nil, fmt.Errorf("%s format is not supported", f)
	}

	info, err := calculateChunkInfo(chunk, channels, f.SampleSize)
	if err != nil {
		return nil, err
	}
	info.SamplingRate = rate

	if f.IsFloat {
		a := NewFloat32Interleaved(info)
		for i := range a.Data {
			a.Data[i] = math.Float32frombits(endian.Uint32(chunk[4*i:]))
		}
		return a, nil
	}

	a := NewInt16Interleaved(info)
	for i := range a.Data {
		a.Data[i] = int16(endian.Uint16(chunk[2*i:]))
	}
	return a, nil
}

func calculateChunkInfo(chunk []byte, channels int, sampleSize int) (ChunkInfo, error) {
	if channels <= 0 {
		return ChunkInfo{}, fmt.Errorf("channels has to be greater than 0")
	}

	sampleLen := channels * sampleSize
	if len(chunk)%sampleLen != 0 {
		return ChunkInfo{}, fmt.Errorf("chunk length %d is not a multiple of %d", len(chunk), sampleLen)
	}

	return ChunkInfo{
		Channels: channels,
		Len:      len(chunk) / sampleLen,
	}, nil
}
