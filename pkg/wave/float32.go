package wave

// Float32Sample is a 32-bits float audio sample within [-1, 1].
type Float32Sample float32

func (s Float32Sample) Int() int64 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int64(v * 0x7fffffff)
}

// Float32Interleaved multi-channel interlaced Audio.
type Float32Interleaved struct {
	Data []float32
	Size ChunkInfo
}

// ChunkInfo returns audio chunk size.
func (a *Float32Interleaved) ChunkInfo() ChunkInfo {
	return a.Size
}

func (a *Float32Interleaved) SampleFormat() SampleFormat {
	return Float32SampleFormat
}

func (a *Float32Interleaved) At(i, ch int) Sample {
	return Float32Sample(a.Data[i*a.Size.Channels+ch])
}

func (a *Float32Interleaved) Set(i, ch int, s Sample) {
	a.Data[i*a.Size.Channels+ch] = float32(Float32SampleFormat.Convert(s).(Float32Sample))
}

func (a *Float32Interleaved) SetFloat32(i, ch int, s Float32Sample) {
	a.Data[i*a.Size.Channels+ch] = float32(s)
}

func NewFloat32Interleaved(size ChunkInfo) *Float32Interleaved {
	return &Float32Interleaved{
		Data: make([]float32, size.Channels*size.Len),
		Size: size,
	}
}
