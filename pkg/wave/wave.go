// Package wave implements the PCM chunk types that flow through audio
// pipelines.
package wave

// Audio is a finite series of audio Sample values.
type Audio interface {
	SampleFormat() SampleFormat
	ChunkInfo() ChunkInfo
	At(i, ch int) Sample
}

// EditableAudio is an editable finite series of audio Sample values.
type EditableAudio interface {
	Audio
	Set(i, ch int, s Sample)
}

// ChunkInfo contains size of the audio chunk.
type ChunkInfo struct {
	Len          int
	Channels     int
	SamplingRate int
}

// SampleFormat can convert any Sample to one from its own sample format.
type SampleFormat interface {
	Convert(c Sample) Sample
}

// SampleFormatFunc returns a SampleFormat that invokes f to implement the conversion.
func SampleFormatFunc(f func(Sample) Sample) SampleFormat {
	return sampleFormatFunc(f)
}

type sampleFormatFunc func(Sample) Sample

func (f sampleFormatFunc) Convert(s Sample) Sample {
	return f(s)
}

// SampleFormats for the standard formats.
var (
	Int16SampleFormat = SampleFormatFunc(func(s Sample) Sample {
		if v, ok := s.(Int16Sample); ok {
			return v
		}
		return Int16Sample(s.Int() >> 16)
	})
	Float32SampleFormat = SampleFormatFunc(func(s Sample) Sample {
		if v, ok := s.(Float32Sample); ok {
			return v
		}
		return Float32Sample(float32(s.Int()) / 0x80000000)
	})
)

// Sample can convert itself to 64-bits signed value.
type Sample interface {
	// Int returns the audio level value for the sample scaled to a signed
	// 32-bits range, represented by an int64.
	Int() int64
}
