package wave

import (
	"encoding/binary"
	"math"
	"reflect"
	"testing"
)

func TestInt16Interleaved(t *testing.T) {
	a := NewInt16Interleaved(ChunkInfo{Len: 3, Channels: 2, SamplingRate: 48000})
	a.SetInt16(1, 1, 100)
	a.Set(2, 0, Float32Sample(0.5))

	if v := a.At(1, 1).(Int16Sample); v != 100 {
		t.Errorf("expected 100, got %d", v)
	}
	if v := a.Data[4]; v < 16383 || v > 16384 {
		t.Errorf("expected half scale, got %d", v)
	}

	sub := a.SubAudio(1, 2)
	if sub.Size.Len != 2 || len(sub.Data) != 4 {
		t.Fatalf("unexpected sub audio size: %+v", sub.Size)
	}
	sub.SetInt16(0, 0, 7)
	if a.Data[2] != 7 {
		t.Error("SubAudio must share the buffer")
	}
}

func TestFloat32Conversion(t *testing.T) {
	cases := map[Float32Sample]Int16Sample{
		0:    0,
		1:    math.MaxInt16,
		-1:   -math.MaxInt16,
		2:    math.MaxInt16,
		-0.5: -16384,
	}

	for in, expected := range cases {
		actual := Int16SampleFormat.Convert(in).(Int16Sample)
		if d := int(actual) - int(expected); d > 1 || d < -1 {
			t.Errorf("%v: expected %d, got %d", in, expected, actual)
		}
	}
}

func TestDecode(t *testing.T) {
	t.Run("Int16", func(t *testing.T) {
		chunk := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0x10, 0x00}
		a, err := Decode(RawFormat{SampleSize: 2}, binary.LittleEndian, chunk, 2, 16000)
		if err != nil {
			t.Fatal(err)
		}

		expected := &Int16Interleaved{
			Data: []int16{1, -1, math.MinInt16, 16},
			Size: ChunkInfo{Len: 2, Channels: 2, SamplingRate: 16000},
		}
		if !reflect.DeepEqual(expected, a) {
			t.Errorf("expected %+v, got %+v", expected, a)
		}
	})

	t.Run("Float32", func(t *testing.T) {
		chunk := make([]byte, 8)
		binary.BigEndian.PutUint32(chunk, math.Float32bits(0.25))
		binary.BigEndian.PutUint32(chunk[4:], math.Float32bits(-1))
		a, err := Decode(RawFormat{SampleSize: 4, IsFloat: true}, binary.BigEndian, chunk, 1, 8000)
		if err != nil {
			t.Fatal(err)
		}

		f := a.(*Float32Interleaved)
		if f.Data[0] != 0.25 || f.Data[1] != -1 {
			t.Errorf("unexpected samples %v", f.Data)
		}
	})

	t.Run("Misaligned", func(t *testing.T) {
		if _, err := Decode(RawFormat{SampleSize: 2}, binary.LittleEndian, []byte{1, 2, 3}, 2, 8000); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := Decode(RawFormat{SampleSize: 3}, binary.LittleEndian, []byte{1, 2, 3}, 1, 8000); err == nil {
			t.Error("expected an error")
		}
	})
}
