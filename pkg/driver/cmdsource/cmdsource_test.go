package cmdsource

import (
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/wave"
)

func TestMain(m *testing.M) {
	if err := driver.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func lookup(t *testing.T, s Source) driver.Driver {
	t.Helper()

	m, err := driver.Discover(Backend(s))
	if err != nil {
		t.Fatal(err)
	}
	d, ok := m.Lookup(s.Label)
	if !ok {
		t.Fatalf("%s was not registered", s.Label)
	}
	return d
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.raw")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVideoCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cat")
	}

	const w, h, frames = 8, 4, 3
	size := frame.Size(frame.FormatI420, w, h)
	var data []byte
	for i := 0; i < frames; i++ {
		f := make([]byte, size)
		f[0] = byte(10 * (i + 1))
		data = append(data, f...)
	}

	p := prop.Media{Video: prop.Video{Width: w, Height: h, FrameRate: 30, FrameFormat: frame.FormatI420}}
	d := lookup(t, Source{Label: "pattern", Name: "Test Pattern", Command: "cat " + writeFile(t, data), Props: p})
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if got := d.Properties(); len(got) != 1 || got[0].Width != w {
		t.Fatalf("unexpected properties %v", got)
	}
	if _, err := d.AudioRecord(p); err == nil {
		t.Error("a video source recorded audio")
	}

	r, err := d.VideoRecord(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < frames; i++ {
		img, release, err := r.Read()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		yuv, ok := img.(*image.YCbCr)
		if !ok {
			t.Fatalf("frame %d is %T", i, img)
		}
		if yuv.Y[0] != byte(10*(i+1)) {
			t.Errorf("frame %d starts with %d", i, yuv.Y[0])
		}
		release()
	}
	if _, _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after the last frame, got %v", err)
	}

	if err := d.Close(); err != nil {
		t.Error(err)
	}
}

func TestAudioCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cat")
	}

	const rate, channels = 8000, 2
	p := prop.Media{Audio: prop.Audio{ChannelCount: channels, SampleRate: rate, SampleSize: 2, Latency: 10 * time.Millisecond}}
	const samples = rate / 100

	data := make([]byte, 2*samples*channels*2)
	binary.LittleEndian.PutUint16(data, 1000)
	binary.LittleEndian.PutUint16(data[samples*channels*2:], 2000)

	d := lookup(t, Source{Label: "tone", Command: "cat " + writeFile(t, data), Props: p})
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	r, err := d.AudioRecord(p)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int16{1000, 2000} {
		chunk, _, err := r.Read()
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		pcm, ok := chunk.(*wave.Int16Interleaved)
		if !ok {
			t.Fatalf("chunk %d is %T", i, chunk)
		}
		if info := pcm.ChunkInfo(); info.Len != samples || info.Channels != channels || info.SamplingRate != rate {
			t.Errorf("chunk %d: unexpected info %+v", i, info)
		}
		if pcm.Data[0] != want {
			t.Errorf("chunk %d starts with %d, want %d", i, pcm.Data[0], want)
		}
	}
	if _, _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestCloseStopsLongRunningCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sleep")
	}

	p := prop.Media{Video: prop.Video{Width: 8, Height: 4, FrameRate: 30, FrameFormat: frame.FormatI420}}
	d := lookup(t, Source{Label: "idle", Command: "sleep 30", Props: p})
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	r, err := d.VideoRecord(p)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > stopTimeout+time.Second {
		t.Errorf("close took %s", elapsed)
	}
	if _, _, err := r.Read(); err == nil {
		t.Error("read succeeded after close")
	}
}

func TestInvalidCommand(t *testing.T) {
	_, err := driver.Discover(Backend(Source{Label: "empty", Command: "  "}))
	if !errors.Is(err, errInvalidCommand) {
		t.Errorf("expected errInvalidCommand, got %v", err)
	}
}
