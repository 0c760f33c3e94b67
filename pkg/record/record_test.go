package record

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
	"github.com/syncflow/mediacore/pkg/wave"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	b    *bridge.Bridge
	kind sample.Kind
	out  prop.Media
}

func (s *fakeSource) Kind() sample.Kind         { return s.kind }
func (s *fakeSource) Output() prop.Media        { return s.out }
func (s *fakeSource) Subscribe() *bridge.Reader { return s.b.Subscribe() }

func newSource(kind sample.Kind, out prop.Media) *fakeSource {
	return &fakeSource{b: bridge.New(bridge.Config{BufferSize: 16}), kind: kind, out: out}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func videoSample(t *testing.T, w, h int, luma byte) sample.Sample {
	t.Helper()

	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = luma
	}
	s, err := sample.NewVideo(img, 0, 40*time.Millisecond)
	require.NoError(t, err)
	return s
}

func TestRecordVideo(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1700000000000))

	src := newSource(sample.KindVideo, prop.Media{Video: prop.Video{Width: 4, Height: 4, FrameRate: 25}})
	rec, err := Start(src, Options{Dir: dir, Name: "Front Camera", DeviceID: "/dev/video0", Clock: clk})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(rec.Path()), "video-Front_Camera-"))
	assert.True(t, strings.HasSuffix(rec.Path(), "-1700000000000.y4m"))

	for i := 0; i < 3; i++ {
		_, err := src.b.Push(videoSample(t, 4, 4, byte(i)))
		require.NoError(t, err)
	}
	require.NoError(t, src.b.Close())
	<-rec.Done()
	require.NoError(t, rec.Close(nil))
	require.NoError(t, rec.Close(nil))

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	header := "YUV4MPEG2 W4 H4 F25:1 Ip A1:1 C420jpeg\n"
	require.True(t, bytes.HasPrefix(data, []byte(header)))
	frames := bytes.Split(data[len(header):], []byte("FRAME\n"))
	require.Len(t, frames, 4)
	for i, f := range frames[1:] {
		assert.Len(t, f, 4*4+2*2*2)
		assert.Equal(t, byte(i), f[0])
	}

	var meta Metadata
	readJSON(t, rec.Path()+".json", &meta)
	assert.Equal(t, filepath.Base(rec.Path()), meta.Filename)
	assert.Equal(t, dir, meta.ParentDir)
	assert.Equal(t, "Front Camera", meta.Source)
	assert.Equal(t, "video", meta.MediaType)
	assert.Equal(t, "video/x-raw,format=I420", meta.Codec)
	assert.Nil(t, meta.AudioChannel)
	require.NotNil(t, meta.StartTime)
	require.NotNil(t, meta.EndTime)
	assert.Equal(t, clk.Now().UnixNano(), *meta.StartTime)

	_, err = os.Stat(rec.Path() + ".error.json")
	assert.True(t, os.IsNotExist(err))
}

func TestRecordAudio(t *testing.T) {
	dir := t.TempDir()
	src := newSource(sample.KindAudio, prop.Media{Audio: prop.Audio{SampleRate: 48000, ChannelCount: 2}})
	rec, err := Start(src, Options{Dir: dir, Name: "mic", DeviceID: "hw:0", Channel: 0})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rec.Path(), ".wav"))

	chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 480, Channels: 2, SamplingRate: 48000})
	chunk.Data[0] = 1234
	for i := 0; i < 2; i++ {
		_, err := src.b.Push(sample.NewAudio(chunk, time.Duration(i)*10*time.Millisecond))
		require.NoError(t, err)
	}
	require.NoError(t, src.b.Close())
	<-rec.Done()
	require.NoError(t, rec.Close(nil))

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	const size = 2 * 480 * 2 * 2
	require.Len(t, data, wavHeaderSize+size)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(36+size), binary.LittleEndian.Uint32(data[4:]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[22:]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(data[24:]))
	assert.Equal(t, uint32(size), binary.LittleEndian.Uint32(data[40:]))
	assert.Equal(t, int16(1234), int16(binary.LittleEndian.Uint16(data[wavHeaderSize:])))

	var meta Metadata
	readJSON(t, rec.Path()+".json", &meta)
	assert.Equal(t, "audio", meta.MediaType)
	assert.Equal(t, "audio/x-raw,format=S16LE", meta.Codec)
}

func TestRecordSelectedChannel(t *testing.T) {
	src := newSource(sample.KindAudio, prop.Media{Audio: prop.Audio{SampleRate: 48000, ChannelCount: 1}})
	rec, err := Start(src, Options{Dir: t.TempDir(), Name: "mic", DeviceID: "hw:0", Channel: 2})
	require.NoError(t, err)
	require.NoError(t, rec.Close(nil))

	var meta Metadata
	readJSON(t, rec.Path()+".json", &meta)
	require.NotNil(t, meta.AudioChannel)
	assert.Equal(t, 2, *meta.AudioChannel)
	assert.Nil(t, meta.StartTime)
	src.b.Close()
}

func TestRecordFailure(t *testing.T) {
	src := newSource(sample.KindVideo, prop.Media{Video: prop.Video{Width: 4, Height: 4, FrameRate: 25}})
	rec, err := Start(src, Options{Dir: t.TempDir(), Name: "cam", DeviceID: "cam0"})
	require.NoError(t, err)

	cause := errors.New("device disconnected")
	require.ErrorIs(t, rec.Close(cause), cause)
	src.b.Close()

	var meta ErrorMetadata
	readJSON(t, rec.Path()+".error.json", &meta)
	assert.Equal(t, "device disconnected", meta.Error)
	assert.Equal(t, "cam", meta.Source)

	_, err = os.Stat(rec.Path() + ".json")
	assert.True(t, os.IsNotExist(err))
}

func TestRecordRejectsResize(t *testing.T) {
	src := newSource(sample.KindVideo, prop.Media{Video: prop.Video{Width: 4, Height: 4, FrameRate: 25}})
	rec, err := Start(src, Options{Dir: t.TempDir(), Name: "cam", DeviceID: "cam0"})
	require.NoError(t, err)

	_, err = src.b.Push(videoSample(t, 8, 8, 0))
	require.NoError(t, err)
	<-rec.Done()
	assert.Error(t, rec.Close(nil))
	src.b.Close()

	_, err = os.Stat(rec.Path() + ".error.json")
	assert.NoError(t, err)
}

func TestFileName(t *testing.T) {
	a := FileName(sample.KindVideo, "HD Pro Webcam C920 (046d:082d)", "/dev/video0", 42)
	b := FileName(sample.KindVideo, "HD Pro Webcam C920 (046d:082d)", "/dev/video2", 42)

	assert.True(t, strings.HasPrefix(a, "video-HD_Pro_Webcam_C920_046d_082d_-"), a)
	assert.True(t, strings.HasSuffix(a, "-42.y4m"), a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, FileName(sample.KindVideo, "HD Pro Webcam C920 (046d:082d)", "/dev/video0", 42))
	assert.True(t, strings.HasSuffix(FileName(sample.KindAudio, "", "hw:0", 1), ".wav"))
	assert.True(t, strings.HasPrefix(FileName(sample.KindAudio, "", "hw:0", 1), "audio-device-"))
}
