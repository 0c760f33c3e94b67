// Package cmdsource turns external commands into capture devices. The
// command writes raw frames or raw interleaved PCM to its standard output;
// a test pattern generator or a decoder reading a file are typical uses.
package cmdsource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/wave"
)

var (
	errInvalidCommand    = errors.New("cmdsource: invalid command")
	errUnsupportedFormat = errors.New("cmdsource: frame format has no fixed size")
)

// stopTimeout is how long a command gets to exit after an interrupt.
const stopTimeout = 3 * time.Second

// Source describes one command backed device. Props is the only mode the
// device advertises; a source is a video source when Props.Width is set.
type Source struct {
	Label   string
	Name    string
	Command string
	Props   prop.Media
}

func (s Source) video() bool {
	return s.Props.Width > 0
}

// Backend exposes sources as devices.
func Backend(sources ...Source) driver.Backend {
	return driver.Backend{
		Name: "cmdsource",
		Discover: func(m *driver.Manager) error {
			var errs []error
			for _, s := range sources {
				a, err := newAdapter(s)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				t := driver.Microphone
				if s.video() {
					t = driver.Camera
				}
				if err := m.Register(a, driver.Info{Label: s.Label, Name: s.Name, DeviceType: t}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

type adapter struct {
	src  Source
	args []string
	log  logging.LeveledLogger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func newAdapter(s Source) (*adapter, error) {
	args, err := shlex.Split(s.Command)
	if err != nil || len(args) == 0 || args[0] == "" {
		return nil, fmt.Errorf("%w %q for %s", errInvalidCommand, s.Command, s.Label)
	}
	return &adapter{src: s, args: args, log: mclogging.NewLogger("cmdsource")}, nil
}

func (a *adapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cmd = exec.Command(a.args[0], a.args[1:]...)
	a.cmd.Env = append(os.Environ(), env(a.src.Props)...)
	a.cmd.Stderr = &logWriter{log: a.log, prefix: a.args[0]}
	return nil
}

// env tells the command which mode is expected.
func env(p prop.Media) []string {
	if p.Width > 0 {
		return []string{
			"MEDIACORE_WIDTH=" + strconv.Itoa(p.Width),
			"MEDIACORE_HEIGHT=" + strconv.Itoa(p.Height),
			"MEDIACORE_FRAME_RATE=" + strconv.FormatFloat(float64(p.FrameRate), 'f', -1, 32),
			"MEDIACORE_FRAME_FORMAT=" + string(p.FrameFormat),
		}
	}
	return []string{
		"MEDIACORE_CHANNELS=" + strconv.Itoa(p.ChannelCount),
		"MEDIACORE_SAMPLE_RATE=" + strconv.Itoa(p.SampleRate),
		"MEDIACORE_SAMPLE_SIZE=" + strconv.Itoa(p.SampleSize),
	}
}

// Close interrupts the command and kills it when it does not exit in time.
func (a *adapter) Close() error {
	a.mu.Lock()
	cmd := a.cmd
	a.cmd = nil
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			// Interrupted or failed on its own; either way it is gone.
			a.log.Debugf("%s exited: %v", a.src.Label, err)
			return nil
		}
		return err
	case <-time.After(stopTimeout):
		err := cmd.Process.Kill()
		<-done
		return err
	}
}

func (a *adapter) Properties() []prop.Media {
	return []prop.Media{a.src.Props}
}

func (a *adapter) Probe() ([]prop.Media, error) {
	return a.Properties(), nil
}

func (a *adapter) start() (io.Reader, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil {
		return nil, errors.New("cmdsource: not opened")
	}
	stdout, err := a.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := a.cmd.Start(); err != nil {
		return nil, err
	}
	return stdout, nil
}

// readFull maps a short final read to io.EOF: the command ended.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func (a *adapter) VideoRecord(p prop.Media) (video.Reader, error) {
	if !a.src.video() {
		return nil, errors.New("cmdsource: not a video source")
	}
	size := frame.Size(p.FrameFormat, p.Width, p.Height)
	if size == 0 {
		return nil, errUnsupportedFormat
	}
	decoder, err := frame.NewDecoder(p.FrameFormat)
	if err != nil {
		return nil, err
	}

	stdout, err := a.start()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		if err := readFull(stdout, buf); err != nil {
			return nil, func() {}, err
		}
		return decoder.Decode(buf, p.Width, p.Height)
	})
	return r, nil
}

func (a *adapter) AudioRecord(p prop.Media) (audio.Reader, error) {
	if a.src.video() {
		return nil, errors.New("cmdsource: not an audio source")
	}
	format := wave.RawFormat{SampleSize: p.SampleSize, IsFloat: p.IsFloat}
	if !format.Supported() {
		return nil, fmt.Errorf("cmdsource: unsupported sample format %s", format)
	}

	latency := p.Latency
	if latency <= 0 {
		latency = 10 * time.Millisecond
	}
	samples := int(int64(p.SampleRate) * int64(latency) / int64(time.Second))
	if samples <= 0 {
		return nil, fmt.Errorf("cmdsource: invalid sample rate %d", p.SampleRate)
	}

	stdout, err := a.start()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, samples*p.ChannelCount*p.SampleSize)
	r := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		if err := readFull(stdout, buf); err != nil {
			return nil, func() {}, err
		}
		chunk, err := wave.Decode(format, binary.LittleEndian, buf, p.ChannelCount, p.SampleRate)
		return chunk, func() {}, err
	})
	return r, nil
}

// logWriter logs the standard error of a command line by line.
type logWriter struct {
	log    logging.LeveledLogger
	prefix string
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log.Debugf("(%s stderr) %s", w.prefix, w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
