//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/driver"
	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/frame"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

const (
	maxEmptyFrameCount = 5
	// frameTimeout is in seconds, as expected by WaitForFrame.
	frameTimeout = 5
)

var (
	errReadTimeout = errors.New("read timeout")
	errEmptyFrame  = errors.New("empty frame")
)

var logger = logging.NewLogger("camera")

var supportedFormats = map[webcam.PixelFormat]frame.Format{
	webcam.PixelFormat(fourcc('Y', 'U', 'Y', 'V')): frame.FormatYUY2,
	webcam.PixelFormat(fourcc('U', 'Y', 'V', 'Y')): frame.FormatUYVY,
	webcam.PixelFormat(fourcc('N', 'V', '1', '2')): frame.FormatNV12,
	webcam.PixelFormat(fourcc('N', 'V', '2', '1')): frame.FormatNV21,
	webcam.PixelFormat(fourcc('Y', 'U', '1', '2')): frame.FormatI420,
	webcam.PixelFormat(fourcc('M', 'J', 'P', 'G')): frame.FormatMJPEG,
	webcam.PixelFormat(fourcc('H', '2', '6', '4')): frame.FormatH264,
}

// Camera implementation using v4l2
// Reference: https://linuxtv.org/downloads/v4l-dvb-apis/uapi/v4l/videodev.html#videodev
type camera struct {
	path    string
	cam     *webcam.Webcam
	formats map[frame.Format]webcam.PixelFormat
	mutex   sync.Mutex
	cancel  func()
}

func discover(m *driver.Manager) error {
	paths, err := devicePaths()
	if err != nil {
		return err
	}

	for label, path := range paths {
		err := m.Register(newCamera(path), driver.Info{
			Label:      label,
			Name:       deviceName(path),
			DeviceType: driver.Camera,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// devicePaths maps labels to device paths. A missing /dev/v4l is not an
// error, the host simply has no camera.
func devicePaths() (map[string]string, error) {
	paths := make(map[string]string)

	const byPath = "/dev/v4l/by-path"
	entries, err := os.ReadDir(byPath)
	switch {
	case err == nil:
		for _, e := range entries {
			paths[e.Name()] = filepath.Join(byPath, e.Name())
		}
		return paths, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("camera: %w", err)
	}

	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		paths[filepath.Base(node)] = node
	}
	return paths, nil
}

// deviceName reads the product name V4L2 exposes in sysfs.
func deviceName(path string) string {
	node, err := filepath.EvalSymlinks(path)
	if err != nil {
		node = path
	}
	b, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(node), "name"))
	if err != nil {
		return filepath.Base(node)
	}
	return strings.TrimSpace(string(b))
}

func newCamera(path string) *camera {
	formats := make(map[frame.Format]webcam.PixelFormat, len(supportedFormats))
	for k, v := range supportedFormats {
		formats[v] = k
	}

	return &camera{
		path:    path,
		formats: formats,
	}
}

func (c *camera) Open() error {
	cam, err := webcam.Open(c.path)
	if err != nil {
		return availability.Classify(err)
	}

	c.cam = cam
	return nil
}

func (c *camera) Close() error {
	if c.cam == nil {
		return nil
	}

	if c.cancel != nil {
		// Let the reader knows that the caller has closed the camera
		c.cancel()
		// Wait until the reader unref the buffer
		c.mutex.Lock()
		defer c.mutex.Unlock()

		// StopStreaming frees the mmap buffers; the reader copies frames out
		// before releasing the mutex.
		if err := c.cam.StopStreaming(); err != nil {
			logger.Debugf("%s: stop streaming: %v", c.path, err)
		}
		c.cancel = nil
	}
	err := c.cam.Close()
	c.cam = nil
	return err
}

func (c *camera) VideoRecord(p prop.Media) (video.Reader, error) {
	decoder, err := frame.NewDecoder(p.FrameFormat)
	if err != nil {
		return nil, err
	}

	pf, ok := c.formats[p.FrameFormat]
	if !ok {
		return nil, fmt.Errorf("camera: %s is not a v4l2 format", p.FrameFormat)
	}
	_, w, h, err := c.cam.SetImageFormat(pf, uint32(p.Width), uint32(p.Height))
	if err != nil {
		return nil, availability.Classify(err)
	}
	if int(w) != p.Width || int(h) != p.Height {
		return nil, fmt.Errorf("camera: driver negotiated %dx%d instead of %dx%d", w, h, p.Width, p.Height)
	}
	if p.FrameRate > 0 {
		if err := c.cam.SetFramerate(p.FrameRate); err != nil {
			logger.Warnf("%s: set framerate %g: %v", c.path, p.FrameRate, err)
		}
	}

	if err := c.cam.StartStreaming(); err != nil {
		return nil, availability.Classify(err)
	}

	cam := c.cam
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	var buf []byte
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		// Lock to avoid accessing the buffer after StopStreaming()
		c.mutex.Lock()
		defer c.mutex.Unlock()

		for i := 0; i < maxEmptyFrameCount; i++ {
			if ctx.Err() != nil {
				// Return EOF if the camera is already closed.
				return nil, func() {}, io.EOF
			}

			err := cam.WaitForFrame(frameTimeout)
			switch err.(type) {
			case nil:
			case *webcam.Timeout:
				return nil, func() {}, c.lost(errReadTimeout)
			default:
				if ctx.Err() != nil {
					return nil, func() {}, io.EOF
				}
				return nil, func() {}, c.lost(err)
			}

			b, err := cam.ReadFrame()
			if err != nil {
				return nil, func() {}, c.lost(err)
			}
			if len(b) == 0 {
				continue
			}

			// Copy out of the mmap buffer so that images outlive StopStreaming.
			if len(b) > len(buf) {
				buf = make([]byte, len(b))
			}
			n := copy(buf, b)
			return decoder.Decode(buf[:n], p.Width, p.Height)
		}
		return nil, func() {}, errEmptyFrame
	})

	return r, nil
}

// lost turns a streaming error into ErrNoDevice when the device node is
// gone, which is how an unplugged camera shows up.
func (c *camera) lost(err error) error {
	if _, statErr := os.Stat(c.path); errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("camera %s: %w: %v", c.path, availability.ErrNoDevice, err)
	}
	return availability.Classify(err)
}

func (c *camera) Properties() []prop.Media {
	return supportedProperties(c.cam)
}

// Probe queries the formats through a handle of its own. V4L2 only makes
// streaming exclusive, so this works while a pipeline holds the camera.
func (c *camera) Probe() ([]prop.Media, error) {
	cam, err := webcam.Open(c.path)
	if err != nil {
		return nil, availability.Classify(err)
	}
	defer cam.Close()
	return supportedProperties(cam), nil
}

func supportedProperties(cam *webcam.Webcam) []prop.Media {
	var properties []prop.Media
	for pf := range cam.GetSupportedFormats() {
		format, ok := supportedFormats[pf]
		if !ok {
			continue
		}

		for _, size := range cam.GetSupportedFrameSizes(pf) {
			// Stepwise sizes are advertised at their maximum only.
			w, h := size.MaxWidth, size.MaxHeight
			for _, fps := range framerates(cam.GetSupportedFramerates(pf, w, h)) {
				properties = append(properties, prop.Media{
					Video: prop.Video{
						Width:       int(w),
						Height:      int(h),
						FrameRate:   fps,
						FrameFormat: format,
					},
				})
			}
		}
	}

	sort.Slice(properties, func(i, j int) bool {
		a, b := properties[i], properties[j]
		if a.Width*a.Height != b.Width*b.Height {
			return a.Width*a.Height > b.Width*b.Height
		}
		if a.FrameRate != b.FrameRate {
			return a.FrameRate > b.FrameRate
		}
		return a.FrameFormat < b.FrameFormat
	})
	return properties
}

// framerates converts V4L2 frame intervals into frames per second. A
// continuous range contributes its fastest rate.
func framerates(intervals []webcam.FrameRate) []float32 {
	if len(intervals) == 0 {
		return []float32{0}
	}

	seen := make(map[float32]bool)
	var out []float32
	for _, fr := range intervals {
		if fr.MinNumerator == 0 {
			continue
		}
		fps := float32(fr.MaxDenominator) / float32(fr.MinNumerator)
		if !seen[fps] {
			seen[fps] = true
			out = append(out, fps)
		}
	}
	if len(out) == 0 {
		return []float32{0}
	}
	return out
}
