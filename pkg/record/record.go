// Package record writes the samples of a pipeline to disk: video as Y4M
// and audio as WAV, each next to a JSON description of the recording.
package record

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/logging"
	mclogging "github.com/syncflow/mediacore/internal/logging"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/prop"
	"github.com/syncflow/mediacore/pkg/sample"
)

// Source is a pipeline whose samples can be recorded. *graph.Handle
// implements it.
type Source interface {
	Kind() sample.Kind
	Output() prop.Media
	Subscribe() *bridge.Reader
}

type Options struct {
	Dir string
	// Name is the display name of the device.
	Name     string
	DeviceID string
	// Channel is the selected audio channel, 0 when all channels are
	// recorded.
	Channel int
	Clock   clock.Clock
}

// Metadata is written to <file>.json when a recording ends cleanly.
type Metadata struct {
	Filename     string `json:"filename"`
	ParentDir    string `json:"parent_dir"`
	Source       string `json:"source"`
	MediaType    string `json:"media_type"`
	Codec        string `json:"codec"`
	AudioChannel *int   `json:"audio_channel"`
	// StartTime and EndTime are the wall clock times, in nanoseconds, of
	// the first and last recorded samples.
	StartTime *int64 `json:"start_time"`
	EndTime   *int64 `json:"end_time"`
}

// ErrorMetadata is written to <file>.error.json when a recording fails.
type ErrorMetadata struct {
	Error        string `json:"error"`
	Filename     string `json:"filename"`
	ParentDir    string `json:"parent_dir"`
	Source       string `json:"source"`
	MediaType    string `json:"media_type"`
	Codec        string `json:"codec"`
	AudioChannel *int   `json:"audio_channel"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "" {
		return "device"
	}
	return s
}

// FileName returns <kind>-<name>-<device hash>-<unix ms>.<ext>. The device
// hash is derived from the device ID, which is often a path.
func FileName(kind sample.Kind, name, deviceID string, unixMilli int64) string {
	ext := "y4m"
	if kind == sample.KindAudio {
		ext = "wav"
	}
	hash := uuid.NewSHA1(uuid.NameSpaceURL, []byte(deviceID)).String()[:8]
	return fmt.Sprintf("%s-%s-%s-%d.%s", kind, sanitize(name), hash, unixMilli, ext)
}

type sampleWriter interface {
	WriteSample(sample.Sample) error
	Close() error
}

// Recorder drains one bridge reader into a file.
type Recorder struct {
	path   string
	meta   Metadata
	clock  clock.Clock
	log    logging.LeveledLogger
	reader *bridge.Reader
	file   *os.File
	buf    *bufio.Writer
	w      sampleWriter

	cancel context.CancelFunc
	done   chan struct{}

	// written by run before done is closed
	runErr      error
	first, last int64
	samples     int

	closeOnce sync.Once
	closeErr  error
}

// Start creates the recording file in opts.Dir and starts draining src.
func Start(src Source, opts Options) (*Recorder, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}

	kind := src.Kind()
	name := FileName(kind, opts.Name, opts.DeviceID, opts.Clock.Now().UnixMilli())
	path := filepath.Join(opts.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}

	r := &Recorder{
		path:  path,
		clock: opts.Clock,
		log:   mclogging.NewLogger("record"),
		file:  f,
		done:  make(chan struct{}),
		meta: Metadata{
			Filename:  name,
			ParentDir: opts.Dir,
			Source:    opts.Name,
			MediaType: kind.String(),
		},
	}
	if opts.Channel != 0 {
		ch := opts.Channel
		r.meta.AudioChannel = &ch
	}

	out := src.Output()
	switch kind {
	case sample.KindVideo:
		r.meta.Codec = "video/x-raw,format=" + sample.FormatI420
		r.buf = bufio.NewWriter(f)
		r.w = newY4MWriter(r.buf, out)
	case sample.KindAudio:
		r.meta.Codec = "audio/x-raw,format=" + sample.FormatS16LE
		r.w, err = newWAVWriter(f, out)
	default:
		err = fmt.Errorf("record: unknown kind %s", kind)
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.reader = src.Subscribe()
	go r.run(ctx)

	r.log.Infof("recording %s to %s", kind, path)
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// Done is closed once the source ended or the recorder was closed.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	defer r.reader.Close()

	for {
		s, err := r.reader.Next(ctx)
		if err != nil {
			if !errors.Is(err, bridge.ErrEndOfStream) && !errors.Is(err, context.Canceled) {
				r.runErr = err
			}
			return
		}

		now := r.clock.Now().UnixNano()
		if r.samples == 0 {
			r.first = now
		}
		r.last = now
		r.samples++

		if err := r.w.WriteSample(s); err != nil {
			r.runErr = err
			return
		}
	}
}

// Close stops recording, finishes the file and writes the metadata
// sidecar. A non-nil cause, or a failure while writing, produces
// <file>.error.json instead of <file>.json. Close may be called more than
// once; later calls return the first result.
func (r *Recorder) Close(cause error) error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done

		err := r.finish()
		if cause == nil {
			cause = errors.Join(r.runErr, err)
		}
		if cause != nil {
			r.log.Warnf("recording %s failed: %v", r.path, cause)
			r.closeErr = errors.Join(cause, r.writeError(cause))
			return
		}
		r.closeErr = r.writeMetadata()
	})
	return r.closeErr
}

func (r *Recorder) finish() error {
	var errs []error
	errs = append(errs, r.w.Close())
	if r.buf != nil {
		errs = append(errs, r.buf.Flush())
	}
	errs = append(errs, r.file.Close())
	return errors.Join(errs...)
}

// Metadata returns what Close writes on success.
func (r *Recorder) Metadata() Metadata {
	<-r.done

	m := r.meta
	if r.samples > 0 {
		first, last := r.first, r.last
		m.StartTime, m.EndTime = &first, &last
	}
	return m
}

func (r *Recorder) writeMetadata() error {
	return writeJSON(r.path+".json", r.Metadata())
}

func (r *Recorder) writeError(cause error) error {
	return writeJSON(r.path+".error.json", ErrorMetadata{
		Error:        cause.Error(),
		Filename:     r.meta.Filename,
		ParentDir:    r.meta.ParentDir,
		Source:       r.meta.Source,
		MediaType:    r.meta.MediaType,
		Codec:        r.meta.Codec,
		AudioChannel: r.meta.AudioChannel,
	})
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("record: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}
