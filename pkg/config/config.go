// Package config loads the tunables of the capture core from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the capture core. The zero value is not
// usable; start from Default.
type Config struct {
	Bridge    Bridge    `yaml:"bridge"`
	Publish   Publish   `yaml:"publish"`
	Audio     Audio     `yaml:"audio"`
	Devices   Devices   `yaml:"devices"`
	Recording Recording `yaml:"recording"`
	Log       Log       `yaml:"log"`
}

type Bridge struct {
	// BufferSize is the number of samples each bridge reader holds before
	// it starts dropping the oldest one.
	BufferSize        int           `yaml:"buffer_size"`
	NextSampleTimeout time.Duration `yaml:"next_sample_timeout"`
}

type Publish struct {
	// RetryBudget is the number of tries, the first one included, spent on
	// a frame that fails with a transient error.
	RetryBudget    int           `yaml:"retry_budget"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type Audio struct {
	SampleRate int           `yaml:"sample_rate"`
	Chunk      time.Duration `yaml:"chunk"`
}

type Devices struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WatchPaths   []string      `yaml:"watch_paths"`
	// CommandSources are listed next to the devices of the host.
	CommandSources []CommandSource `yaml:"command_sources"`
}

// CommandSource is a device backed by a command writing raw media to its
// standard output. Setting Width makes it a video source, otherwise it is
// an audio source.
type CommandSource struct {
	Label   string `yaml:"label"`
	Name    string `yaml:"name"`
	Command string `yaml:"command"`

	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FrameRate   float32 `yaml:"frame_rate"`
	FrameFormat string  `yaml:"frame_format"`

	Channels   int  `yaml:"channels"`
	SampleRate int  `yaml:"sample_rate"`
	SampleSize int  `yaml:"sample_size"`
	Float      bool `yaml:"float"`
}

func (s CommandSource) validate() error {
	switch {
	case s.Label == "" || s.Command == "":
		return fmt.Errorf("devices.command_sources: label and command are required")
	case s.Width > 0 && (s.Height <= 0 || s.FrameFormat == ""):
		return fmt.Errorf("devices.command_sources[%s]: height and frame_format are required for video", s.Label)
	case s.Width <= 0 && (s.Channels <= 0 || s.SampleRate <= 0):
		return fmt.Errorf("devices.command_sources[%s]: set width for video or channels and sample_rate for audio", s.Label)
	}
	return nil
}

type Recording struct {
	Dir string `yaml:"dir"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Bridge: Bridge{
			BufferSize:        8,
			NextSampleTimeout: time.Second,
		},
		Publish: Publish{
			RetryBudget:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
		},
		Audio: Audio{
			SampleRate: 48000,
			Chunk:      10 * time.Millisecond,
		},
		Devices: Devices{
			PollInterval: 2 * time.Second,
			WatchPaths:   []string{"/dev"},
		},
		Recording: Recording{
			Dir: "recordings",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Parse(b)
}

// Parse decodes b on top of Default and validates the result. Keys missing
// from b keep their default value.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Bridge.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("bridge.buffer_size must be positive, got %d", c.Bridge.BufferSize))
	}
	if c.Bridge.NextSampleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge.next_sample_timeout must be positive, got %s", c.Bridge.NextSampleTimeout))
	}
	if c.Publish.RetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("publish.retry_budget must be positive, got %d", c.Publish.RetryBudget))
	}
	if c.Publish.InitialBackoff <= 0 || c.Publish.MaxBackoff < c.Publish.InitialBackoff {
		errs = append(errs, fmt.Errorf("publish backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.Chunk <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk must be positive, got %s", c.Audio.Chunk))
	}
	if c.Devices.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("devices.poll_interval must be positive, got %s", c.Devices.PollInterval))
	}
	for _, s := range c.Devices.CommandSources {
		if err := s.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
