package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"vassist/internal/domain"
)

type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type AudioConfig struct {
	Engine       string  `yaml:"engine"`
	InputDir     string  `yaml:"input_dir"`
	OutputDir    string  `yaml:"output_dir"`
	SampleRate   float64 `yaml:"sample_rate"`
	Channels     uint    `yaml:"channels"`
	BufferFrames int     `yaml:"buffer_frames"`
	Realtime     bool    `yaml:"realtime"`
}

type CaptureConfig struct {
	TargetSampleRate float64 `yaml:"target_sample_rate"`
	TargetChannels   uint    `yaml:"target_channels"`
	TargetEncoding   string  `yaml:"target_encoding"`
	ChunkDuration    string  `yaml:"chunk_duration"`
	SkipFirstBuffer  bool    `yaml:"skip_first_buffer"`
	EventBuffer      int     `yaml:"event_buffer"`
}

type PlaybackConfig struct {
	Policy string `yaml:"policy"`
}

type StorageConfig struct {
	Dir         string `yaml:"dir"`
	Codec       string `yaml:"codec"`
	OpusBitrate int    `yaml:"opus_bitrate"`
}

type UploadConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	RateLimit int    `yaml:"rate_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Audio.Engine == "" {
		c.Audio.Engine = "file"
	}
	if c.Audio.InputDir == "" {
		c.Audio.InputDir = "./audio/in"
	}
	if c.Audio.OutputDir == "" {
		c.Audio.OutputDir = "./audio/out"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.BufferFrames == 0 {
		c.Audio.BufferFrames = 1024
	}
	if c.Capture.TargetSampleRate == 0 {
		c.Capture.TargetSampleRate = 16000
	}
	if c.Capture.TargetChannels == 0 {
		c.Capture.TargetChannels = 1
	}
	if c.Capture.TargetEncoding == "" {
		c.Capture.TargetEncoding = string(domain.EncodingInt16)
	}
	if c.Capture.ChunkDuration == "" {
		c.Capture.ChunkDuration = "1s"
	}
	if c.Playback.Policy == "" {
		c.Playback.Policy = "reject"
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = "wav"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Audio.Engine {
	case "file", "portaudio", "malgo":
	default:
		errs = append(errs, fmt.Errorf("audio.engine: unknown engine %q", c.Audio.Engine))
	}
	if c.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: must be positive"))
	}
	if c.Audio.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames: must be positive"))
	}

	if !c.Capture.TargetFormat().Valid() {
		errs = append(errs, fmt.Errorf("capture: invalid target format %s", c.Capture.TargetFormat()))
	}
	if d, err := c.Capture.ChunkSeconds(); err != nil {
		errs = append(errs, fmt.Errorf("capture.chunk_duration: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_duration: must be positive"))
	}

	switch c.Playback.Policy {
	case "reject", "replace":
	default:
		errs = append(errs, fmt.Errorf("playback.policy: unknown policy %q", c.Playback.Policy))
	}

	if c.Upload.Enabled && c.Upload.URL == "" {
		errs = append(errs, errors.New("upload.url: required when upload is enabled"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit: must not be negative"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// TargetFormat is the format every captured buffer is converted to.
func (c CaptureConfig) TargetFormat() domain.Format {
	return domain.Format{
		SampleRate: c.TargetSampleRate,
		Channels:   c.TargetChannels,
		Encoding:   domain.SampleEncoding(c.TargetEncoding),
	}
}

// ChunkSeconds parses ChunkDuration.
func (c CaptureConfig) ChunkSeconds() (float64, error) {
	d, err := time.ParseDuration(c.ChunkDuration)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

// DeviceFormat is the int16 format the file engine reads and writes.
func (a AudioConfig) DeviceFormat() domain.Format {
	return domain.Format{SampleRate: a.SampleRate, Channels: a.Channels, Encoding: domain.EncodingInt16}
}
