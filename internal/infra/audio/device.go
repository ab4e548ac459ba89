package audio

import (
	"errors"
	"fmt"
	"log/slog"

	"vassist/internal/application"
	"vassist/internal/domain"
)

// DeviceConfig describes the hardware streams of the device-backed engines.
type DeviceConfig struct {
	SampleRate   float64
	Channels     uint
	BufferFrames int
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.BufferFrames <= 0 {
		c.BufferFrames = defaultBufferFrames
	}
	return c
}

var ErrUnknownEngine = errors.New("unknown audio engine")

// EngineConfig selects and configures an engine by name.
type EngineConfig struct {
	Name   string
	Device DeviceConfig
	File   FileConfig
}

// NewEngine builds the engine named by cfg.Name: "file", "portaudio" or
// "malgo". Device engines need their build tag.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (application.Engine, error) {
	switch cfg.Name {
	case "", "file":
		return NewFileEngine(cfg.File, logger), nil
	case "portaudio":
		return NewPortAudioEngine(cfg.Device, logger), nil
	case "malgo":
		return NewMalgoEngine(cfg.Device, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Name)
	}
}

func float32Format(rate float64, channels uint) domain.Format {
	return domain.Format{SampleRate: rate, Channels: channels, Encoding: domain.EncodingFloat32}
}
