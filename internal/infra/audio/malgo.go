//go:build malgo

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Engine = (*MalgoEngine)(nil)

// MalgoEngine drives the default devices through miniaudio. Samples are
// exchanged as interleaved little-endian int16, so device callbacks pass
// bytes straight through.
type MalgoEngine struct {
	cfg    DeviceConfig
	logger *slog.Logger

	tap    tapSlot
	player playerQueue

	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	format     domain.Format
	capture    *malgo.Device
	playback   *malgo.Device
	inRunning  bool
	outRunning bool
}

func NewMalgoEngine(cfg DeviceConfig, logger *slog.Logger) *MalgoEngine {
	return &MalgoEngine{cfg: cfg.withDefaults(), logger: logger}
}

func (m *MalgoEngine) Name() string {
	return "malgo"
}

func (m *MalgoEngine) Prepare(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		m.logger.Debug("miniaudio", "message", msg)
	})
	if err != nil {
		return fmt.Errorf("initializing miniaudio: %w", err)
	}
	m.ctx = ctx
	m.format = domain.Format{
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		Encoding:   domain.EncodingInt16,
	}
	m.logger.Info("miniaudio context ready", "format", m.format.String())
	return nil
}

func (m *MalgoEngine) Attach(node application.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return ErrNotPrepared
	}

	switch node {
	case application.NodeInput:
		if m.capture != nil {
			return nil
		}
		dev, err := m.initDevice(malgo.Capture, m.onCapture)
		if err != nil {
			return fmt.Errorf("initializing capture device: %w", err)
		}
		m.capture = dev
	case application.NodePlayer:
		if m.playback != nil {
			return nil
		}
		dev, err := m.initDevice(malgo.Playback, m.onPlayback)
		if err != nil {
			return fmt.Errorf("initializing playback device: %w", err)
		}
		m.playback = dev
	default:
		return fmt.Errorf("unknown node %q", node)
	}
	return nil
}

func (m *MalgoEngine) initDevice(typ malgo.DeviceType, cb malgo.DataProc) (*malgo.Device, error) {
	cfg := malgo.DefaultDeviceConfig(typ)
	cfg.SampleRate = uint32(m.format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(m.cfg.BufferFrames)
	cfg.Alsa.NoMMap = 1
	if typ == malgo.Capture {
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(m.format.Channels)
	} else {
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(m.format.Channels)
	}
	return malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: cb})
}

func (m *MalgoEngine) InputFormat() domain.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

func (m *MalgoEngine) OutputFormat() domain.Format {
	return m.InputFormat()
}

func (m *MalgoEngine) InstallTap(bufferFrames int, format domain.Format, tap application.TapFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return fmt.Errorf("installing tap: input %w", ErrNotAttached)
	}
	if format != m.format {
		return fmt.Errorf("tap format %s does not match input %s", format, m.format)
	}
	if err := m.tap.install(bufferFrames, format, tap); err != nil {
		return err
	}
	if m.outRunning && !m.inRunning {
		return m.startCaptureLocked()
	}
	return nil
}

func (m *MalgoEngine) RemoveTap() error {
	m.tap.remove()
	return nil
}

func (m *MalgoEngine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.playback != nil && !m.outRunning {
		if err := m.playback.Start(); err != nil {
			return fmt.Errorf("starting playback device: %w", err)
		}
		m.outRunning = true
	}
	if m.tap.installed() && !m.inRunning {
		return m.startCaptureLocked()
	}
	return nil
}

func (m *MalgoEngine) startCaptureLocked() error {
	if err := m.capture.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	m.inRunning = true
	return nil
}

func (m *MalgoEngine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.inRunning {
		if err := m.capture.Stop(); err != nil {
			firstErr = fmt.Errorf("stopping capture device: %w", err)
		}
		m.inRunning = false
	}
	if m.outRunning {
		if err := m.playback.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping playback device: %w", err)
		}
		m.outRunning = false
	}
	return firstErr
}

func (m *MalgoEngine) Schedule(buf domain.SampleBuffer, onComplete func()) error {
	if out := m.OutputFormat(); buf.Format != out {
		return fmt.Errorf("scheduled format %s does not match output %s", buf.Format, out)
	}
	m.player.push(buf.Data, onComplete)
	return nil
}

func (m *MalgoEngine) ResetPlayer() error {
	m.player.reset()
	return nil
}

func (m *MalgoEngine) Close() error {
	stopErr := m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range []*malgo.Device{m.capture, m.playback} {
		if dev != nil {
			dev.Uninit()
		}
	}
	m.capture, m.playback = nil, nil
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return stopErr
}

// onCapture runs on the miniaudio thread. A rejected buffer is lost.
func (m *MalgoEngine) onCapture(_, input []byte, _ uint32) {
	m.tap.deliver(input)
}

func (m *MalgoEngine) onPlayback(output, _ []byte, _ uint32) {
	_, done := m.player.fill(output)
	for _, fn := range done {
		fn()
	}
}
