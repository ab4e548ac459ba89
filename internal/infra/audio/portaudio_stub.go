//go:build !portaudio
// +build !portaudio

package audio

import (
	"context"
	"errors"
	"log/slog"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var errPortAudioUnavailable = errors.New("portaudio engine not available: rebuild with -tags portaudio")

// PortAudioEngine stub when portaudio is not available
type PortAudioEngine struct {
	logger *slog.Logger
}

var _ application.Engine = (*PortAudioEngine)(nil)

func NewPortAudioEngine(_ DeviceConfig, logger *slog.Logger) *PortAudioEngine {
	return &PortAudioEngine{logger: logger}
}

func (p *PortAudioEngine) Name() string { return "portaudio" }

func (p *PortAudioEngine) Prepare(_ context.Context) error {
	return errPortAudioUnavailable
}

func (p *PortAudioEngine) Attach(application.Node) error { return errPortAudioUnavailable }
func (p *PortAudioEngine) InputFormat() domain.Format    { return domain.Format{} }
func (p *PortAudioEngine) OutputFormat() domain.Format   { return domain.Format{} }

func (p *PortAudioEngine) InstallTap(int, domain.Format, application.TapFunc) error {
	return errPortAudioUnavailable
}

func (p *PortAudioEngine) RemoveTap() error { return nil }
func (p *PortAudioEngine) Start() error     { return errPortAudioUnavailable }
func (p *PortAudioEngine) Stop() error      { return nil }

func (p *PortAudioEngine) Schedule(domain.SampleBuffer, func()) error {
	return errPortAudioUnavailable
}

func (p *PortAudioEngine) ResetPlayer() error { return nil }
func (p *PortAudioEngine) Close() error       { return nil }
