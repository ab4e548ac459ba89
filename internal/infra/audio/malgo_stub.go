//go:build !malgo

package audio

import (
	"context"
	"errors"
	"log/slog"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var errMalgoUnavailable = errors.New("malgo engine not available: rebuild with -tags malgo")

// MalgoEngine stub when miniaudio is not compiled in
type MalgoEngine struct {
	logger *slog.Logger
}

var _ application.Engine = (*MalgoEngine)(nil)

func NewMalgoEngine(_ DeviceConfig, logger *slog.Logger) *MalgoEngine {
	return &MalgoEngine{logger: logger}
}

func (m *MalgoEngine) Name() string { return "malgo" }

func (m *MalgoEngine) Prepare(_ context.Context) error {
	return errMalgoUnavailable
}

func (m *MalgoEngine) Attach(application.Node) error { return errMalgoUnavailable }
func (m *MalgoEngine) InputFormat() domain.Format    { return domain.Format{} }
func (m *MalgoEngine) OutputFormat() domain.Format   { return domain.Format{} }

func (m *MalgoEngine) InstallTap(int, domain.Format, application.TapFunc) error {
	return errMalgoUnavailable
}

func (m *MalgoEngine) RemoveTap() error { return nil }
func (m *MalgoEngine) Start() error     { return errMalgoUnavailable }
func (m *MalgoEngine) Stop() error      { return nil }

func (m *MalgoEngine) Schedule(domain.SampleBuffer, func()) error {
	return errMalgoUnavailable
}

func (m *MalgoEngine) ResetPlayer() error { return nil }
func (m *MalgoEngine) Close() error       { return nil }
