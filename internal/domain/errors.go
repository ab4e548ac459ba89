package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConverterUnavailable = errors.New("format converter unavailable")
	ErrNoInputChannel       = errors.New("input device has no channels")
	ErrNotConfigured        = errors.New("session not configured")
	ErrNotReady             = errors.New("capture session not ready")
	ErrAlreadyPlaying       = errors.New("playback already in progress")
	ErrBusy                 = errors.New("engine busy with another operation")
	ErrPlaybackStopped      = errors.New("playback stopped")
	ErrClosed               = errors.New("closed")
)

// EngineStartError reports that the hardware engine refused to start, as
// opposed to a format or conversion problem.
type EngineStartError struct {
	Cause error
}

func (e *EngineStartError) Error() string {
	return fmt.Sprintf("engine start failure: %v", e.Cause)
}

func (e *EngineStartError) Unwrap() error { return e.Cause }

// ConversionError is published when the converter fails during capture.
type ConversionError struct {
	SequenceKey uint64
	Cause       error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting buffer %d: %v", e.SequenceKey, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }
