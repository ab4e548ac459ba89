package application

import "vassist/internal/domain"

type CaptureState string

const (
	StateNotInitialized CaptureState = "not_initialized"
	StateReady          CaptureState = "ready"
	StateRecording      CaptureState = "recording"
	StateFailed         CaptureState = "failed"
)

// Metrics receives pipeline observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	BufferCaptured(status ConversionStatus)
	// TapOverflow counts tap buffers rejected because the capture queue was full.
	TapOverflow()
	ChunkEmitted(chunk domain.Chunk, target float64)
	CaptureStateChanged(state CaptureState)
	PlaybackScheduled(scheduled, dropped int)
	PlaybackFinished(err error)
}

type NoopMetrics struct{}

func (NoopMetrics) BufferCaptured(ConversionStatus)    {}
func (NoopMetrics) TapOverflow()                       {}
func (NoopMetrics) ChunkEmitted(domain.Chunk, float64) {}
func (NoopMetrics) CaptureStateChanged(CaptureState)   {}
func (NoopMetrics) PlaybackScheduled(int, int)         {}
func (NoopMetrics) PlaybackFinished(error)             {}
