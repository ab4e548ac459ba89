package application

import (
	"context"

	"vassist/internal/domain"
)

type Node string

const (
	NodeInput  Node = "input"
	NodePlayer Node = "player"
)

// TapFunc receives raw input buffers. It runs on a goroutine owned by the engine
// and never blocks; it reports false when the buffer was rejected because the
// consumer is behind. Device engines drop rejected buffers, sources that are
// not paced by a clock may offer them again.
type TapFunc func(buf domain.SampleBuffer) bool

// Engine is the shared hardware capture/playback engine.
type Engine interface {
	Name() string
	// Prepare configures the input session (permissions, device selection).
	Prepare(ctx context.Context) error
	Attach(node Node) error
	InputFormat() domain.Format
	OutputFormat() domain.Format
	InstallTap(bufferFrames int, format domain.Format, tap TapFunc) error
	RemoveTap() error
	Start() error
	Stop() error
	// Schedule queues buf after everything already scheduled; onComplete fires
	// once the hardware has finished playing it.
	Schedule(buf domain.SampleBuffer, onComplete func()) error
	// ResetPlayer discards scheduled buffers without firing their completions.
	ResetPlayer() error
	Close() error
}

type ConversionStatus int

const (
	HaveData ConversionStatus = iota
	EndOfStream
	InputRanDry
	ConversionFailed
)

func (s ConversionStatus) String() string {
	switch s {
	case HaveData:
		return "have_data"
	case EndOfStream:
		return "end_of_stream"
	case InputRanDry:
		return "input_ran_dry"
	case ConversionFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the result of one conversion call. Buffer is set only for
// HaveData and Err only for ConversionFailed.
type Outcome struct {
	Status ConversionStatus
	Buffer domain.SampleBuffer
	Err    error
}

func Converted(buf domain.SampleBuffer) Outcome {
	return Outcome{Status: HaveData, Buffer: buf}
}

func Failed(err error) Outcome {
	return Outcome{Status: ConversionFailed, Err: err}
}

type Converter interface {
	Convert(buf domain.SampleBuffer) Outcome
}

type ConverterProvider interface {
	NewConverter(from, to domain.Format) (Converter, error)
}

type Codec interface {
	Name() string
	Extension() string
	Encode(bufs []domain.SampleBuffer) ([]byte, error)
	Decode(data []byte) ([]domain.SampleBuffer, error)
}
