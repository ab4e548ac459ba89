package domain

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"
)

type SampleEncoding string

const (
	EncodingInt16   SampleEncoding = "int16"
	EncodingFloat32 SampleEncoding = "float32"
)

// BytesPerSample returns the width of a single sample, or 0 for an unknown encoding.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingInt16:
		return 2
	case EncodingFloat32:
		return 4
	default:
		return 0
	}
}

type Format struct {
	SampleRate float64
	Channels   uint
	Encoding   SampleEncoding
}

func (f Format) BytesPerFrame() int {
	return f.Encoding.BytesPerSample() * int(f.Channels)
}

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Encoding.BytesPerSample() > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%gHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// SampleBuffer is a block of interleaved little-endian frames in a single format.
type SampleBuffer struct {
	Format      Format
	Data        []byte
	SequenceKey uint64
	CapturedAt  time.Time
}

func (b SampleBuffer) FrameCount() int {
	bpf := b.Format.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return len(b.Data) / bpf
}

// Duration is the buffer length in seconds.
func (b SampleBuffer) Duration() float64 {
	if b.Format.SampleRate <= 0 {
		return 0
	}
	return float64(b.FrameCount()) / b.Format.SampleRate
}

func (b SampleBuffer) Empty() bool {
	return b.FrameCount() == 0
}

// Int16s decodes the samples of an int16 buffer. Float buffers are clamped and scaled.
func (b SampleBuffer) Int16s() []int16 {
	switch b.Format.Encoding {
	case EncodingInt16:
		out := make([]int16, len(b.Data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b.Data[i*2:]))
		}
		return out
	case EncodingFloat32:
		floats := b.Float32s()
		out := make([]int16, len(floats))
		for i, f := range floats {
			out[i] = FloatToInt16(f)
		}
		return out
	default:
		return nil
	}
}

// Float32s decodes the samples as normalized floats in [-1, 1].
func (b SampleBuffer) Float32s() []float32 {
	switch b.Format.Encoding {
	case EncodingFloat32:
		out := make([]float32, len(b.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:]))
		}
		return out
	case EncodingInt16:
		out := make([]float32, len(b.Data)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(b.Data[i*2:]))) / 32768
		}
		return out
	default:
		return nil
	}
}

func Int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func Float32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func FloatToInt16(f float32) int16 {
	v := f * 32768
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// SortBySequence orders buffers by ascending sequence key, keeping arrival
// order among equal keys.
func SortBySequence(bufs []SampleBuffer) {
	slices.SortStableFunc(bufs, func(a, b SampleBuffer) int {
		switch {
		case a.SequenceKey < b.SequenceKey:
			return -1
		case a.SequenceKey > b.SequenceKey:
			return 1
		default:
			return 0
		}
	})
}

func IsSortedBySequence(bufs []SampleBuffer) bool {
	for i := 1; i < len(bufs); i++ {
		if bufs[i].SequenceKey < bufs[i-1].SequenceKey {
			return false
		}
	}
	return true
}
