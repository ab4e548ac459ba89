// Package convert implements the pipeline's format converter: sample encoding,
// channel layout and sample rate conversion for interleaved PCM.
package convert

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.ConverterProvider = (*Provider)(nil)

var (
	ErrUnsupportedChannels = errors.New("unsupported channel conversion")
	ErrFormatMismatch      = errors.New("buffer format does not match converter input")
	ErrMisaligned          = errors.New("buffer data is not a whole number of frames")
)

// Provider builds linear-interpolation converters.
type Provider struct {
	Logger *slog.Logger
}

func (p *Provider) NewConverter(from, to domain.Format) (application.Converter, error) {
	if !from.Valid() {
		return nil, fmt.Errorf("invalid source format %s", from)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("invalid target format %s", to)
	}
	if from.Channels != to.Channels && from.Channels != 1 && to.Channels != 1 {
		return nil, fmt.Errorf("%w: %d to %d channels", ErrUnsupportedChannels, from.Channels, to.Channels)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Linear{From: from, To: to, logger: logger}, nil
}

// Linear converts one buffer at a time; no state carries across buffers.
// Create one per stream.
type Linear struct {
	From domain.Format
	To   domain.Format

	logger     *slog.Logger
	warnedOnce sync.Once
}

func (c *Linear) Convert(buf domain.SampleBuffer) application.Outcome {
	if buf.Format != c.From {
		return application.Failed(fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, buf.Format, c.From))
	}
	if len(buf.Data) == 0 {
		return application.Outcome{Status: application.InputRanDry}
	}
	if len(buf.Data)%c.From.BytesPerFrame() != 0 {
		return application.Failed(fmt.Errorf("%w: %d bytes", ErrMisaligned, len(buf.Data)))
	}

	// Fast path: nothing to do.
	if c.From == c.To {
		return application.Converted(buf)
	}

	if c.From.SampleRate != c.To.SampleRate || c.From.Channels != c.To.Channels {
		c.warnedOnce.Do(func() {
			c.logger.Debug("converting audio format", "from", c.From.String(), "to", c.To.String())
		})
	}

	samples := buf.Float32s()
	channels := int(c.From.Channels)

	// Resample before widening to more channels, after narrowing to fewer.
	if c.To.Channels < c.From.Channels {
		samples = Downmix(samples, channels)
		channels = 1
	}
	if c.From.SampleRate != c.To.SampleRate {
		samples = Resample(samples, channels, c.From.SampleRate, c.To.SampleRate)
	}
	if int(c.To.Channels) > channels {
		samples = Upmix(samples, int(c.To.Channels))
		channels = int(c.To.Channels)
	}

	if len(samples) == 0 {
		return application.Outcome{Status: application.InputRanDry}
	}

	out := domain.SampleBuffer{
		Format:      c.To,
		SequenceKey: buf.SequenceKey,
		CapturedAt:  buf.CapturedAt,
	}
	switch c.To.Encoding {
	case domain.EncodingInt16:
		pcm := make([]int16, len(samples))
		for i, s := range samples {
			pcm[i] = domain.FloatToInt16(s)
		}
		out.Data = domain.Int16Bytes(pcm)
	default:
		out.Data = domain.Float32Bytes(samples)
	}
	return application.Converted(out)
}

// Downmix averages interleaved frames of n channels into mono.
func Downmix(samples []float32, n int) []float32 {
	if n <= 1 {
		return samples
	}
	frames := len(samples) / n
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range n {
			sum += samples[i*n+ch]
		}
		out[i] = sum / float32(n)
	}
	return out
}

// Upmix copies each mono sample into n channels.
func Upmix(mono []float32, n int) []float32 {
	if n <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*n)
	for i, s := range mono {
		for ch := range n {
			out[i*n+ch] = s
		}
	}
	return out
}

// Resample converts interleaved frames from srcRate to dstRate using linear
// interpolation.
func Resample(samples []float32, channels int, srcRate, dstRate float64) []float32 {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(float64(srcFrames) * dstRate / srcRate)
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := srcRate / dstRate
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			s0 := samples[idx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}
