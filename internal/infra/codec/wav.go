// Package codec holds the container codecs applied to completed chunks.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"vassist/internal/application"
	"vassist/internal/domain"
)

// WAVE format tags.
const (
	formatPCM   uint16 = 1
	formatFloat uint16 = 3
	formatALaw  uint16 = 6
	formatMuLaw uint16 = 7
)

var (
	ErrEmpty       = errors.New("nothing to encode")
	ErrMixedFormat = errors.New("buffers have different formats")
	ErrNotWAV      = errors.New("not a RIFF/WAVE stream")
)

var _ application.Codec = (*WAV)(nil)

// WAV stores buffers as a single PCM (int16) or IEEE float WAVE file.
type WAV struct{}

func (WAV) Name() string      { return "wav" }
func (WAV) Extension() string { return ".wav" }

func (WAV) Encode(bufs []domain.SampleBuffer) ([]byte, error) {
	format, data, err := joinBuffers(bufs)
	if err != nil {
		return nil, err
	}

	tag := formatPCM
	if format.Encoding == domain.EncodingFloat32 {
		tag = formatFloat
	}
	var buf bytes.Buffer
	if err := writeWAV(&buf, waveHeader{
		FormatTag:     tag,
		Channels:      uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		BitsPerSample: uint16(format.Encoding.BytesPerSample() * 8),
	}, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (WAV) Decode(data []byte) ([]domain.SampleBuffer, error) {
	hdr, payload, err := readWAV(data)
	if err != nil {
		return nil, err
	}

	format := domain.Format{
		SampleRate: float64(hdr.SampleRate),
		Channels:   uint(hdr.Channels),
	}
	switch {
	case hdr.FormatTag == formatPCM && hdr.BitsPerSample == 16:
		format.Encoding = domain.EncodingInt16
	case hdr.FormatTag == formatFloat && hdr.BitsPerSample == 32:
		format.Encoding = domain.EncodingFloat32
	default:
		return nil, fmt.Errorf("unsupported wav encoding: tag %d, %d bits", hdr.FormatTag, hdr.BitsPerSample)
	}
	return []domain.SampleBuffer{{Format: format, Data: payload, SequenceKey: 1}}, nil
}

// joinBuffers concatenates buffers that share one format.
func joinBuffers(bufs []domain.SampleBuffer) (domain.Format, []byte, error) {
	if len(bufs) == 0 {
		return domain.Format{}, nil, ErrEmpty
	}
	format := bufs[0].Format
	size := 0
	for _, b := range bufs {
		if b.Format != format {
			return domain.Format{}, nil, fmt.Errorf("%w: %s and %s", ErrMixedFormat, format, b.Format)
		}
		size += len(b.Data)
	}
	data := make([]byte, 0, size)
	for _, b := range bufs {
		data = append(data, b.Data...)
	}
	return format, data, nil
}

type waveHeader struct {
	FormatTag     uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

func writeWAV(w io.Writer, hdr waveHeader, data []byte) error {
	hdr.BlockAlign = hdr.Channels * hdr.BitsPerSample / 8
	hdr.ByteRate = hdr.SampleRate * uint32(hdr.BlockAlign)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing wav: %w", err)
	}
	return nil
}

func readWAV(data []byte) (waveHeader, []byte, error) {
	var hdr waveHeader
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return hdr, nil, ErrNotWAV
	}

	var (
		haveFmt bool
		payload []byte
	)
	rest := data[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		if size > len(rest) {
			size = len(rest)
		}
		body := rest[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return hdr, nil, fmt.Errorf("short fmt chunk: %d bytes", size)
			}
			if err := binary.Read(bytes.NewReader(body[:16]), binary.LittleEndian, &hdr); err != nil {
				return hdr, nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			haveFmt = true
		case "data":
			payload = body
		}

		// Chunks are padded to an even size.
		if size%2 == 1 && size < len(rest) {
			size++
		}
		rest = rest[size:]
	}

	if !haveFmt || payload == nil {
		return hdr, nil, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}
	if hdr.Channels == 0 || hdr.SampleRate == 0 {
		return hdr, nil, fmt.Errorf("%w: zero channels or sample rate", ErrNotWAV)
	}
	return hdr, payload, nil
}
