package codec

import (
	"bytes"
	"fmt"

	"github.com/zaf/g711"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Codec = (*G711)(nil)

// G711 companding laws.
const (
	MuLaw = "mulaw"
	ALaw  = "alaw"
)

// G711 stores buffers as 8-bit companded samples inside a WAVE container.
// Float input is quantized to int16 first.
type G711 struct {
	Law string
}

func (c G711) Name() string      { return c.Law }
func (c G711) Extension() string { return ".wav" }

func (c G711) Encode(bufs []domain.SampleBuffer) ([]byte, error) {
	format, _, err := joinBuffers(bufs)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	for _, b := range bufs {
		pcm = append(pcm, domain.Int16Bytes(b.Int16s())...)
	}

	var (
		tag     uint16
		encoded []byte
	)
	switch c.Law {
	case MuLaw:
		tag, encoded = formatMuLaw, g711.EncodeUlaw(pcm)
	case ALaw:
		tag, encoded = formatALaw, g711.EncodeAlaw(pcm)
	default:
		return nil, fmt.Errorf("unknown g711 law %q", c.Law)
	}

	var buf bytes.Buffer
	if err := writeWAV(&buf, waveHeader{
		FormatTag:     tag,
		Channels:      uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		BitsPerSample: 8,
	}, encoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c G711) Decode(data []byte) ([]domain.SampleBuffer, error) {
	hdr, payload, err := readWAV(data)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	switch hdr.FormatTag {
	case formatMuLaw:
		pcm = g711.DecodeUlaw(payload)
	case formatALaw:
		pcm = g711.DecodeAlaw(payload)
	default:
		return nil, fmt.Errorf("not a g711 wav: format tag %d", hdr.FormatTag)
	}

	format := domain.Format{
		SampleRate: float64(hdr.SampleRate),
		Channels:   uint(hdr.Channels),
		Encoding:   domain.EncodingInt16,
	}
	return []domain.SampleBuffer{{Format: format, Data: pcm, SequenceKey: 1}}, nil
}
