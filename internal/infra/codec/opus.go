//go:build cgo && !noopus

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Codec = (*Opus)(nil)

const OpusAvailable = true

// Opus stores a chunk as a sequence of 20 ms Opus packets. The stream starts
// with the magic, sample rate, channel count and frame count so the decoder
// can trim the padding of the final packet:
//
//	"VAOP" | rate u32 | channels u16 | frames u32 | { size u16 | packet }...
type Opus struct {
	// Bitrate in bits per second; zero keeps the encoder default.
	Bitrate int
}

func (Opus) Name() string      { return "opus" }
func (Opus) Extension() string { return ".opus" }

func (c Opus) Encode(bufs []domain.SampleBuffer) ([]byte, error) {
	format, _, err := joinBuffers(bufs)
	if err != nil {
		return nil, err
	}
	if err := checkOpusFormat(format); err != nil {
		return nil, err
	}

	var pcm []int16
	for _, b := range bufs {
		pcm = append(pcm, b.Int16s()...)
	}

	rate := int(format.SampleRate)
	channels := int(format.Channels)
	enc, err := gopus.NewEncoder(rate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	if c.Bitrate > 0 {
		enc.SetBitrate(c.Bitrate)
	}

	frameSize := opusFrameSize(rate)
	step := frameSize * channels
	frames := len(pcm) / channels

	var buf bytes.Buffer
	buf.WriteString(opusMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(frames))

	for off := 0; off < len(pcm); off += step {
		frame := pcm[off:min(off+step, len(pcm))]
		if len(frame) < step {
			padded := make([]int16, step)
			copy(padded, frame)
			frame = padded
		}
		packet, err := enc.Encode(frame, frameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("opus encode at sample %d: %w", off, err)
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(packet)))
		buf.Write(packet)
	}
	return buf.Bytes(), nil
}

func (Opus) Decode(data []byte) ([]domain.SampleBuffer, error) {
	hdr, packets, err := readOpusHeader(data)
	if err != nil {
		return nil, err
	}

	rate := int(hdr.SampleRate)
	channels := int(hdr.Channels)
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}

	frameSize := opusFrameSize(rate)
	pcm := make([]int16, 0, int(hdr.Frames)*channels)
	for len(packets) > 0 {
		if len(packets) < 2 {
			return nil, fmt.Errorf("truncated opus packet header")
		}
		size := int(binary.LittleEndian.Uint16(packets))
		packets = packets[2:]
		if size > len(packets) {
			return nil, fmt.Errorf("truncated opus packet: want %d bytes, have %d", size, len(packets))
		}
		out, err := dec.Decode(packets[:size], frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		pcm = append(pcm, out...)
		packets = packets[size:]
	}

	if want := int(hdr.Frames) * channels; len(pcm) > want {
		pcm = pcm[:want]
	}
	format := domain.Format{
		SampleRate: float64(rate),
		Channels:   uint(channels),
		Encoding:   domain.EncodingInt16,
	}
	return []domain.SampleBuffer{{Format: format, Data: domain.Int16Bytes(pcm), SequenceKey: 1}}, nil
}
