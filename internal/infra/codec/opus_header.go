package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"vassist/internal/domain"
)

const (
	opusMagic     = "VAOP"
	opusFrameMs   = 20
	opusMaxPacket = 4000
)

type opusHeader struct {
	SampleRate uint32
	Channels   uint16
	Frames     uint32
}

// opusFrameSize is samples per channel in one 20 ms frame.
func opusFrameSize(rate int) int {
	return rate * opusFrameMs / 1000
}

func checkOpusFormat(f domain.Format) error {
	switch int(f.SampleRate) {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus does not support %v Hz", f.SampleRate)
	}
	if f.SampleRate != float64(int(f.SampleRate)) {
		return fmt.Errorf("opus does not support %v Hz", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("opus does not support %d channels", f.Channels)
	}
	return nil
}

func readOpusHeader(data []byte) (opusHeader, []byte, error) {
	var hdr opusHeader
	const size = len(opusMagic) + 4 + 2 + 4
	if len(data) < size || string(data[:len(opusMagic)]) != opusMagic {
		return hdr, nil, fmt.Errorf("not a chunk opus stream")
	}
	if err := binary.Read(bytes.NewReader(data[len(opusMagic):size]), binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("reading opus header: %w", err)
	}
	if hdr.Channels == 0 || checkOpusFormat(domain.Format{
		SampleRate: float64(hdr.SampleRate),
		Channels:   uint(hdr.Channels),
		Encoding:   domain.EncodingInt16,
	}) != nil {
		return hdr, nil, fmt.Errorf("unsupported opus stream: %d Hz, %d channels", hdr.SampleRate, hdr.Channels)
	}
	return hdr, data[size:], nil
}
