package codec

import (
	"fmt"

	"vassist/internal/application"
)

// ByName returns the codec configured as storage.codec.
func ByName(name string, opusBitrate int) (application.Codec, error) {
	switch name {
	case "", "wav":
		return WAV{}, nil
	case MuLaw, ALaw:
		return G711{Law: name}, nil
	case "opus":
		if !OpusAvailable {
			return nil, fmt.Errorf("codec %q requires a cgo build without the noopus tag", name)
		}
		return Opus{Bitrate: opusBitrate}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
