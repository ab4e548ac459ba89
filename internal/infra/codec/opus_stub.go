//go:build !cgo || noopus

package codec

import (
	"errors"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Codec = (*Opus)(nil)

const OpusAvailable = false

var errOpusUnavailable = errors.New("opus support not compiled in (needs cgo, build without the noopus tag)")

// Opus is unavailable in this build.
type Opus struct {
	Bitrate int
}

func (Opus) Name() string      { return "opus" }
func (Opus) Extension() string { return ".opus" }

func (Opus) Encode([]domain.SampleBuffer) ([]byte, error) {
	return nil, errOpusUnavailable
}

func (Opus) Decode([]byte) ([]domain.SampleBuffer, error) {
	return nil, errOpusUnavailable
}
