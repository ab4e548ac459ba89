package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var (
	ErrNotPrepared  = errors.New("engine not prepared")
	ErrNotAttached  = errors.New("node not attached")
	ErrTapInstalled = errors.New("tap already installed")
)

// tapSlot holds the installed input tap. Engines call deliver from their
// capture goroutine or device callback.
type tapSlot struct {
	mu     sync.Mutex
	tap    application.TapFunc
	format domain.Format
	frames int
}

func (t *tapSlot) install(frames int, format domain.Format, tap application.TapFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tap != nil {
		return ErrTapInstalled
	}
	if !format.Valid() {
		return fmt.Errorf("invalid tap format %s", format)
	}
	if frames <= 0 {
		frames = defaultBufferFrames
	}
	t.tap, t.format, t.frames = tap, format, frames
	return nil
}

func (t *tapSlot) remove() {
	t.mu.Lock()
	t.tap = nil
	t.mu.Unlock()
}

func (t *tapSlot) installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tap != nil
}

func (t *tapSlot) bufferFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// deliver hands a copy of data to the tap. Device buffers are reused by the
// driver, so the tap never sees the original slice. It reports false only when
// an installed tap rejected the buffer.
func (t *tapSlot) deliver(data []byte) bool {
	t.mu.Lock()
	tap, format := t.tap, t.format
	t.mu.Unlock()
	if tap == nil || len(data) == 0 {
		return true
	}
	return tap(domain.SampleBuffer{
		Format:     format,
		Data:       append([]byte(nil), data...),
		CapturedAt: time.Now(),
	})
}
