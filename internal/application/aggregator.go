package application

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"vassist/internal/domain"
)

// Aggregator groups converted buffers into chunks whose duration is as close
// to the target as a greedy, no-lookahead decision allows.
//
// It is not safe for concurrent use; the capture pipeline only touches it from
// its serial queue.
type Aggregator struct {
	target  float64
	rolling []domain.SampleBuffer
	total   float64
}

// NewAggregator returns an aggregator flushing around target seconds.
func NewAggregator(target float64) (*Aggregator, error) {
	if !(target > 0) || math.IsInf(target, 0) {
		return nil, fmt.Errorf("invalid target chunk duration %v", target)
	}
	return &Aggregator{target: target}, nil
}

// Target is the chunk duration the aggregator aims for, in seconds.
func (a *Aggregator) Target() float64 { return a.target }

// Duration is the total duration of the rolling set in seconds.
func (a *Aggregator) Duration() float64 { return a.total }

// Len is the number of buffers in the rolling set.
func (a *Aggregator) Len() int { return len(a.rolling) }

// Accept adds buf and reports a completed chunk when the rolling set reaches
// the target. When the target is crossed the chunk ends either before or after
// buf, whichever lands closer to the target; a tie includes buf. Empty buffers
// are ignored.
//
// A buffer that reaches the target on its own is emitted alone at once. With
// an empty rolling set, one more than twice the target would otherwise pick
// the "before buf" branch and flush nothing, holding buf until the next
// arrival; the chunk is the same either way, so it is not delayed, and no
// empty chunk is ever emitted.
func (a *Aggregator) Accept(buf domain.SampleBuffer) (domain.Chunk, bool) {
	if buf.Empty() {
		return domain.Chunk{}, false
	}

	current := a.total
	incoming := buf.Duration()
	if current+incoming < a.target {
		a.append(buf)
		return domain.Chunk{}, false
	}

	errWithout := math.Abs(a.target - current)
	errWith := math.Abs(a.target - (current + incoming))
	if errWith > errWithout && len(a.rolling) > 0 {
		chunk := a.take()
		a.append(buf)
		return chunk, true
	}

	a.append(buf)
	return a.take(), true
}

// Flush emits whatever is in the rolling set, regardless of duration.
func (a *Aggregator) Flush() (domain.Chunk, bool) {
	if len(a.rolling) == 0 {
		return domain.Chunk{}, false
	}
	return a.take(), true
}

// Clear drops the rolling set without emitting it.
func (a *Aggregator) Clear() {
	a.rolling = nil
	a.total = 0
}

func (a *Aggregator) append(buf domain.SampleBuffer) {
	a.rolling = append(a.rolling, buf)
	a.total += buf.Duration()
}

func (a *Aggregator) take() domain.Chunk {
	chunk := domain.Chunk{
		ID:            uuid.NewString(),
		Buffers:       a.rolling,
		TotalDuration: a.total,
	}
	a.rolling = nil
	a.total = 0
	return chunk
}
