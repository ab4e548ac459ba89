package domain

// Chunk is a flushed group of consecutive buffers, in arrival order.
type Chunk struct {
	ID            string
	Buffers       []SampleBuffer
	TotalDuration float64
}

// Recompute sums the buffer durations in order.
func (c Chunk) Recompute() float64 {
	var total float64
	for _, b := range c.Buffers {
		total += b.Duration()
	}
	return total
}

func (c Chunk) FrameCount() int {
	n := 0
	for _, b := range c.Buffers {
		n += b.FrameCount()
	}
	return n
}
