package audio

import "sync"

const defaultBufferFrames = 1024

type scheduledBuffer struct {
	data       []byte
	onComplete func()
}

// playerQueue feeds scheduled buffers, back to back, to a pull-based output.
type playerQueue struct {
	mu     sync.Mutex
	items  []scheduledBuffer
	offset int
}

func (q *playerQueue) push(data []byte, onComplete func()) {
	q.mu.Lock()
	q.items = append(q.items, scheduledBuffer{data: data, onComplete: onComplete})
	q.mu.Unlock()
}

// reset drops everything still queued. Dropped completions never fire.
func (q *playerQueue) reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.offset = 0
	return n
}

func (q *playerQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// fill copies queued audio into out and zeroes the remainder. It returns the
// number of bytes of real audio and the completions of every buffer that was
// fully consumed; callers run those outside the device callback's hot path.
func (q *playerQueue) fill(out []byte) (int, []func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var done []func()
	n := 0
	for n < len(out) && len(q.items) > 0 {
		head := q.items[0]
		c := copy(out[n:], head.data[q.offset:])
		n += c
		q.offset += c
		if q.offset >= len(head.data) {
			if head.onComplete != nil {
				done = append(done, head.onComplete)
			}
			q.items[0] = scheduledBuffer{}
			q.items = q.items[1:]
			q.offset = 0
		}
	}
	clear(out[n:])
	return n, done
}
