package application

import (
	"sync"

	"vassist/internal/domain"
)

const defaultQueueSize = 256

// serialQueue runs submitted operations one at a time, in submission order,
// on a single goroutine. Tap callbacks and control commands share it so a stop
// always lands behind the buffers that arrived before it.
type serialQueue struct {
	mu     sync.Mutex
	closed bool
	ops    chan func()
	done   chan struct{}
	exited chan struct{}
}

func newSerialQueue(size int) *serialQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &serialQueue{
		ops:    make(chan func(), size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer close(q.exited)
	for {
		select {
		case op := <-q.ops:
			op()
		case <-q.done:
			for {
				select {
				case op := <-q.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

// dispatch enqueues op. It blocks while the queue is full and reports false
// once the queue is closed. Must not be called from inside an op.
func (q *serialQueue) dispatch(op func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ops <- op
	return true
}

// tryDispatch enqueues op only if there is room. It never blocks, so it is
// safe to call from realtime device callbacks.
func (q *serialQueue) tryDispatch(op func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ops <- op:
		return true
	default:
		return false
	}
}

// close stops accepting work and waits for queued operations to finish.
func (q *serialQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	<-q.exited
}

// submit runs fn on q and returns its result as a future.
func submit[T any](q *serialQueue, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	ok := q.dispatch(func() {
		f.Resolve(fn())
	})
	if !ok {
		var zero T
		f.Resolve(zero, domain.ErrClosed)
	}
	return f
}
