package application

import (
	"sync"

	"vassist/internal/domain"
)

type EventKind string

const (
	EventStarted    EventKind = "started"
	EventChunkReady EventKind = "chunk_ready"
	EventFailure    EventKind = "failure"
)

type Event struct {
	Kind  EventKind
	Chunk domain.Chunk
	Err   error
}

const defaultEventBuffer = 64

type subscriber struct {
	ch       chan Event
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *subscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// eventBus fans events out to subscribers in publish order. Publishing waits
// while a subscriber's buffer is full, so subscribers must keep draining until
// they unsubscribe.
type eventBus struct {
	pubMu sync.Mutex // serializes publish against channel close

	mu     sync.Mutex
	subs   []*subscriber
	size   int
	closed bool
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{size: size}
}

func (b *eventBus) subscribe() <-chan Event {
	s := &subscriber{ch: make(chan Event, b.size), quit: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs = append(b.subs, s)
	return s.ch
}

func (b *eventBus) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	var found *subscriber
	for i, s := range b.subs {
		if s.ch == ch {
			found = s
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if found == nil {
		return
	}
	found.stop()
	b.pubMu.Lock()
	close(found.ch)
	b.pubMu.Unlock()
}

func (b *eventBus) publish(ev Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.quit:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.pubMu.Lock()
	for _, s := range subs {
		close(s.ch)
	}
	b.pubMu.Unlock()
}
