package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"vassist/internal/domain"
)

// Recorder consumes capture events: every chunk goes to the sink and its
// buffers are kept for replay.
type Recorder struct {
	coord  *Coordinator
	sink   ChunkSink
	logger *slog.Logger

	mu       sync.Mutex
	recorded []domain.SampleBuffer
	chunks   []string
	failures int
	started  chan struct{}
}

func NewRecorder(coord *Coordinator, sink ChunkSink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = &NoopSink{}
	}
	return &Recorder{
		coord:   coord,
		sink:    sink,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Run consumes events until ctx ends or the coordinator closes. Events already
// buffered when ctx ends are still handled before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	events := r.coord.Subscribe()
	defer r.coord.Unsubscribe(events)

	r.logger.Info("recorder listening for capture events")
	close(r.started)

	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx), events)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, ev); err != nil {
				r.logger.Error("handling capture event", "event", ev.Kind, "error", err)
			}
		}
	}
}

func (r *Recorder) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.handle(ctx, ev); err != nil {
				r.logger.Error("handling capture event", "event", ev.Kind, "error", err)
			}
		default:
			return
		}
	}
}

// Ready is closed once Run has subscribed.
func (r *Recorder) Ready() <-chan struct{} {
	return r.started
}

func (r *Recorder) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventStarted:
		r.logger.Info("audio streaming")
		return nil

	case EventChunkReady:
		r.mu.Lock()
		r.recorded = append(r.recorded, ev.Chunk.Buffers...)
		r.chunks = append(r.chunks, ev.Chunk.ID)
		r.mu.Unlock()

		r.logger.Info("chunk ready",
			"chunk", ev.Chunk.ID,
			"buffers", len(ev.Chunk.Buffers),
			"duration", ev.Chunk.TotalDuration,
		)
		if err := r.sink.Consume(ctx, ev.Chunk); err != nil {
			return fmt.Errorf("consuming chunk %s: %w", ev.Chunk.ID, err)
		}
		return nil

	case EventFailure:
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.logger.Error("capture failed, re-configure to recover", "error", ev.Err)
		return nil

	default:
		return fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
}

// Recorded returns a copy of every buffer captured so far.
func (r *Recorder) Recorded() []domain.SampleBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recorded)
}

func (r *Recorder) Chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.chunks)
}

func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Discard forgets the recorded buffers and the capture rolling set.
func (r *Recorder) Discard(ctx context.Context) error {
	r.mu.Lock()
	r.recorded = nil
	r.chunks = nil
	r.mu.Unlock()
	return r.coord.Discard(ctx)
}

// Replay plays back everything recorded so far.
func (r *Recorder) Replay(ctx context.Context) error {
	bufs := r.Recorded()
	r.logger.Info("replaying recording", "buffers", len(bufs))
	return r.coord.Play(ctx, bufs)
}
