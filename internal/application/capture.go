package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vassist/internal/domain"
)

type CaptureOptions struct {
	// Target is the format every captured buffer is converted to.
	Target domain.Format
	// ChunkDuration is the target chunk length in seconds.
	ChunkDuration float64
	BufferFrames  int
	// SkipFirstBuffer discards the first tap buffer after each start.
	SkipFirstBuffer bool
	EventBuffer     int
	QueueSize       int
}

// CapturePipeline bridges engine tap callbacks to the aggregator. Tap buffers
// and control commands run on one serial queue, in arrival order.
type CapturePipeline struct {
	engine   Engine
	provider ConverterProvider
	opts     CaptureOptions
	metrics  Metrics
	logger   *slog.Logger

	queue  *serialQueue
	events *eventBus

	// Owned by the queue goroutine.
	converter   Converter
	aggregator  *Aggregator
	inputFormat domain.Format
	skipPending bool
	streaming   bool
	seq         uint64

	// Tap buffers rejected on a full queue since the last start.
	overflows atomic.Uint64

	mu    sync.RWMutex
	state CaptureState
}

func NewCapturePipeline(
	engine Engine,
	provider ConverterProvider,
	opts CaptureOptions,
	metrics Metrics,
	logger *slog.Logger,
) (*CapturePipeline, error) {
	agg, err := NewAggregator(opts.ChunkDuration)
	if err != nil {
		return nil, err
	}
	if !opts.Target.Valid() {
		return nil, fmt.Errorf("invalid capture target format %s", opts.Target)
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &CapturePipeline{
		engine:     engine,
		provider:   provider,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
		queue:      newSerialQueue(opts.QueueSize),
		events:     newEventBus(opts.EventBuffer),
		aggregator: agg,
		state:      StateNotInitialized,
	}, nil
}

func (p *CapturePipeline) State() CaptureState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *CapturePipeline) setState(s CaptureState) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()

	if changed {
		p.logger.Debug("capture state changed", "state", s)
		p.metrics.CaptureStateChanged(s)
	}
}

// Subscribe returns a channel of capture events. It is closed by Unsubscribe
// or Close.
func (p *CapturePipeline) Subscribe() <-chan Event {
	return p.events.subscribe()
}

func (p *CapturePipeline) Unsubscribe(ch <-chan Event) {
	p.events.unsubscribe(ch)
}

// Setup negotiates the input format and builds the converter. It is also the
// only way out of the failed state.
func (p *CapturePipeline) Setup() *Future[struct{}] {
	return submit(p.queue, func() (struct{}, error) {
		return struct{}{}, p.setup()
	})
}

func (p *CapturePipeline) setup() error {
	if p.State() == StateRecording {
		return fmt.Errorf("setup while recording: %w", domain.ErrBusy)
	}

	in := p.engine.InputFormat()
	p.inputFormat = in
	p.converter = nil
	p.aggregator.Clear()

	if in.Channels == 0 {
		// Start reports this; setup only records what was negotiated.
		p.logger.Warn("input device reports no channels", "engine", p.engine.Name())
		p.setState(StateReady)
		return nil
	}

	conv, err := p.provider.NewConverter(in, p.opts.Target)
	if err != nil {
		p.setState(StateNotInitialized)
		return fmt.Errorf("%w: %s to %s: %v", domain.ErrConverterUnavailable, in, p.opts.Target, err)
	}
	p.converter = conv

	p.logger.Info("capture pipeline ready",
		"input", in.String(),
		"target", p.opts.Target.String(),
		"chunk_duration", p.opts.ChunkDuration,
	)
	p.setState(StateReady)
	return nil
}

func (p *CapturePipeline) Start() *Future[struct{}] {
	return submit(p.queue, func() (struct{}, error) {
		return struct{}{}, p.start()
	})
}

func (p *CapturePipeline) start() error {
	if s := p.State(); s != StateReady {
		return fmt.Errorf("start in state %s: %w", s, domain.ErrNotReady)
	}
	if p.inputFormat.Channels == 0 {
		return domain.ErrNoInputChannel
	}

	p.aggregator.Clear()
	p.streaming = false
	p.skipPending = p.opts.SkipFirstBuffer
	p.overflows.Store(0)

	if err := p.engine.InstallTap(p.opts.BufferFrames, p.inputFormat, p.onTap); err != nil {
		return &domain.EngineStartError{Cause: fmt.Errorf("installing tap: %w", err)}
	}
	if err := p.engine.Start(); err != nil {
		if rmErr := p.engine.RemoveTap(); rmErr != nil {
			p.logger.Warn("removing tap after failed start", "error", rmErr)
		}
		return &domain.EngineStartError{Cause: err}
	}

	p.setState(StateRecording)
	p.logger.Info("capture started", "engine", p.engine.Name())
	return nil
}

// Stop flushes the rolling set as a final chunk, removes the tap and returns to
// ready. It succeeds even when teardown partially fails, and is a no-op when not
// recording.
func (p *CapturePipeline) Stop() *Future[struct{}] {
	return submit(p.queue, func() (struct{}, error) {
		p.stop()
		return struct{}{}, nil
	})
}

func (p *CapturePipeline) stop() {
	if p.State() != StateRecording {
		return
	}

	if chunk, ok := p.aggregator.Flush(); ok {
		p.emit(chunk)
	}
	p.teardown()
	p.streaming = false
	p.setState(StateReady)
	if n := p.overflows.Load(); n > 0 {
		p.logger.Warn("tap buffers rejected on a full capture queue", "buffers", n)
	}
	p.logger.Info("capture stopped")
}

// Discard drops the rolling set without emitting it.
func (p *CapturePipeline) Discard() *Future[struct{}] {
	return submit(p.queue, func() (struct{}, error) {
		p.aggregator.Clear()
		return struct{}{}, nil
	})
}

// Pending reports the duration in seconds held in the rolling set.
func (p *CapturePipeline) Pending() *Future[float64] {
	return submit(p.queue, func() (float64, error) {
		return p.aggregator.Duration(), nil
	})
}

// Close stops capture and releases the queue and event subscribers.
func (p *CapturePipeline) Close() error {
	_, _ = p.Stop().Await(context.Background())
	p.queue.close()
	p.events.close()
	return nil
}

// onTap runs on the engine's callback thread. It must never block: a device
// driver joins that thread when the stream stops, and stopping happens on the
// queue. A buffer that does not fit is rejected and counted.
func (p *CapturePipeline) onTap(buf domain.SampleBuffer) bool {
	if buf.CapturedAt.IsZero() {
		buf.CapturedAt = time.Now()
	}
	ok := p.queue.tryDispatch(func() {
		p.process(buf)
	})
	if !ok {
		p.overflows.Add(1)
		p.metrics.TapOverflow()
	}
	return ok
}

func (p *CapturePipeline) process(buf domain.SampleBuffer) {
	if p.State() != StateRecording {
		return
	}
	if p.skipPending {
		p.skipPending = false
		p.logger.Debug("skipping first captured buffer", "frames", buf.FrameCount())
		return
	}
	if buf.Empty() {
		return
	}

	p.seq++
	key := buf.SequenceKey
	if key == 0 {
		key = p.seq
	}

	out := p.converter.Convert(buf)
	p.metrics.BufferCaptured(out.Status)

	switch out.Status {
	case HaveData:
		converted := out.Buffer
		if converted.Empty() {
			return
		}
		converted.SequenceKey = key
		if converted.CapturedAt.IsZero() {
			converted.CapturedAt = buf.CapturedAt
		}
		if !p.streaming {
			p.streaming = true
			p.events.publish(Event{Kind: EventStarted})
		}
		if chunk, ok := p.aggregator.Accept(converted); ok {
			p.emit(chunk)
		}

	case EndOfStream, InputRanDry:
		p.streaming = false

	default:
		p.fail(&domain.ConversionError{SequenceKey: key, Cause: out.Err})
	}
}

// fail emits what was captured before the error, tears the tap down and
// publishes the failure. Only Setup leaves the failed state.
func (p *CapturePipeline) fail(err error) {
	p.logger.Error("capture conversion failed", "error", err)

	if chunk, ok := p.aggregator.Flush(); ok {
		p.emit(chunk)
	}
	p.teardown()
	p.streaming = false
	p.setState(StateFailed)
	p.events.publish(Event{Kind: EventFailure, Err: err})
}

func (p *CapturePipeline) teardown() {
	if err := p.engine.RemoveTap(); err != nil {
		p.logger.Warn("removing tap", "error", err)
	}
	if err := p.engine.Stop(); err != nil {
		p.logger.Warn("stopping engine", "error", err)
	}
}

func (p *CapturePipeline) emit(chunk domain.Chunk) {
	p.metrics.ChunkEmitted(chunk, p.aggregator.Target())
	p.logger.Debug("chunk ready",
		"chunk", chunk.ID,
		"buffers", len(chunk.Buffers),
		"duration", chunk.TotalDuration,
	)
	p.events.publish(Event{Kind: EventChunkReady, Chunk: chunk})
}
