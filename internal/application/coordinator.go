package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"vassist/internal/domain"
)

type CoordinatorOptions struct {
	Capture  CaptureOptions
	Playback PlaybackOptions
}

// Coordinator is the single owner of the shared engine. Configuration, start,
// stop and play requests run one at a time on its queue, so capture and
// playback never reconfigure the engine concurrently.
type Coordinator struct {
	engine   Engine
	capture  *CapturePipeline
	playback *PlaybackSequencer
	logger   *slog.Logger

	queue *serialQueue

	mu         sync.Mutex
	configured bool
	playing    int
	closed     bool
}

func NewCoordinator(
	engine Engine,
	provider ConverterProvider,
	opts CoordinatorOptions,
	metrics Metrics,
	logger *slog.Logger,
) (*Coordinator, error) {
	capture, err := NewCapturePipeline(engine, provider, opts.Capture, metrics, logger.With("component", "capture"))
	if err != nil {
		return nil, fmt.Errorf("creating capture pipeline: %w", err)
	}
	playback := NewPlaybackSequencer(engine, provider, opts.Playback, metrics, logger.With("component", "playback"))

	return &Coordinator{
		engine:   engine,
		capture:  capture,
		playback: playback,
		logger:   logger,
		queue:    newSerialQueue(0),
	}, nil
}

func (c *Coordinator) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

func (c *Coordinator) CaptureState() CaptureState {
	return c.capture.State()
}

func (c *Coordinator) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing > 0
}

func (c *Coordinator) Subscribe() <-chan Event {
	return c.capture.Subscribe()
}

func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.capture.Unsubscribe(ch)
}

// Configure runs the two-step configuration: the engine input session first,
// then the capture and playback nodes against the shared engine. It runs once;
// later calls are no-ops unless capture failed, which requires a full re-setup.
func (c *Coordinator) Configure(ctx context.Context) error {
	_, err := c.ConfigureAsync(ctx).Await(ctx)
	return err
}

func (c *Coordinator) ConfigureAsync(ctx context.Context) *Future[struct{}] {
	return submit(c.queue, func() (struct{}, error) {
		return struct{}{}, c.configure(ctx)
	})
}

func (c *Coordinator) configure(ctx context.Context) error {
	if c.Configured() && c.capture.State() != StateFailed {
		return nil
	}
	c.setConfigured(false)

	c.logger.Info("configuring input session", "engine", c.engine.Name())
	if err := c.engine.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing input session: %w", err)
	}

	for _, node := range []Node{NodeInput, NodePlayer} {
		if err := c.engine.Attach(node); err != nil {
			return fmt.Errorf("attaching %s node: %w", node, err)
		}
	}
	if _, err := c.capture.Setup().Await(ctx); err != nil {
		return fmt.Errorf("setting up capture: %w", err)
	}
	if _, err := c.playback.Setup().Await(ctx); err != nil {
		return fmt.Errorf("setting up playback: %w", err)
	}

	c.setConfigured(true)
	c.logger.Info("session configured")
	return nil
}

func (c *Coordinator) setConfigured(v bool) {
	c.mu.Lock()
	c.configured = v
	c.mu.Unlock()
}

func (c *Coordinator) StartCapture(ctx context.Context) error {
	_, err := c.StartCaptureAsync(ctx).Await(ctx)
	return err
}

func (c *Coordinator) StartCaptureAsync(ctx context.Context) *Future[struct{}] {
	return submit(c.queue, func() (struct{}, error) {
		if !c.Configured() {
			return struct{}{}, domain.ErrNotConfigured
		}
		if c.IsPlaying() {
			return struct{}{}, fmt.Errorf("start capture while playing: %w", domain.ErrBusy)
		}
		return c.capture.Start().Await(ctx)
	})
}

// StopCapture flushes and stops capture. It succeeds when nothing is recording.
func (c *Coordinator) StopCapture(ctx context.Context) error {
	_, err := c.StopCaptureAsync(ctx).Await(ctx)
	return err
}

func (c *Coordinator) StopCaptureAsync(ctx context.Context) *Future[struct{}] {
	return submit(c.queue, func() (struct{}, error) {
		return c.capture.Stop().Await(ctx)
	})
}

// Discard drops audio buffered for the next chunk.
func (c *Coordinator) Discard(ctx context.Context) error {
	_, err := c.capture.Discard().Await(ctx)
	return err
}

// Play blocks until the pass finishes, is stopped or ctx ends.
func (c *Coordinator) Play(ctx context.Context, bufs []domain.SampleBuffer) error {
	_, err := c.PlayAsync(bufs).Await(ctx)
	return err
}

func (c *Coordinator) PlayAsync(bufs []domain.SampleBuffer) *Future[struct{}] {
	result := NewFuture[struct{}]()
	ok := c.queue.dispatch(func() {
		if !c.Configured() {
			result.Resolve(struct{}{}, domain.ErrNotConfigured)
			return
		}
		if c.capture.State() == StateRecording {
			result.Resolve(struct{}{}, fmt.Errorf("play while recording: %w", domain.ErrBusy))
			return
		}

		c.mu.Lock()
		c.playing++
		c.mu.Unlock()

		pass := c.playback.Play(bufs)
		go func() {
			<-pass.Done()
			c.mu.Lock()
			c.playing--
			c.mu.Unlock()
			result.Resolve(pass.Await(context.Background()))
		}()
	})
	if !ok {
		result.Resolve(struct{}{}, domain.ErrClosed)
	}
	return result
}

// StopPlayback halts playback. It always succeeds.
func (c *Coordinator) StopPlayback(ctx context.Context) error {
	_, err := submit(c.queue, func() (struct{}, error) {
		return c.playback.Stop().Await(ctx)
	}).Await(ctx)
	return err
}

// Close stops both pipelines and releases the engine.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.close()
	errs := []error{
		c.capture.Close(),
		c.playback.Close(),
	}
	if err := c.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing engine: %w", err))
	}
	return errors.Join(errs...)
}
