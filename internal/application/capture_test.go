package application_test

import (
	"errors"
	"testing"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
)

func newCapture(t *testing.T, engine *mockEngine, provider *mockProvider, opts application.CaptureOptions) (*application.CapturePipeline, <-chan application.Event) {
	t.Helper()
	if opts.Target == (domain.Format{}) {
		opts.Target = pcm10
	}
	if opts.ChunkDuration == 0 {
		opts.ChunkDuration = 1.0
	}
	p, err := application.NewCapturePipeline(engine, provider, opts, nil, discardLogger())
	if err != nil {
		t.Fatalf("creating pipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, p.Subscribe()
}

func setupAndStart(t *testing.T, p *application.CapturePipeline) {
	t.Helper()
	if _, err := await(t, p.Setup()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := await(t, p.Start()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCapture_ChunksAndFlushOnStop(t *testing.T) {
	engine := newMockEngine(pcm10)
	p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})
	setupAndStart(t, p)

	if p.State() != application.StateRecording {
		t.Fatalf("state: got %s, want recording", p.State())
	}

	for _, n := range []int{4, 4, 5, 3} {
		engine.emit(frames(pcm10, n, 0))
	}

	if ev := nextEvent(t, events); ev.Kind != application.EventStarted {
		t.Fatalf("first event: got %s, want started", ev.Kind)
	}
	ev := nextEvent(t, events)
	if ev.Kind != application.EventChunkReady || len(ev.Chunk.Buffers) != 2 {
		t.Fatalf("second event: got %s with %d buffers, want chunk_ready with 2", ev.Kind, len(ev.Chunk.Buffers))
	}

	if _, err := await(t, p.Stop()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ev = nextEvent(t, events)
	if ev.Kind != application.EventChunkReady || len(ev.Chunk.Buffers) != 2 {
		t.Fatalf("flush event: got %s with %d buffers, want chunk_ready with 2", ev.Kind, len(ev.Chunk.Buffers))
	}
	if d := ev.Chunk.TotalDuration; d < 0.79 || d > 0.81 {
		t.Errorf("flushed duration: got %.3f, want 0.8", d)
	}

	if p.State() != application.StateReady {
		t.Errorf("state after stop: got %s, want ready", p.State())
	}
	if engine.tapInstalled() {
		t.Error("tap still installed after stop")
	}
}

func TestCapture_SequenceKeysFollowArrival(t *testing.T) {
	engine := newMockEngine(pcm10)
	p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{ChunkDuration: 100})
	setupAndStart(t, p)

	for range 5 {
		engine.emit(frames(pcm10, 1, 0))
	}
	await(t, p.Stop())

	nextEvent(t, events) // started
	ev := nextEvent(t, events)
	for i, b := range ev.Chunk.Buffers {
		if b.SequenceKey != uint64(i+1) {
			t.Errorf("buffer %d: sequence key %d, want %d", i, b.SequenceKey, i+1)
		}
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	engine := newMockEngine(pcm10)
	p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})

	// Stop before anything was set up.
	if _, err := await(t, p.Stop()); err != nil {
		t.Fatalf("stop before setup: %v", err)
	}

	setupAndStart(t, p)
	engine.emit(frames(pcm10, 2, 0))
	await(t, p.Stop())
	nextEvent(t, events) // started
	nextEvent(t, events) // flush

	if _, err := await(t, p.Stop()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	noEvent(t, events)
	if p.State() != application.StateReady {
		t.Errorf("state: got %s, want ready", p.State())
	}
}

func TestCapture_StopSucceedsWhenTeardownFails(t *testing.T) {
	engine := newMockEngine(pcm10)
	engine.removeErr = errBoom
	engine.stopErr = errBoom
	p, _ := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})
	setupAndStart(t, p)

	if _, err := await(t, p.Stop()); err != nil {
		t.Fatalf("stop: got %v, want nil", err)
	}
	if p.State() != application.StateReady {
		t.Errorf("state: got %s, want ready", p.State())
	}
}

func TestCapture_SkipFirstBuffer(t *testing.T) {
	tests := []struct {
		name       string
		skip       bool
		wantFrames int
	}{
		{"disabled", false, 6},
		{"enabled", true, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine(pcm10)
			p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{
				ChunkDuration:   100,
				SkipFirstBuffer: tt.skip,
			})
			setupAndStart(t, p)

			engine.emit(frames(pcm10, 2, 0))
			engine.emit(frames(pcm10, 4, 0))
			await(t, p.Stop())

			nextEvent(t, events) // started
			ev := nextEvent(t, events)
			if got := ev.Chunk.FrameCount(); got != tt.wantFrames {
				t.Errorf("frames: got %d, want %d", got, tt.wantFrames)
			}
		})
	}
}

func TestCapture_TransientStatesClearStreaming(t *testing.T) {
	engine := newMockEngine(pcm10)
	provider := &mockProvider{}
	p, events := newCapture(t, engine, provider, application.CaptureOptions{ChunkDuration: 100})
	setupAndStart(t, p)

	calls := 0
	provider.mu.Lock()
	provider.convert = func(buf domain.SampleBuffer) application.Outcome {
		calls++
		if calls == 2 {
			return application.Outcome{Status: application.InputRanDry}
		}
		return application.Converted(buf)
	}
	provider.mu.Unlock()

	for range 3 {
		engine.emit(frames(pcm10, 1, 0))
	}
	await(t, p.Stop())

	// started, then started again after the dry spell, then the flush.
	kinds := []application.EventKind{application.EventStarted, application.EventStarted, application.EventChunkReady}
	for i, want := range kinds {
		if ev := nextEvent(t, events); ev.Kind != want {
			t.Fatalf("event %d: got %s, want %s", i, ev.Kind, want)
		}
	}
	if p.State() != application.StateReady {
		t.Errorf("state: got %s, want ready", p.State())
	}
}

func TestCapture_ConversionFailure(t *testing.T) {
	engine := newMockEngine(pcm10)
	provider := &mockProvider{}
	p, events := newCapture(t, engine, provider, application.CaptureOptions{ChunkDuration: 100})
	setupAndStart(t, p)

	provider.mu.Lock()
	provider.convert = func(buf domain.SampleBuffer) application.Outcome {
		if buf.FrameCount() == 3 {
			return application.Failed(errBoom)
		}
		return application.Converted(buf)
	}
	provider.mu.Unlock()

	engine.emit(frames(pcm10, 2, 0))
	engine.emit(frames(pcm10, 3, 0))

	nextEvent(t, events) // started
	ev := nextEvent(t, events)
	if ev.Kind != application.EventChunkReady || ev.Chunk.FrameCount() != 2 {
		t.Fatalf("got %s with %d frames, want the audio captured before the failure", ev.Kind, ev.Chunk.FrameCount())
	}
	ev = nextEvent(t, events)
	if ev.Kind != application.EventFailure {
		t.Fatalf("got %s, want failure", ev.Kind)
	}
	var convErr *domain.ConversionError
	if !errors.As(ev.Err, &convErr) || !errors.Is(ev.Err, errBoom) {
		t.Errorf("failure error: got %v, want ConversionError wrapping boom", ev.Err)
	}

	if p.State() != application.StateFailed {
		t.Fatalf("state: got %s, want failed", p.State())
	}
	if engine.tapInstalled() {
		t.Error("tap still installed after failure")
	}

	// Only setup leaves the failed state.
	if _, err := await(t, p.Start()); !errors.Is(err, domain.ErrNotReady) {
		t.Errorf("start while failed: got %v, want ErrNotReady", err)
	}
	provider.mu.Lock()
	provider.convert = nil
	provider.mu.Unlock()
	setupAndStart(t, p)
	if p.State() != application.StateRecording {
		t.Errorf("state after re-setup: got %s, want recording", p.State())
	}
}

func TestCapture_SetupErrors(t *testing.T) {
	t.Run("converter unavailable", func(t *testing.T) {
		engine := newMockEngine(pcm10)
		p, _ := newCapture(t, engine, &mockProvider{err: errBoom}, application.CaptureOptions{})

		_, err := await(t, p.Setup())
		if !errors.Is(err, domain.ErrConverterUnavailable) {
			t.Errorf("setup: got %v, want ErrConverterUnavailable", err)
		}
		if p.State() != application.StateNotInitialized {
			t.Errorf("state: got %s, want not_initialized", p.State())
		}
	})

	t.Run("no input channel", func(t *testing.T) {
		engine := newMockEngine(domain.Format{SampleRate: 10, Channels: 0, Encoding: domain.EncodingInt16})
		p, _ := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})

		if _, err := await(t, p.Setup()); err != nil {
			t.Fatalf("setup: %v", err)
		}
		if _, err := await(t, p.Start()); !errors.Is(err, domain.ErrNoInputChannel) {
			t.Errorf("start: got %v, want ErrNoInputChannel", err)
		}
		if p.State() != application.StateReady {
			t.Errorf("state: got %s, want ready", p.State())
		}
	})

	t.Run("start before setup", func(t *testing.T) {
		p, _ := newCapture(t, newMockEngine(pcm10), &mockProvider{}, application.CaptureOptions{})
		if _, err := await(t, p.Start()); !errors.Is(err, domain.ErrNotReady) {
			t.Errorf("start: got %v, want ErrNotReady", err)
		}
	})
}

func TestCapture_EngineStartFailure(t *testing.T) {
	engine := newMockEngine(pcm10)
	engine.startErr = errBoom
	p, _ := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})

	if _, err := await(t, p.Setup()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := await(t, p.Start())

	var startErr *domain.EngineStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("start: got %v, want EngineStartError", err)
	}
	if p.State() != application.StateReady {
		t.Errorf("state: got %s, want ready", p.State())
	}
	if engine.tapInstalled() {
		t.Error("tap left installed after failed start")
	}
}

func TestCapture_IgnoresBuffersWhenNotRecording(t *testing.T) {
	engine := newMockEngine(pcm10)
	p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{})
	setupAndStart(t, p)
	await(t, p.Stop())

	if engine.emit(frames(pcm10, 4, 0)) {
		t.Error("tap still delivering after stop")
	}
	noEvent(t, events)

	pending, err := await(t, p.Pending())
	if err != nil || pending != 0 {
		t.Errorf("pending: got %v, %v, want 0", pending, err)
	}
}

func TestCapture_Discard(t *testing.T) {
	engine := newMockEngine(pcm10)
	p, events := newCapture(t, engine, &mockProvider{}, application.CaptureOptions{ChunkDuration: 100})
	setupAndStart(t, p)

	engine.emit(frames(pcm10, 5, 0))
	nextEvent(t, events) // started

	pending, _ := await(t, p.Pending())
	if pending < 0.49 || pending > 0.51 {
		t.Errorf("pending: got %.2f, want 0.5", pending)
	}

	await(t, p.Discard())
	await(t, p.Stop())
	noEvent(t, events)
}

func TestCapture_CloseEndsSubscriptions(t *testing.T) {
	p, err := application.NewCapturePipeline(newMockEngine(pcm10), &mockProvider{}, application.CaptureOptions{
		Target:        pcm10,
		ChunkDuration: 1,
	}, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	events := p.Subscribe()
	p.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	if _, err := await(t, p.Setup()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("setup after close: got %v, want ErrClosed", err)
	}
}

func TestNewCapturePipeline_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts application.CaptureOptions
	}{
		{"zero chunk duration", application.CaptureOptions{Target: pcm10}},
		{"invalid target", application.CaptureOptions{ChunkDuration: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := application.NewCapturePipeline(newMockEngine(pcm10), &mockProvider{}, tt.opts, nil, discardLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCapture_TapNeverBlocksOnFullQueue(t *testing.T) {
	engine := newMockEngine(pcm10)
	provider := &mockProvider{}
	metrics := &recordingMetrics{}
	p, err := application.NewCapturePipeline(engine, provider, application.CaptureOptions{
		Target:        pcm10,
		ChunkDuration: 100,
		QueueSize:     1,
	}, metrics, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	events := p.Subscribe()
	setupAndStart(t, p)

	// Conversion stalls, so the queue stops draining.
	release := make(chan struct{})
	provider.mu.Lock()
	provider.convert = func(buf domain.SampleBuffer) application.Outcome {
		<-release
		return application.Converted(buf)
	}
	provider.mu.Unlock()

	accepted := make(chan int, 1)
	go func() {
		n := 0
		for range 5 {
			if engine.offer(frames(pcm10, 1, 0)) {
				n++
			}
		}
		accepted <- n
	}()

	var n int
	select {
	case n = <-accepted:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("tap blocked on a full queue")
	}

	metrics.mu.Lock()
	overflows := metrics.overflows
	metrics.mu.Unlock()
	if n > 2 || n+overflows != 5 {
		t.Errorf("accepted %d, rejected %d: want at most 2 accepted and 5 in total", n, overflows)
	}

	close(release)
	if _, err := await(t, p.Stop()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	nextEvent(t, events) // started
	ev := nextEvent(t, events)
	if ev.Kind != application.EventChunkReady || ev.Chunk.FrameCount() != n {
		t.Errorf("got %s with %d frames, want chunk_ready with the %d accepted frames", ev.Kind, ev.Chunk.FrameCount(), n)
	}
}
