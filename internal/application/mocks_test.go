package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
)

// pcm10 has 10 frames per second, so a buffer of n frames lasts n/10 seconds.
var pcm10 = domain.Format{SampleRate: 10, Channels: 1, Encoding: domain.EncodingInt16}

// pcm8 has 8 frames per second; every duration is an exact binary fraction.
var pcm8 = domain.Format{SampleRate: 8, Channels: 1, Encoding: domain.EncodingInt16}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frames(format domain.Format, n int, seq uint64) domain.SampleBuffer {
	return domain.SampleBuffer{
		Format:      format,
		Data:        make([]byte, n*format.BytesPerFrame()),
		SequenceKey: seq,
	}
}

type scheduledBuf struct {
	buf        domain.SampleBuffer
	onComplete func()
}

type mockEngine struct {
	mu sync.Mutex

	input  domain.Format
	output domain.Format

	prepareErr error
	startErr   error
	tapErr     error
	removeErr  error
	stopErr    error
	// scheduleErr fails Schedule for buffers with this sequence key.
	scheduleErr map[uint64]error
	// autoComplete fires each completion as soon as the buffer is scheduled.
	autoComplete bool

	tap       application.TapFunc
	running   bool
	prepares  int
	starts    int
	stops     int
	resets    int
	attached  []application.Node
	scheduled []scheduledBuf
}

func newMockEngine(format domain.Format) *mockEngine {
	return &mockEngine{input: format, output: format}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Prepare(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepares++
	return m.prepareErr
}

func (m *mockEngine) Attach(node application.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = append(m.attached, node)
	return nil
}

func (m *mockEngine) InputFormat() domain.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input
}

func (m *mockEngine) OutputFormat() domain.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

func (m *mockEngine) InstallTap(_ int, _ domain.Format, tap application.TapFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tapErr != nil {
		return m.tapErr
	}
	m.tap = tap
	return nil
}

func (m *mockEngine) RemoveTap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tap = nil
	return m.removeErr
}

func (m *mockEngine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *mockEngine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.running = false
	return m.stopErr
}

func (m *mockEngine) Schedule(buf domain.SampleBuffer, onComplete func()) error {
	m.mu.Lock()
	if err := m.scheduleErr[buf.SequenceKey]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.scheduled = append(m.scheduled, scheduledBuf{buf: buf, onComplete: onComplete})
	auto := m.autoComplete
	m.mu.Unlock()

	if auto {
		onComplete()
	}
	return nil
}

func (m *mockEngine) ResetPlayer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.scheduled = nil
	return nil
}

func (m *mockEngine) Close() error { return nil }

// emit delivers buf through the installed tap, as the hardware thread would,
// and reports whether a tap was installed. A rejected buffer is lost.
func (m *mockEngine) emit(buf domain.SampleBuffer) bool {
	m.mu.Lock()
	tap := m.tap
	m.mu.Unlock()
	if tap == nil {
		return false
	}
	tap(buf)
	return true
}

// offer delivers buf through the installed tap and reports whether it was
// accepted.
func (m *mockEngine) offer(buf domain.SampleBuffer) bool {
	m.mu.Lock()
	tap := m.tap
	m.mu.Unlock()
	return tap != nil && tap(buf)
}

// completeAll fires every pending completion in schedule order.
func (m *mockEngine) completeAll() {
	m.mu.Lock()
	pending := m.scheduled
	m.scheduled = nil
	m.mu.Unlock()
	for _, s := range pending {
		s.onComplete()
	}
}

func (m *mockEngine) scheduledKeys() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]uint64, len(m.scheduled))
	for i, s := range m.scheduled {
		keys[i] = s.buf.SequenceKey
	}
	return keys
}

func (m *mockEngine) tapInstalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tap != nil
}

// mockProvider passes buffers through unchanged, relabelled with the target
// format. convert, when set, replaces that behavior.
type mockProvider struct {
	mu      sync.Mutex
	err     error
	convert func(buf domain.SampleBuffer) application.Outcome
	created int
}

func (m *mockProvider) NewConverter(from, to domain.Format) (application.Converter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.created++
	return &mockConverter{to: to, provider: m}, nil
}

type mockConverter struct {
	to       domain.Format
	provider *mockProvider
}

func (c *mockConverter) Convert(buf domain.SampleBuffer) application.Outcome {
	c.provider.mu.Lock()
	fn := c.provider.convert
	c.provider.mu.Unlock()
	if fn != nil {
		return fn(buf)
	}
	buf.Format = c.to
	return application.Converted(buf)
}

var errBoom = errors.New("boom")

type recordingMetrics struct {
	application.NoopMetrics

	mu        sync.Mutex
	statuses  []application.ConversionStatus
	overflows int
	chunks    int
	scheduled int
	dropped   int
	finished  []error
}

func (r *recordingMetrics) BufferCaptured(s application.ConversionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingMetrics) TapOverflow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflows++
}

func (r *recordingMetrics) ChunkEmitted(domain.Chunk, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks++
}

func (r *recordingMetrics) PlaybackScheduled(scheduled, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled += scheduled
	r.dropped += dropped
}

func (r *recordingMetrics) PlaybackFinished(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, err)
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, events <-chan application.Event) application.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return application.Event{}
}

// noEvent asserts nothing arrives for a short while.
func noEvent(t *testing.T, events <-chan application.Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("unexpected event %s", ev.Kind)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func await[T any](t *testing.T, f *application.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timed out waiting for future")
	}
	return v, err
}
