package application_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
)

func newSequencer(t *testing.T, engine *mockEngine, provider *mockProvider, policy application.PlayPolicy, metrics application.Metrics) *application.PlaybackSequencer {
	t.Helper()
	s := application.NewPlaybackSequencer(engine, provider, application.PlaybackOptions{Policy: policy}, metrics, discardLogger())
	t.Cleanup(func() { s.Close() })
	if _, err := await(t, s.Setup()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return s
}

// waitScheduled waits until the engine holds n scheduled buffers.
func waitScheduled(t *testing.T, engine *mockEngine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(engine.scheduledKeys()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d scheduled buffers, have %v", n, engine.scheduledKeys())
		}
		time.Sleep(time.Millisecond)
	}
}

func notResolved[T any](t *testing.T, f *application.Future[T]) {
	t.Helper()
	select {
	case <-f.Done():
		_, err := await(t, f)
		t.Fatalf("future resolved early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func keyed(format domain.Format, keys ...uint64) []domain.SampleBuffer {
	bufs := make([]domain.SampleBuffer, len(keys))
	for i, k := range keys {
		bufs[i] = frames(format, 2, k)
	}
	return bufs
}

func TestPlayback_SchedulesInSequenceOrder(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

	pass := s.Play(keyed(pcm10, 3, 1, 2))
	waitScheduled(t, engine, 3)

	if got := engine.scheduledKeys(); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Errorf("schedule order: got %v, want [1 2 3]", got)
	}
	if !s.IsPlaying() {
		t.Error("expected IsPlaying during the pass")
	}

	engine.completeAll()
	if _, err := await(t, pass); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if s.IsPlaying() {
		t.Error("still playing after completion")
	}
}

func TestPlayback_CompletesAfterLastBuffer(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

	pass := s.Play(keyed(pcm10, 1, 2))
	waitScheduled(t, engine, 2)

	engine.mu.Lock()
	first := engine.scheduled[0].onComplete
	engine.mu.Unlock()
	first()
	notResolved(t, pass)

	engine.completeAll()
	if _, err := await(t, pass); err != nil {
		t.Fatalf("pass: %v", err)
	}
}

func TestPlayback_AutoComplete(t *testing.T) {
	engine := newMockEngine(pcm10)
	engine.autoComplete = true
	metrics := &recordingMetrics{}
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, metrics)

	for range 2 {
		if _, err := await(t, s.Play(keyed(pcm10, 1, 2, 3))); err != nil {
			t.Fatalf("pass: %v", err)
		}
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.scheduled != 6 {
		t.Errorf("scheduled: got %d, want 6", metrics.scheduled)
	}
	if len(metrics.finished) != 2 || metrics.finished[0] != nil || metrics.finished[1] != nil {
		t.Errorf("finished: got %v, want two successful passes", metrics.finished)
	}
}

func TestPlayback_EmptyInput(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

	if _, err := await(t, s.Play(nil)); err != nil {
		t.Fatalf("empty play: %v", err)
	}
	if engine.starts != 0 {
		t.Errorf("engine started %d times for empty input", engine.starts)
	}
}

func TestPlayback_DropsFailedBuffers(t *testing.T) {
	tests := []struct {
		name        string
		convert     func(domain.SampleBuffer) application.Outcome
		scheduleErr map[uint64]error
		wantKeys    []uint64
		wantDropped int
	}{
		{
			name: "conversion failure",
			convert: func(b domain.SampleBuffer) application.Outcome {
				if b.SequenceKey == 2 {
					return application.Failed(errBoom)
				}
				b.Format = pcm10
				return application.Converted(b)
			},
			wantKeys:    []uint64{1, 3},
			wantDropped: 1,
		},
		{
			name: "converter returns no data",
			convert: func(b domain.SampleBuffer) application.Outcome {
				if b.SequenceKey == 1 {
					return application.Outcome{Status: application.InputRanDry}
				}
				return application.Converted(b)
			},
			wantKeys:    []uint64{2, 3},
			wantDropped: 1,
		},
		{
			name:        "schedule failure",
			scheduleErr: map[uint64]error{3: errBoom},
			wantKeys:    []uint64{1, 2},
			wantDropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine(pcm10)
			engine.scheduleErr = tt.scheduleErr
			metrics := &recordingMetrics{}
			s := newSequencer(t, engine, &mockProvider{convert: tt.convert}, application.PlayReject, metrics)

			pass := s.Play(keyed(pcm10, 1, 2, 3))
			waitScheduled(t, engine, len(tt.wantKeys))
			if got := engine.scheduledKeys(); !slices.Equal(got, tt.wantKeys) {
				t.Errorf("scheduled: got %v, want %v", got, tt.wantKeys)
			}

			engine.completeAll()
			if _, err := await(t, pass); err != nil {
				t.Fatalf("pass: %v", err)
			}
			metrics.mu.Lock()
			defer metrics.mu.Unlock()
			if metrics.dropped != tt.wantDropped {
				t.Errorf("dropped: got %d, want %d", metrics.dropped, tt.wantDropped)
			}
		})
	}
}

func TestPlayback_AllBuffersDropped(t *testing.T) {
	engine := newMockEngine(pcm10)
	provider := &mockProvider{convert: func(domain.SampleBuffer) application.Outcome {
		return application.Failed(errBoom)
	}}
	s := newSequencer(t, engine, provider, application.PlayReject, nil)

	if _, err := await(t, s.Play(keyed(pcm10, 1, 2))); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if engine.starts != 0 {
		t.Errorf("engine started with nothing to play")
	}
}

func TestPlayback_ConvertsEachSourceFormat(t *testing.T) {
	engine := newMockEngine(pcm10)
	engine.autoComplete = true
	provider := &mockProvider{}
	s := newSequencer(t, engine, provider, application.PlayReject, nil)

	bufs := append(keyed(pcm8, 1, 3), keyed(pcm10, 2, 4)...)
	if _, err := await(t, s.Play(bufs)); err != nil {
		t.Fatalf("pass: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.created != 2 {
		t.Errorf("converters created: got %d, want 2", provider.created)
	}
}

func TestPlayback_RejectWhilePlaying(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

	first := s.Play(keyed(pcm10, 1))
	waitScheduled(t, engine, 1)

	if _, err := await(t, s.Play(keyed(pcm10, 5))); !errors.Is(err, domain.ErrAlreadyPlaying) {
		t.Fatalf("second play: got %v, want ErrAlreadyPlaying", err)
	}
	notResolved(t, first)

	engine.completeAll()
	if _, err := await(t, first); err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestPlayback_ReplaceWhilePlaying(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReplace, nil)

	first := s.Play(keyed(pcm10, 1))
	waitScheduled(t, engine, 1)
	second := s.Play(keyed(pcm10, 7))

	if _, err := await(t, first); !errors.Is(err, domain.ErrPlaybackStopped) {
		t.Fatalf("first pass: got %v, want ErrPlaybackStopped", err)
	}
	waitScheduled(t, engine, 1)
	if got := engine.scheduledKeys(); !slices.Equal(got, []uint64{7}) {
		t.Errorf("scheduled after replace: got %v, want [7]", got)
	}

	engine.completeAll()
	if _, err := await(t, second); err != nil {
		t.Fatalf("second pass: %v", err)
	}
}

func TestPlayback_Stop(t *testing.T) {
	engine := newMockEngine(pcm10)
	s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

	// Stopping while idle succeeds.
	if _, err := await(t, s.Stop()); err != nil {
		t.Fatalf("idle stop: %v", err)
	}

	pass := s.Play(keyed(pcm10, 1, 2))
	waitScheduled(t, engine, 2)

	if _, err := await(t, s.Stop()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := await(t, pass); !errors.Is(err, domain.ErrPlaybackStopped) {
		t.Fatalf("pass: got %v, want ErrPlaybackStopped", err)
	}
	if engine.resets != 1 {
		t.Errorf("player resets: got %d, want 1", engine.resets)
	}
	if s.IsPlaying() {
		t.Error("still playing after stop")
	}
	if len(engine.scheduledKeys()) != 0 {
		t.Error("unplayed buffers left on the player")
	}
}

func TestPlayback_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := application.NewPlaybackSequencer(newMockEngine(pcm10), &mockProvider{}, application.PlaybackOptions{}, nil, discardLogger())
		defer s.Close()
		if _, err := await(t, s.Play(keyed(pcm10, 1))); !errors.Is(err, domain.ErrNotConfigured) {
			t.Errorf("got %v, want ErrNotConfigured", err)
		}
	})

	t.Run("invalid output format", func(t *testing.T) {
		engine := newMockEngine(pcm10)
		engine.output = domain.Format{}
		s := application.NewPlaybackSequencer(engine, &mockProvider{}, application.PlaybackOptions{}, nil, discardLogger())
		defer s.Close()
		if _, err := await(t, s.Setup()); !errors.Is(err, domain.ErrConverterUnavailable) {
			t.Errorf("got %v, want ErrConverterUnavailable", err)
		}
	})

	t.Run("engine start failure", func(t *testing.T) {
		engine := newMockEngine(pcm10)
		engine.startErr = errBoom
		s := newSequencer(t, engine, &mockProvider{}, application.PlayReject, nil)

		_, err := await(t, s.Play(keyed(pcm10, 1)))
		var startErr *domain.EngineStartError
		if !errors.As(err, &startErr) || !errors.Is(err, errBoom) {
			t.Errorf("got %v, want EngineStartError wrapping boom", err)
		}
		if s.IsPlaying() {
			t.Error("playing after failed start")
		}
	})

	t.Run("closed", func(t *testing.T) {
		s := application.NewPlaybackSequencer(newMockEngine(pcm10), &mockProvider{}, application.PlaybackOptions{}, nil, discardLogger())
		s.Close()
		if _, err := await(t, s.Play(keyed(pcm10, 1))); !errors.Is(err, domain.ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	})
}
