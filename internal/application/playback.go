package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"vassist/internal/domain"
)

// PlayPolicy decides what Play does while another pass is in flight.
type PlayPolicy string

const (
	PlayReject  PlayPolicy = "reject"
	PlayReplace PlayPolicy = "replace"
)

type PlaybackOptions struct {
	Policy    PlayPolicy
	QueueSize int
}

type playbackPass struct {
	result *Future[struct{}]
	last   int
}

// PlaybackSequencer schedules buffers back to back on the engine player node
// and resolves each pass once its final buffer has played.
type PlaybackSequencer struct {
	engine   Engine
	provider ConverterProvider
	opts     PlaybackOptions
	metrics  Metrics
	logger   *slog.Logger

	queue *serialQueue

	// Owned by the queue goroutine.
	output     domain.Format
	converters map[domain.Format]Converter
	current    *playbackPass

	mu      sync.RWMutex
	playing bool
}

func NewPlaybackSequencer(
	engine Engine,
	provider ConverterProvider,
	opts PlaybackOptions,
	metrics Metrics,
	logger *slog.Logger,
) *PlaybackSequencer {
	if opts.Policy == "" {
		opts.Policy = PlayReject
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &PlaybackSequencer{
		engine:     engine,
		provider:   provider,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
		queue:      newSerialQueue(opts.QueueSize),
		converters: make(map[domain.Format]Converter),
	}
}

func (s *PlaybackSequencer) IsPlaying() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

func (s *PlaybackSequencer) setPlaying(v bool) {
	s.mu.Lock()
	s.playing = v
	s.mu.Unlock()
}

// Setup reads the engine output format and drops cached converters.
func (s *PlaybackSequencer) Setup() *Future[struct{}] {
	return submit(s.queue, func() (struct{}, error) {
		out := s.engine.OutputFormat()
		if !out.Valid() {
			return struct{}{}, fmt.Errorf("%w: invalid output format %s", domain.ErrConverterUnavailable, out)
		}
		s.output = out
		clear(s.converters)
		s.logger.Info("playback sequencer ready", "output", out.String())
		return struct{}{}, nil
	})
}

// Play sorts bufs by sequence key, converts each to the output format and
// schedules them gaplessly. Buffers that fail conversion are skipped. The
// future resolves when the last scheduled buffer has finished playing.
func (s *PlaybackSequencer) Play(bufs []domain.SampleBuffer) *Future[struct{}] {
	result := NewFuture[struct{}]()
	ok := s.queue.dispatch(func() {
		s.play(bufs, result)
	})
	if !ok {
		result.Resolve(struct{}{}, domain.ErrClosed)
	}
	return result
}

func (s *PlaybackSequencer) play(bufs []domain.SampleBuffer, result *Future[struct{}]) {
	if len(bufs) == 0 {
		result.Resolve(struct{}{}, nil)
		return
	}
	if s.current != nil {
		if s.opts.Policy != PlayReplace {
			result.Resolve(struct{}{}, domain.ErrAlreadyPlaying)
			return
		}
		s.logger.Info("replacing current playback")
		s.halt()
	}
	if !s.output.Valid() {
		result.Resolve(struct{}{}, domain.ErrNotConfigured)
		return
	}

	ordered := slices.Clone(bufs)
	if !domain.IsSortedBySequence(ordered) {
		domain.SortBySequence(ordered)
	}

	converted := make([]domain.SampleBuffer, 0, len(ordered))
	dropped := 0
	for _, b := range ordered {
		out, err := s.convert(b)
		if err != nil {
			dropped++
			s.logger.Warn("dropping buffer from playback", "sequence", b.SequenceKey, "error", err)
			continue
		}
		converted = append(converted, out)
	}

	if len(converted) == 0 {
		s.metrics.PlaybackScheduled(0, dropped)
		s.metrics.PlaybackFinished(nil)
		result.Resolve(struct{}{}, nil)
		return
	}

	if err := s.engine.Start(); err != nil {
		err = &domain.EngineStartError{Cause: err}
		s.metrics.PlaybackFinished(err)
		result.Resolve(struct{}{}, err)
		return
	}

	pass := &playbackPass{result: result, last: -1}
	s.current = pass
	s.setPlaying(true)

	scheduled := 0
	for i, b := range converted {
		idx := i
		err := s.engine.Schedule(b, func() {
			// Completions arrive on engine goroutines, possibly inside Schedule.
			go s.queue.dispatch(func() {
				s.completed(pass, idx)
			})
		})
		if err != nil {
			dropped++
			s.logger.Warn("scheduling buffer", "sequence", b.SequenceKey, "error", err)
			continue
		}
		pass.last = idx
		scheduled++
	}

	s.metrics.PlaybackScheduled(scheduled, dropped)
	s.logger.Debug("playback scheduled", "buffers", scheduled, "dropped", dropped)

	if pass.last < 0 {
		s.finish(pass, nil)
	}
}

func (s *PlaybackSequencer) convert(b domain.SampleBuffer) (domain.SampleBuffer, error) {
	if b.Empty() {
		return domain.SampleBuffer{}, fmt.Errorf("empty buffer")
	}
	conv, ok := s.converters[b.Format]
	if !ok {
		var err error
		conv, err = s.provider.NewConverter(b.Format, s.output)
		if err != nil {
			return domain.SampleBuffer{}, fmt.Errorf("%w: %v", domain.ErrConverterUnavailable, err)
		}
		s.converters[b.Format] = conv
	}

	out := conv.Convert(b)
	switch out.Status {
	case HaveData:
		if out.Buffer.Empty() {
			return domain.SampleBuffer{}, fmt.Errorf("converter produced no frames")
		}
		out.Buffer.SequenceKey = b.SequenceKey
		out.Buffer.CapturedAt = b.CapturedAt
		return out.Buffer, nil
	case ConversionFailed:
		return domain.SampleBuffer{}, out.Err
	default:
		return domain.SampleBuffer{}, fmt.Errorf("converter returned %s", out.Status)
	}
}

func (s *PlaybackSequencer) completed(pass *playbackPass, idx int) {
	if s.current != pass || idx != pass.last {
		return
	}
	s.finish(pass, nil)
}

func (s *PlaybackSequencer) finish(pass *playbackPass, err error) {
	if s.current == pass {
		s.current = nil
		s.setPlaying(false)
	}
	if stopErr := s.engine.Stop(); stopErr != nil {
		s.logger.Warn("stopping engine after playback", "error", stopErr)
	}
	s.metrics.PlaybackFinished(err)
	pass.result.Resolve(struct{}{}, err)
}

// Stop halts playback and discards unplayed buffers. The interrupted pass
// resolves with ErrPlaybackStopped. Stop always succeeds.
func (s *PlaybackSequencer) Stop() *Future[struct{}] {
	return submit(s.queue, func() (struct{}, error) {
		s.halt()
		return struct{}{}, nil
	})
}

func (s *PlaybackSequencer) halt() {
	pass := s.current
	if pass == nil {
		return
	}
	if err := s.engine.ResetPlayer(); err != nil {
		s.logger.Warn("resetting player", "error", err)
	}
	s.finish(pass, domain.ErrPlaybackStopped)
	s.logger.Info("playback stopped")
}

func (s *PlaybackSequencer) Close() error {
	_, _ = s.Stop().Await(context.Background())
	s.queue.close()
	return nil
}
