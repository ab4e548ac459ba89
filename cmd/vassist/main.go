package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vassist/config"
	"vassist/internal/application"
	"vassist/internal/infra/audio"
	"vassist/internal/infra/codec"
	"vassist/internal/infra/convert"
	"vassist/internal/infra/httpapi"
	"vassist/internal/infra/metrics"
	"vassist/internal/infra/store"
	"vassist/internal/infra/upload"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	duration := flag.Duration("duration", 0, "capture for this long, then stop (0 captures until interrupted)")
	replay := flag.Bool("replay", false, "play the recording back after capture stops")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, cancel, cfg, *duration, *replay, logger); err != nil {
		logger.Error("assistant error", "error", err)
		os.Exit(1)
	}
}

const recorderDrainTimeout = 30 * time.Second

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, duration time.Duration, replay bool, logger *slog.Logger) error {
	prom := metrics.NewPrometheus()

	engine, err := createEngine(cfg.Audio, logger.With("component", "engine"))
	if err != nil {
		return err
	}

	chunkSeconds, err := cfg.Capture.ChunkSeconds()
	if err != nil {
		return fmt.Errorf("parsing chunk duration: %w", err)
	}

	coord, err := application.NewCoordinator(
		engine,
		&convert.Provider{Logger: logger.With("component", "converter")},
		application.CoordinatorOptions{
			Capture: application.CaptureOptions{
				Target:          cfg.Capture.TargetFormat(),
				ChunkDuration:   chunkSeconds,
				BufferFrames:    cfg.Audio.BufferFrames,
				SkipFirstBuffer: cfg.Capture.SkipFirstBuffer,
				EventBuffer:     cfg.Capture.EventBuffer,
			},
			Playback: application.PlaybackOptions{
				Policy: application.PlayPolicy(cfg.Playback.Policy),
			},
		},
		prom,
		logger,
	)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("closing coordinator", "error", err)
		}
	}()

	sink, chunkStore, err := createSinks(cfg, logger)
	if err != nil {
		return err
	}
	recorder := application.NewRecorder(coord, sink, logger.With("component", "recorder"))

	// The recorder outlives ctx: it ends when Close shuts the event stream, so
	// the chunk flushed by the final stop is still stored.
	recCtx, recCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer recCancel()
	recDone := make(chan error, 1)
	go func() {
		recDone <- recorder.Run(recCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		var chunks httpapi.ChunkStore
		if chunkStore != nil {
			chunks = chunkStore
		}
		server := httpapi.NewServer(httpapi.Options{
			Addr:      cfg.HTTP.Addr,
			AuthToken: cfg.HTTP.AuthToken,
			RateLimit: cfg.HTTP.RateLimit,
			Metrics:   prom.Handler(),
			Observer:  prom,
		}, coord, recorder, chunks, logger.With("component", "http"))

		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("starting http server: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	g.Go(func() error {
		select {
		case <-recorder.Ready():
		case <-gctx.Done():
			return nil
		}
		if err := session(gctx, coord, recorder, duration, replay, logger); err != nil {
			return err
		}
		if !cfg.HTTP.Enabled {
			cancel()
		}
		return nil
	})

	logger.Info("starting voice assistant audio pipeline",
		"engine", engine.Name(),
		"chunk_duration", chunkSeconds,
		"http", cfg.HTTP.Enabled,
	)

	err = g.Wait()

	if closeErr := coord.Close(); closeErr != nil {
		logger.Warn("closing coordinator", "error", closeErr)
	}
	select {
	case recErr := <-recDone:
		if recErr != nil && !errors.Is(recErr, context.Canceled) {
			err = errors.Join(err, recErr)
		}
	case <-time.After(recorderDrainTimeout):
		logger.Warn("recorder still busy at shutdown, abandoning pending chunks")
		recCancel()
		<-recDone
	}
	return err
}

// session configures the engine, captures until duration elapses or ctx ends,
// then optionally replays the recording.
func session(ctx context.Context, coord *application.Coordinator, recorder *application.Recorder, duration time.Duration, replay bool, logger *slog.Logger) error {
	if err := coord.Configure(ctx); err != nil {
		return fmt.Errorf("configuring session: %w", err)
	}
	if err := coord.StartCapture(ctx); err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}

	var timer <-chan time.Time
	if duration > 0 {
		timer = time.After(duration)
	}
	select {
	case <-ctx.Done():
	case <-timer:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := coord.StopCapture(stopCtx); err != nil {
		return fmt.Errorf("stopping capture: %w", err)
	}
	logger.Info("capture finished", "chunks", len(recorder.Chunks()), "failures", recorder.Failures())

	if !replay || ctx.Err() != nil {
		return nil
	}
	if err := recorder.Replay(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replaying: %w", err)
	}
	return nil
}

func createEngine(cfg config.AudioConfig, logger *slog.Logger) (application.Engine, error) {
	return audio.NewEngine(audio.EngineConfig{
		Name: cfg.Engine,
		Device: audio.DeviceConfig{
			SampleRate:   cfg.SampleRate,
			Channels:     cfg.Channels,
			BufferFrames: cfg.BufferFrames,
		},
		File: audio.FileConfig{
			InputDir:     cfg.InputDir,
			OutputDir:    cfg.OutputDir,
			Input:        cfg.DeviceFormat(),
			Output:       cfg.DeviceFormat(),
			Realtime:     cfg.Realtime,
			BufferFrames: cfg.BufferFrames,
		},
	}, logger)
}

func createSinks(cfg *config.Config, logger *slog.Logger) (application.ChunkSink, *store.DirStore, error) {
	c, err := codec.ByName(cfg.Storage.Codec, cfg.Storage.OpusBitrate)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting codec: %w", err)
	}

	var (
		sinks      application.MultiSink
		chunkStore *store.DirStore
	)
	if cfg.Storage.Dir != "" {
		chunkStore, err = store.NewDirStore(cfg.Storage.Dir, c, logger.With("component", "store"))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, chunkStore)
	}
	if cfg.Upload.Enabled {
		sinks = append(sinks, upload.NewClient(cfg.Upload.URL, cfg.Upload.Token, c, logger.With("component", "upload")))
	}

	if len(sinks) == 0 {
		return &application.NoopSink{}, nil, nil
	}
	return sinks, chunkStore, nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
