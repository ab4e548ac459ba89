package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
	"vassist/internal/infra/codec"
)

var _ application.Engine = (*FileEngine)(nil)

type FileConfig struct {
	// InputDir is polled for .wav files, which are streamed through the tap.
	InputDir string
	// OutputDir receives one .wav file per playback run.
	OutputDir string
	Input     domain.Format
	Output    domain.Format
	// Realtime paces capture and playback at the audio rate. Without it files
	// are streamed as fast as the pipeline accepts them.
	Realtime     bool
	BufferFrames int
	PollInterval time.Duration
}

// FileEngine is an engine backed by directories instead of devices. It is
// used headless and in tests.
type FileEngine struct {
	cfg    FileConfig
	logger *slog.Logger
	wav    codec.WAV

	tap    tapSlot
	player playerQueue
	wake   chan struct{}

	mu        sync.Mutex
	prepared  bool
	attached  map[application.Node]bool
	running   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	capturing bool
	processed map[string]bool
	output    []byte
	written   []string

	loops     sync.WaitGroup
	playerRun sync.WaitGroup
}

func NewFileEngine(cfg FileConfig, logger *slog.Logger) *FileEngine {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = defaultBufferFrames
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &FileEngine{
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		attached:  make(map[application.Node]bool),
		processed: make(map[string]bool),
	}
}

func (e *FileEngine) Name() string {
	return "file"
}

func (e *FileEngine) Prepare(_ context.Context) error {
	for _, dir := range []string{e.cfg.InputDir, e.cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating audio dir: %w", err)
		}
	}
	e.mu.Lock()
	e.prepared = true
	e.mu.Unlock()
	return nil
}

func (e *FileEngine) Attach(node application.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.prepared {
		return ErrNotPrepared
	}
	e.attached[node] = true
	return nil
}

func (e *FileEngine) InputFormat() domain.Format  { return e.cfg.Input }
func (e *FileEngine) OutputFormat() domain.Format { return e.cfg.Output }

func (e *FileEngine) InstallTap(bufferFrames int, format domain.Format, tap application.TapFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.attached[application.NodeInput] {
		return fmt.Errorf("installing tap: input %w", ErrNotAttached)
	}
	if format != e.cfg.Input {
		return fmt.Errorf("tap format %s does not match input %s", format, e.cfg.Input)
	}
	if err := e.tap.install(bufferFrames, format, tap); err != nil {
		return err
	}
	if e.running && !e.capturing {
		e.startCaptureLocked()
	}
	return nil
}

func (e *FileEngine) RemoveTap() error {
	e.tap.remove()
	return nil
}

func (e *FileEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.prepared {
		return ErrNotPrepared
	}
	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx, e.cancel = ctx, cancel
	e.running = true

	e.playerRun.Add(1)
	go e.playLoop(ctx)

	if e.tap.installed() {
		e.startCaptureLocked()
	}
	e.logger.Debug("file engine started", "realtime", e.cfg.Realtime)
	return nil
}

func (e *FileEngine) startCaptureLocked() {
	e.capturing = true
	e.loops.Add(1)
	go e.captureLoop(e.runCtx)
}

// Stop ends the current run and writes whatever was played to OutputDir.
// It does not wait for the capture loop, which may be blocked handing a
// buffer to the tap.
func (e *FileEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.capturing = false
	e.cancel()
	e.mu.Unlock()

	e.playerRun.Wait()
	return e.flushOutput()
}

func (e *FileEngine) Schedule(buf domain.SampleBuffer, onComplete func()) error {
	if buf.Format != e.cfg.Output {
		return fmt.Errorf("scheduled format %s does not match output %s", buf.Format, e.cfg.Output)
	}
	e.mu.Lock()
	attached := e.attached[application.NodePlayer]
	e.mu.Unlock()
	if !attached {
		return fmt.Errorf("scheduling: player %w", ErrNotAttached)
	}

	e.player.push(buf.Data, onComplete)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *FileEngine) ResetPlayer() error {
	if n := e.player.reset(); n > 0 {
		e.logger.Debug("player reset", "dropped", n)
	}
	return nil
}

func (e *FileEngine) Close() error {
	err := e.Stop()
	e.tap.remove()
	e.player.reset()
	e.loops.Wait()
	return err
}

// Written lists the playback files created so far.
func (e *FileEngine) Written() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.written...)
}

func (e *FileEngine) playLoop(ctx context.Context) {
	defer e.playerRun.Done()

	period := time.Duration(float64(e.cfg.BufferFrames) / e.cfg.Output.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	out := make([]byte, e.cfg.BufferFrames*e.cfg.Output.BytesPerFrame())
	for {
		if e.player.pending() == 0 || e.cfg.Realtime {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				if e.cfg.Realtime {
					continue
				}
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		n, done := e.player.fill(out)
		if n > 0 {
			e.mu.Lock()
			e.output = append(e.output, out[:n]...)
			e.mu.Unlock()
		}
		for _, fn := range done {
			fn()
		}
	}
}

func (e *FileEngine) flushOutput() error {
	e.mu.Lock()
	data := e.output
	e.output = nil
	e.mu.Unlock()
	if len(data) == 0 {
		return nil
	}

	encoded, err := e.wav.Encode([]domain.SampleBuffer{{Format: e.cfg.Output, Data: data}})
	if err != nil {
		return fmt.Errorf("encoding playback output: %w", err)
	}
	path := filepath.Join(e.cfg.OutputDir, fmt.Sprintf("playback-%d.wav", time.Now().UnixNano()))
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("writing playback output: %w", err)
	}

	e.mu.Lock()
	e.written = append(e.written, path)
	e.mu.Unlock()
	e.logger.Info("playback written", "path", path, "bytes", len(data))
	return nil
}

func (e *FileEngine) captureLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		path, data, err := e.checkForNewFile()
		if err != nil {
			e.logger.Warn("scanning input dir", "error", err)
		}
		if data != nil {
			if err := e.stream(ctx, path, data); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.logger.Warn("streaming input file", "path", path, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *FileEngine) stream(ctx context.Context, path string, data []byte) error {
	bufs, err := e.wav.Decode(data)
	if err != nil {
		return err
	}

	frames := e.tap.bufferFrames()
	var pace <-chan time.Time
	if e.cfg.Realtime {
		t := time.NewTicker(time.Duration(float64(frames) / e.cfg.Input.SampleRate * float64(time.Second)))
		defer t.Stop()
		pace = t.C
	}

	for _, buf := range bufs {
		if buf.Format != e.cfg.Input {
			return fmt.Errorf("file format %s does not match input %s", buf.Format, e.cfg.Input)
		}
		step := frames * buf.Format.BytesPerFrame()
		for off := 0; off < len(buf.Data); off += step {
			if pace != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-pace:
				}
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := e.offer(ctx, buf.Data[off:min(off+step, len(buf.Data))]); err != nil {
				return err
			}
		}
	}
	e.logger.Debug("input file streamed", "path", path)
	return nil
}

// offer delivers one tap buffer. Paced like a device, a rejected buffer is
// dropped; unpaced, it is offered again until the pipeline catches up.
func (e *FileEngine) offer(ctx context.Context, data []byte) error {
	if e.tap.deliver(data) || e.cfg.Realtime {
		return nil
	}
	retry := time.NewTicker(time.Millisecond)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
		}
		if e.tap.deliver(data) {
			return nil
		}
	}
}

func (e *FileEngine) checkForNewFile() (string, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := os.ReadDir(e.cfg.InputDir)
	if err != nil {
		return "", nil, fmt.Errorf("reading dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wav" {
			continue
		}

		path := filepath.Join(e.cfg.InputDir, entry.Name())
		if e.processed[path] {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("reading file %s: %w", path, err)
		}

		e.processed[path] = true
		if err := os.Rename(path, path+".processed"); err != nil {
			e.logger.Warn("marking input file processed", "path", path, "error", err)
		}
		return path, data, nil
	}

	return "", nil, nil
}
