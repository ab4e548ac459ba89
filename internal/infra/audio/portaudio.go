//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Engine = (*PortAudioEngine)(nil)

// PortAudioEngine drives the default input and output devices through
// PortAudio callback streams.
type PortAudioEngine struct {
	cfg    DeviceConfig
	logger *slog.Logger

	tap    tapSlot
	player playerQueue

	mu          sync.Mutex
	initialized bool
	input       domain.Format
	output      domain.Format
	inStream    *portaudio.Stream
	outStream   *portaudio.Stream
	inRunning   bool
	outRunning  bool
	scratch     []byte
}

func NewPortAudioEngine(cfg DeviceConfig, logger *slog.Logger) *PortAudioEngine {
	return &PortAudioEngine{cfg: cfg.withDefaults(), logger: logger}
}

func (p *PortAudioEngine) Name() string {
	return "portaudio"
}

func (p *PortAudioEngine) Prepare(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("initializing portaudio: %w", err)
		}
		p.initialized = true
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("finding input device: %w", err)
	}
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("finding output device: %w", err)
	}

	// An input device without channels is reported, not rejected; capture
	// start fails with ErrNoInputChannel.
	inChannels := min(p.cfg.Channels, uint(max(in.MaxInputChannels, 0)))
	p.input = float32Format(p.cfg.SampleRate, inChannels)
	p.output = float32Format(p.cfg.SampleRate, min(p.cfg.Channels, uint(max(out.MaxOutputChannels, 1))))

	p.logger.Info("portaudio devices",
		"input", in.Name,
		"output", out.Name,
		"input_format", p.input.String(),
		"output_format", p.output.String(),
	)
	return nil
}

func (p *PortAudioEngine) Attach(node application.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrNotPrepared
	}

	switch node {
	case application.NodeInput:
		if p.inStream != nil || p.input.Channels == 0 {
			return nil
		}
		stream, err := portaudio.OpenDefaultStream(int(p.input.Channels), 0, p.input.SampleRate, p.cfg.BufferFrames, p.onInput)
		if err != nil {
			return fmt.Errorf("opening input stream: %w", err)
		}
		p.inStream = stream
	case application.NodePlayer:
		if p.outStream != nil {
			return nil
		}
		stream, err := portaudio.OpenDefaultStream(0, int(p.output.Channels), p.output.SampleRate, p.cfg.BufferFrames, p.onOutput)
		if err != nil {
			return fmt.Errorf("opening output stream: %w", err)
		}
		p.outStream = stream
	default:
		return fmt.Errorf("unknown node %q", node)
	}
	return nil
}

func (p *PortAudioEngine) InputFormat() domain.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

func (p *PortAudioEngine) OutputFormat() domain.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *PortAudioEngine) InstallTap(bufferFrames int, format domain.Format, tap application.TapFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inStream == nil {
		return fmt.Errorf("installing tap: input %w", ErrNotAttached)
	}
	if format != p.input {
		return fmt.Errorf("tap format %s does not match input %s", format, p.input)
	}
	if err := p.tap.install(bufferFrames, format, tap); err != nil {
		return err
	}
	if p.outRunning && !p.inRunning {
		return p.startInputLocked()
	}
	return nil
}

func (p *PortAudioEngine) RemoveTap() error {
	p.tap.remove()
	return nil
}

func (p *PortAudioEngine) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outStream != nil && !p.outRunning {
		if err := p.outStream.Start(); err != nil {
			return fmt.Errorf("starting output stream: %w", err)
		}
		p.outRunning = true
	}
	if p.tap.installed() && !p.inRunning {
		return p.startInputLocked()
	}
	return nil
}

func (p *PortAudioEngine) startInputLocked() error {
	if err := p.inStream.Start(); err != nil {
		return fmt.Errorf("starting input stream: %w", err)
	}
	p.inRunning = true
	return nil
}

func (p *PortAudioEngine) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.inRunning {
		if err := p.inStream.Stop(); err != nil {
			firstErr = fmt.Errorf("stopping input stream: %w", err)
		}
		p.inRunning = false
	}
	if p.outRunning {
		if err := p.outStream.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping output stream: %w", err)
		}
		p.outRunning = false
	}
	return firstErr
}

func (p *PortAudioEngine) Schedule(buf domain.SampleBuffer, onComplete func()) error {
	if out := p.OutputFormat(); buf.Format != out {
		return fmt.Errorf("scheduled format %s does not match output %s", buf.Format, out)
	}
	p.player.push(buf.Data, onComplete)
	return nil
}

func (p *PortAudioEngine) ResetPlayer() error {
	p.player.reset()
	return nil
}

func (p *PortAudioEngine) Close() error {
	stopErr := p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []*portaudio.Stream{p.inStream, p.outStream} {
		if s != nil {
			s.Close()
		}
	}
	p.inStream, p.outStream = nil, nil
	if p.initialized {
		portaudio.Terminate()
		p.initialized = false
	}
	return stopErr
}

// onInput runs on the PortAudio thread. A rejected buffer is lost.
func (p *PortAudioEngine) onInput(in []float32) {
	p.tap.deliver(domain.Float32Bytes(in))
}

// onOutput runs on the PortAudio thread; it only touches the player queue and
// its own scratch buffer.
func (p *PortAudioEngine) onOutput(out []float32) {
	if cap(p.scratch) < len(out)*4 {
		p.scratch = make([]byte, len(out)*4)
	}
	raw := p.scratch[:len(out)*4]

	_, done := p.player.fill(raw)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	for _, fn := range done {
		fn()
	}
}
