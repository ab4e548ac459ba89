// Package httpapi exposes the capture session over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vassist/internal/application"
	"vassist/internal/domain"
	"vassist/internal/infra/store"
)

// Session is the part of the coordinator the API drives.
type Session interface {
	Configured() bool
	CaptureState() application.CaptureState
	IsPlaying() bool
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	PlayAsync(bufs []domain.SampleBuffer) *application.Future[struct{}]
	StopPlayback(ctx context.Context) error
}

// Recording holds what was captured in this process.
type Recording interface {
	Recorded() []domain.SampleBuffer
	Chunks() []string
	Discard(ctx context.Context) error
}

type ChunkStore interface {
	List() ([]store.ChunkInfo, error)
	Load(id string) ([]domain.SampleBuffer, error)
}

// RequestObserver counts handled requests.
type RequestObserver interface {
	HTTPRequest(route string, code int)
}

type Options struct {
	Addr      string
	AuthToken string
	// RateLimit is the number of control requests per minute per client.
	// Zero disables limiting.
	RateLimit int
	Metrics   http.Handler
	Observer  RequestObserver
}

type Server struct {
	opts        Options
	session     Session
	recording   Recording
	chunks      ChunkStore
	logger      *slog.Logger
	mux         *http.ServeMux
	rateLimiter *RateLimiter

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer wires the routes. chunks may be nil when no store is configured.
func NewServer(opts Options, session Session, recording Recording, chunks ChunkStore, logger *slog.Logger) *Server {
	s := &Server{
		opts:        opts,
		session:     session,
		recording:   recording,
		chunks:      chunks,
		logger:      logger,
		mux:         http.NewServeMux(),
		rateLimiter: NewRateLimiter(opts.RateLimit, time.Minute),
	}

	s.handle("POST /capture/start", s.control(s.handleStartCapture))
	s.handle("POST /capture/stop", s.control(s.handleStopCapture))
	s.handle("POST /playback", s.control(s.handlePlay))
	s.handle("POST /playback/stop", s.control(s.handleStopPlayback))
	s.handle("DELETE /recording", s.control(s.handleDiscard))
	s.handle("GET /chunks", s.authorized(s.handleChunks))
	// No auth or rate limiting on probes.
	s.handle("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP control server starting", "addr", s.opts.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("closing server: %w", err)
		}
	}

	s.running = false
	return nil
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		if s.opts.Observer != nil {
			s.opts.Observer.HTTPRequest(r.Pattern, rec.code)
		}
	})
}

// control applies auth and rate limiting.
func (s *Server) control(h http.HandlerFunc) http.HandlerFunc {
	return s.rateLimiter.Middleware(s.authorized(h))
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken != "" {
			token := r.Header.Get("X-Auth-Token")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != s.opts.AuthToken {
				s.logger.Warn("unauthorized request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		h(w, r)
	}
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StartCapture(r.Context()); err != nil {
		s.writeError(w, "starting capture", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recording"})
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StopCapture(r.Context()); err != nil {
		s.writeError(w, "stopping capture", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(s.session.CaptureState()),
		"chunks": len(s.recording.Chunks()),
	})
}

// handlePlay replays the session recording, or one stored chunk with
// ?chunk=<id>. With ?wait=true it responds after playback finishes.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	bufs, err := s.playbackSource(r)
	if err != nil {
		s.writeError(w, "loading playback audio", err)
		return
	}
	if len(bufs) == 0 {
		http.Error(w, "nothing to play", http.StatusBadRequest)
		return
	}

	pass := s.session.PlayAsync(bufs)
	if r.URL.Query().Get("wait") == "true" {
		if _, err := pass.Await(r.Context()); err != nil {
			s.writeError(w, "playing", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "finished", "buffers": len(bufs)})
		return
	}

	// Rejections resolve right away; report those instead of a false accept.
	select {
	case <-pass.Done():
		if _, err := pass.Await(r.Context()); err != nil {
			s.writeError(w, "playing", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "finished", "buffers": len(bufs)})
	case <-time.After(50 * time.Millisecond):
		go func() {
			if _, err := pass.Await(context.Background()); err != nil && !errors.Is(err, domain.ErrPlaybackStopped) {
				s.logger.Warn("playback failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "playing", "buffers": len(bufs)})
	}
}

func (s *Server) playbackSource(r *http.Request) ([]domain.SampleBuffer, error) {
	id := r.URL.Query().Get("chunk")
	if id == "" {
		return s.recording.Recorded(), nil
	}
	if s.chunks == nil {
		return nil, errNoStore
	}
	return s.chunks.Load(id)
}

var errNoStore = errors.New("no chunk store configured")

func (s *Server) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StopPlayback(r.Context()); err != nil {
		s.writeError(w, "stopping playback", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.recording.Discard(r.Context()); err != nil {
		s.writeError(w, "discarding recording", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	if s.chunks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session": s.recording.Chunks(), "stored": []store.ChunkInfo{}})
		return
	}
	stored, err := s.chunks.List()
	if err != nil {
		s.writeError(w, "listing chunks", err)
		return
	}
	if stored == nil {
		stored = []store.ChunkInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.recording.Chunks(), "stored": stored})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	configured := s.session.Configured()
	status := "ok"
	code := http.StatusOK
	if !configured {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"configured":    configured,
		"capture_state": string(s.session.CaptureState()),
		"playing":       s.session.IsPlaying(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, action string, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error(action, "error", err)
	} else {
		s.logger.Info(action+" rejected", "error", err)
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	var startErr *domain.EngineStartError
	switch {
	case errors.Is(err, domain.ErrNotConfigured),
		errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrAlreadyPlaying):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPlaybackStopped):
		return http.StatusOK
	case errors.Is(err, domain.ErrNoInputChannel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID), errors.Is(err, errNoStore):
		return http.StatusBadRequest
	case errors.As(err, &startErr), errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
