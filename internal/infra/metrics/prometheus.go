// Package metrics exports pipeline observations to Prometheus.
package metrics

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vassist/internal/application"
	"vassist/internal/domain"
)

var _ application.Metrics = (*Prometheus)(nil)

var captureStates = []application.CaptureState{
	application.StateNotInitialized,
	application.StateReady,
	application.StateRecording,
	application.StateFailed,
}

// Prometheus keeps its collectors on a private registry so tests and
// multiple instances do not collide on the default one.
type Prometheus struct {
	reg *prometheus.Registry

	BuffersCaptured  *prometheus.CounterVec
	TapOverflows     prometheus.Counter
	ChunksEmitted    prometheus.Counter
	ChunkDuration    prometheus.Histogram
	ChunkTargetError prometheus.Histogram
	CaptureState     *prometheus.GaugeVec

	BuffersScheduled prometheus.Counter
	BuffersDropped   prometheus.Counter
	PlaybackPasses   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	return &Prometheus{
		reg: reg,

		BuffersCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vassist_capture_buffers_total",
			Help: "Tap buffers processed by the capture pipeline, by conversion status",
		}, []string{"status"}),
		TapOverflows: f.NewCounter(prometheus.CounterOpts{
			Name: "vassist_capture_tap_overflows_total",
			Help: "Tap buffers rejected because the capture queue was full",
		}),
		ChunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "vassist_chunks_emitted_total",
			Help: "Chunks emitted by the aggregator",
		}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vassist_chunk_duration_seconds",
			Help:    "Duration of emitted chunks",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		ChunkTargetError: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vassist_chunk_target_error_seconds",
			Help:    "Absolute difference between chunk duration and the target",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),
		CaptureState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vassist_capture_state",
			Help: "1 for the current capture state, 0 otherwise",
		}, []string{"state"}),

		BuffersScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "vassist_playback_buffers_scheduled_total",
			Help: "Buffers scheduled on the player",
		}),
		BuffersDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "vassist_playback_buffers_dropped_total",
			Help: "Buffers skipped during playback because conversion or scheduling failed",
		}),
		PlaybackPasses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vassist_playback_passes_total",
			Help: "Finished playback passes, by result",
		}, []string{"result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vassist_http_requests_total",
			Help: "Control API requests",
		}, []string{"route", "code"}),
	}
}

func (m *Prometheus) Registry() *prometheus.Registry { return m.reg }

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Prometheus) BufferCaptured(status application.ConversionStatus) {
	m.BuffersCaptured.WithLabelValues(status.String()).Inc()
}

func (m *Prometheus) TapOverflow() {
	m.TapOverflows.Inc()
}

func (m *Prometheus) ChunkEmitted(chunk domain.Chunk, target float64) {
	m.ChunksEmitted.Inc()
	m.ChunkDuration.Observe(chunk.TotalDuration)
	m.ChunkTargetError.Observe(math.Abs(chunk.TotalDuration - target))
}

func (m *Prometheus) CaptureStateChanged(state application.CaptureState) {
	for _, s := range captureStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CaptureState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Prometheus) PlaybackScheduled(scheduled, dropped int) {
	m.BuffersScheduled.Add(float64(scheduled))
	m.BuffersDropped.Add(float64(dropped))
}

func (m *Prometheus) PlaybackFinished(err error) {
	result := "completed"
	switch {
	case errors.Is(err, domain.ErrPlaybackStopped):
		result = "stopped"
	case err != nil:
		result = "failed"
	}
	m.PlaybackPasses.WithLabelValues(result).Inc()
}

func (m *Prometheus) HTTPRequest(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
