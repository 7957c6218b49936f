// Package metrics exposes Prometheus metrics for voice-search sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	BootstrapDuration *prometheus.HistogramVec

	// Audio metrics
	AudioChunksTotal *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	FramesTotal      *prometheus.CounterVec

	// Query metrics
	QueriesTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicesearch"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected voice-search sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by final status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Connected session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	bootstrapDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_duration_seconds",
			Help:      "Time from StartSession to an open channel",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	audioChunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Captured audio chunks by delivery result",
		},
		[]string{"result"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes sent or played",
		},
		[]string{"direction"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_frames_total",
			Help:      "Audio frames dequeued for playback by result",
		},
		[]string{"result"},
	)

	queriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Search envelopes sent",
		},
		[]string{"kind"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the user by type",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		bootstrapDuration,
		audioChunksTotal,
		audioBytesTotal,
		framesTotal,
		queriesTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		SessionDuration:   sessionDuration,
		BootstrapDuration: bootstrapDuration,
		AudioChunksTotal:  audioChunksTotal,
		AudioBytesTotal:   audioBytesTotal,
		FramesTotal:       framesTotal,
		QueriesTotal:      queriesTotal,
		ErrorsTotal:       errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session whose channel just opened.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a connected session ending with status.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordBootstrap records how long bootstrap plus dial took.
func (m *Metrics) RecordBootstrap(outcome string, duration time.Duration) {
	m.BootstrapDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordChunk records one captured chunk and whether it was handed to the
// channel.
func (m *Metrics) RecordChunk(sent bool, bytes int) {
	if !sent {
		m.AudioChunksTotal.WithLabelValues("dropped").Inc()
		return
	}
	m.AudioChunksTotal.WithLabelValues("sent").Inc()
	m.AudioBytesTotal.WithLabelValues("up").Add(float64(bytes))
}

// RecordQuery records a search envelope.
func (m *Metrics) RecordQuery(partial bool) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.QueriesTotal.WithLabelValues(kind).Inc()
}

// RecordFrame records a finished playback frame.
func (m *Metrics) RecordFrame(bytes int, err error) {
	if err != nil {
		m.FramesTotal.WithLabelValues("failed").Inc()
		return
	}
	m.FramesTotal.WithLabelValues("played").Inc()
	m.AudioBytesTotal.WithLabelValues("down").Add(float64(bytes))
}

// RecordError records an error surfaced to the user.
func (m *Metrics) RecordError(errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
