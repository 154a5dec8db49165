// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicebridge"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Turn metrics
	TurnsTotal      prometheus.Counter
	TurnLatency     prometheus.Histogram
	TurnFailures    *prometheus.CounterVec
	BargeInsTotal   prometheus.Counter
	StaleClipsTotal prometheus.Counter

	// Audio metrics
	AudioFramesIn prometheus.Counter
	AudioBytesIn  prometheus.Counter
	ClipsOut      prometheus.Counter
	ClipBytesOut  prometheus.Counter

	// Backend metrics
	BackendErrors  *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec

	// Lifecycle event publish metrics
	EventPublishTotal  *prometheus.CounterVec
	EventPublishErrors *prometheus.CounterVec
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics. Registration goes
// through promauto against the default registry, so New must only be
// called once per process; use Default.
func New() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active call sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		TurnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of completed conversation turns",
		}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from final transcript to first clip delivered",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		TurnFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Total number of failed turns",
		}, []string{"stage"}),
		BargeInsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of caller interruptions",
		}),
		StaleClipsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_clips_total",
			Help:      "Total number of clips discarded for superseded turns",
		}),

		AudioFramesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_in_total",
			Help:      "Total inbound audio frames received",
		}),
		AudioBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Total inbound audio bytes received",
		}),
		ClipsOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_out_total",
			Help:      "Total outbound audio clips delivered",
		}),
		ClipBytesOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clip_bytes_out_total",
			Help:      "Total outbound audio bytes delivered",
		}),

		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of remote backend failures",
		}, []string{"backend"}),
		BackendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Remote backend request latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"backend"}),

		EventPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Total number of lifecycle events published",
		}, []string{"event_type"}),
		EventPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Total number of lifecycle event publish errors",
		}, []string{"event_type"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTurn records a completed turn and its first-clip latency.
func (m *Metrics) RecordTurn(latencySeconds float64) {
	m.TurnsTotal.Inc()
	m.TurnLatency.Observe(latencySeconds)
}

// RecordTurnFailure records a failed turn by pipeline stage.
func (m *Metrics) RecordTurnFailure(stage string) {
	m.TurnFailures.WithLabelValues(stage).Inc()
}

// RecordBargeIn records a caller interruption.
func (m *Metrics) RecordBargeIn() {
	m.BargeInsTotal.Inc()
}

// RecordStaleClip records a clip discarded for a superseded turn.
func (m *Metrics) RecordStaleClip() {
	m.StaleClipsTotal.Inc()
}

// RecordAudioIn records an inbound audio frame.
func (m *Metrics) RecordAudioIn(bytes int) {
	m.AudioFramesIn.Inc()
	m.AudioBytesIn.Add(float64(bytes))
}

// RecordClipOut records an outbound audio clip.
func (m *Metrics) RecordClipOut(bytes int) {
	m.ClipsOut.Inc()
	m.ClipBytesOut.Add(float64(bytes))
}

// RecordBackendError records a remote backend failure.
func (m *Metrics) RecordBackendError(backend string) {
	m.BackendErrors.WithLabelValues(backend).Inc()
}

// RecordBackendLatency records a remote backend request latency.
func (m *Metrics) RecordBackendLatency(backend string, seconds float64) {
	m.BackendLatency.WithLabelValues(backend).Observe(seconds)
}

// RecordEventPublish records a lifecycle event publish attempt.
func (m *Metrics) RecordEventPublish(eventType string, err error) {
	m.EventPublishTotal.WithLabelValues(eventType).Inc()
	if err != nil {
		m.EventPublishErrors.WithLabelValues(eventType).Inc()
	}
}
