// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime_stt"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesReceived     prometheus.Counter
	AudioBytesReceived prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	ResampleFallbacks  prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Classification metrics
	ClassifyLatency prometheus.Histogram
	ClassifyErrors  prometheus.Counter

	// Broker publish metrics
	BrokerPublishTotal   *prometheus.CounterVec
	BrokerPublishErrors  *prometheus.CounterVec
	BrokerPublishLatency *prometheus.HistogramVec

	// Audio persistence metrics
	AudioChunksWritten prometheus.Counter
	AudioWriteErrors   *prometheus.CounterVec

	// Relay metrics
	RelaysActive      prometheus.Gauge
	RelayMessages     *prometheus.CounterVec
	RelayDialFailures prometheus.Counter

	// gRPC admin metrics
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of streaming sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active streaming sessions",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by a fatal worker failure",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of streaming sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total binary frames received from clients",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total PCM bytes received from clients",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped before reaching the engine",
		}, []string{"reason"}),
		ResampleFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resample_fallbacks_total",
			Help:      "Frames forwarded unresampled because resampling failed",
		}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts delivered",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of finalized sentences delivered",
		}),

		STTLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Time spent blocked on the engine for one finalized sentence",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		ClassifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_seconds",
			Help:      "Content classifier call latency in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		ClassifyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_errors_total",
			Help:      "Total number of classifier failures",
		}),

		BrokerPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_total",
			Help:      "Total number of broker operations",
		}, []string{"backend", "op"}),
		BrokerPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_errors_total",
			Help:      "Total number of failed broker operations",
		}, []string{"backend", "op"}),
		BrokerPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_publish_latency_seconds",
			Help:      "Broker push+publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"backend"}),

		AudioChunksWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_written_total",
			Help:      "Total per-utterance WAV files written",
		}),
		AudioWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_write_errors_total",
			Help:      "Total audio persistence failures",
		}, []string{"op"}),

		RelaysActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of currently active relay connections",
		}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages forwarded by the relay",
		}, []string{"direction"}),
		RelayDialFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dial_failures_total",
			Help:      "Failed connections to the remote transcription backend",
		}),

		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC admin requests",
		}, []string{"method", "code"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(failed bool, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if failed {
		m.SessionsFailed.Inc()
	}
}

// RecordFrame records a received binary frame and its PCM payload size.
func (m *Metrics) RecordFrame(pcmBytes int) {
	m.FramesReceived.Inc()
	m.AudioBytesReceived.Add(float64(pcmBytes))
}

// RecordFrameDropped records a frame that never reached the engine.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordResampleFallback() {
	m.ResampleFallbacks.Inc()
}

func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a finalized sentence and the engine latency.
func (m *Metrics) RecordFinalTranscript(provider string, latencySeconds float64) {
	m.TranscriptsFinal.Inc()
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordClassification records a classifier call.
func (m *Metrics) RecordClassification(err error, latencySeconds float64) {
	m.ClassifyLatency.Observe(latencySeconds)
	if err != nil {
		m.ClassifyErrors.Inc()
	}
}

// RecordBrokerPublish records one broker operation (push or publish).
func (m *Metrics) RecordBrokerPublish(backend, op string, err error) {
	m.BrokerPublishTotal.WithLabelValues(backend, op).Inc()
	if err != nil {
		m.BrokerPublishErrors.WithLabelValues(backend, op).Inc()
	}
}

func (m *Metrics) RecordBrokerLatency(backend string, latencySeconds float64) {
	m.BrokerPublishLatency.WithLabelValues(backend).Observe(latencySeconds)
}

// RecordAudioWrite records a chunk write or merge outcome.
func (m *Metrics) RecordAudioWrite(op string, err error) {
	if err != nil {
		m.AudioWriteErrors.WithLabelValues(op).Inc()
		return
	}
	if op == "chunk" {
		m.AudioChunksWritten.Inc()
	}
}

func (m *Metrics) RecordRelayStart() {
	m.RelaysActive.Inc()
}

func (m *Metrics) RecordRelayEnd() {
	m.RelaysActive.Dec()
}

// RecordRelayMessage records one message forwarded in the given direction.
func (m *Metrics) RecordRelayMessage(direction string) {
	m.RelayMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordRelayDialFailure() {
	m.RelayDialFailures.Inc()
}

// RecordGRPCRequest records a completed gRPC admin call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}
