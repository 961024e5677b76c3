package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech stream service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Inbound message metrics
	FramesReceived  prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec

	// VAD metrics
	VADFramesClassified prometheus.Counter
	VADVoicedFrames     prometheus.Counter

	// Segmentation metrics
	SegmentsFinalized *prometheus.CounterVec
	SegmentsRejected  *prometheus.CounterVec
	SegmentDuration   prometheus.Histogram
	SegmentSize       prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Transcript metrics
	TranscriptsFiltered *prometheus.CounterVec
	TranscriptsEmitted  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of open streaming sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_created_total",
			Help: "Total number of streaming sessions accepted",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_sessions_rejected_total",
			Help: "Total number of connections refused before a session started",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Duration of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Inbound message metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_frames_dropped_total",
			Help: "Total number of audio frames dropped as malformed",
		}, []string{"reason"}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_control_messages_total",
			Help: "Total number of text control messages by type",
		}, []string{"type"}),

		// VAD metrics
		VADFramesClassified: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_frames_classified_total",
			Help: "Total number of frames classified by the VAD",
		}),
		VADVoicedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_voiced_frames_total",
			Help: "Total number of frames classified as voiced",
		}),

		// Segmentation metrics
		SegmentsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_segments_finalized_total",
			Help: "Total number of segments finalized by trigger",
		}, []string{"trigger"}),
		SegmentsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_segments_rejected_total",
			Help: "Total number of segments rejected by the quality gate",
		}, []string{"reason"}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_segment_duration_seconds",
			Help:    "Duration of finalized segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s to ~1 minute
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_segment_size_bytes",
			Help:    "Size of finalized segments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),

		// Transcript metrics
		TranscriptsFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_transcripts_filtered_total",
			Help: "Total number of transcripts suppressed by the filter",
		}, []string{"pattern"}),
		TranscriptsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcripts_emitted_total",
			Help: "Total number of full transcript events sent to clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SessionOpened records an accepted session and the new active count
func (m *Metrics) SessionOpened(active int) {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

// SessionClosed records a finished session
func (m *Metrics) SessionClosed(active int, durationSeconds float64) {
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected increments the refused connections counter
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameDropped increments the dropped frames counter
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordControlMessage increments the control message counter
func (m *Metrics) RecordControlMessage(msgType string) {
	m.ControlMessages.WithLabelValues(msgType).Inc()
}

// RecordVADFrame counts a classified frame and whether it was voiced
func (m *Metrics) RecordVADFrame(voiced bool) {
	m.VADFramesClassified.Inc()
	if voiced {
		m.VADVoicedFrames.Inc()
	}
}

// RecordSegmentFinalized records a finalized segment
func (m *Metrics) RecordSegmentFinalized(trigger string, durationSeconds float64, sizeBytes int) {
	m.SegmentsFinalized.WithLabelValues(trigger).Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordSegmentRejected increments the gate rejection counter
func (m *Metrics) RecordSegmentRejected(reason string) {
	m.SegmentsRejected.WithLabelValues(reason).Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptFiltered increments the filtered transcripts counter
func (m *Metrics) RecordTranscriptFiltered(pattern string) {
	m.TranscriptsFiltered.WithLabelValues(pattern).Inc()
}

// RecordTranscriptEmitted increments the emitted transcripts counter
func (m *Metrics) RecordTranscriptEmitted() {
	m.TranscriptsEmitted.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
