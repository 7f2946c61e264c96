package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	gatherer prometheus.Gatherer

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	DataChannels    prometheus.Counter

	// Pipeline metrics
	ActivePipelines  prometheus.Gauge
	PipelinesStarted prometheus.Counter
	FramesReceived   prometheus.Counter
	StreamErrors     prometheus.Counter
	AnalysisDuration prometheus.Histogram
	Detections       prometheus.Counter
	EncodeDrops      prometheus.Counter
	Rebinds          prometheus.Counter

	// Side-channel metrics
	ResultsSent  *prometheus.CounterVec
	PayloadBytes prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		gatherer: reg,

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "landmarkrtc_active_sessions",
			Help: "Number of currently open peer sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_sessions_created_total",
			Help: "Total number of peer sessions created",
		}),
		SessionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "landmarkrtc_sessions_closed_total",
				Help: "Total number of peer sessions closed",
			},
			[]string{"reason"},
		),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "landmarkrtc_session_duration_seconds",
			Help:    "Duration of peer sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),
		DataChannels: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_datachannels_total",
			Help: "Total number of data channels opened by peers",
		}),

		// Pipeline metrics
		ActivePipelines: f.NewGauge(prometheus.GaugeOpts{
			Name: "landmarkrtc_active_pipelines",
			Help: "Number of running frame pipelines",
		}),
		PipelinesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_pipelines_started_total",
			Help: "Total number of frame pipelines started",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_frames_received_total",
			Help: "Total number of decoded frames read by pipelines",
		}),
		StreamErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_stream_errors_total",
			Help: "Total number of transient frame read errors",
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "landmarkrtc_analysis_duration_seconds",
			Help:    "Duration of per-frame analysis calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),
		Detections: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_detections_total",
			Help: "Total number of frames with a detection",
		}),
		EncodeDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_encode_drops_total",
			Help: "Total number of detections dropped because too few landmarks were reported",
		}),
		Rebinds: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_channel_rebinds_total",
			Help: "Total number of times a pipeline picked up a new data channel",
		}),

		// Side-channel metrics
		ResultsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "landmarkrtc_results_total",
				Help: "Total number of encoded results by send outcome",
			},
			[]string{"outcome"},
		),
		PayloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "landmarkrtc_payload_bytes_total",
			Help: "Total bytes handed to data channels",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "landmarkrtc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "landmarkrtc_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session being created
func (m *Metrics) RecordSessionStart() {
	m.ActiveSessions.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionStop records a session closing
func (m *Metrics) RecordSessionStop(reason string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordDataChannel records a data channel opened by a peer
func (m *Metrics) RecordDataChannel() {
	m.DataChannels.Inc()
}

// RecordPipelineStart records a pipeline starting
func (m *Metrics) RecordPipelineStart() {
	m.ActivePipelines.Inc()
	m.PipelinesStarted.Inc()
}

// RecordPipelineStop records a pipeline stopping
func (m *Metrics) RecordPipelineStop() {
	m.ActivePipelines.Dec()
}

// RecordFrame records a frame read by a pipeline
func (m *Metrics) RecordFrame() {
	m.FramesReceived.Inc()
}

// RecordStreamError records a transient read error
func (m *Metrics) RecordStreamError() {
	m.StreamErrors.Inc()
}

// RecordAnalysis records one analysis call
func (m *Metrics) RecordAnalysis(durationSeconds float64, detected bool) {
	m.AnalysisDuration.Observe(durationSeconds)
	if detected {
		m.Detections.Inc()
	}
}

// RecordEncodeDrop records a detection that could not be encoded
func (m *Metrics) RecordEncodeDrop() {
	m.EncodeDrops.Inc()
}

// RecordRebind records a pipeline switching to a new data channel
func (m *Metrics) RecordRebind() {
	m.Rebinds.Inc()
}

// RecordSend records the outcome of one send attempt
func (m *Metrics) RecordSend(outcome string, bytes int) {
	m.ResultsSent.WithLabelValues(outcome).Inc()
	if outcome == "sent" {
		m.PayloadBytes.Add(float64(bytes))
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
