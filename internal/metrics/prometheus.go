package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the relay. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	UploadsStarted prometheus.Counter
	ActiveUploads  prometheus.Gauge
	UploadErrors   prometheus.Counter
	ChunksReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	ChunksRelayed  prometheus.Counter

	ActiveListeners prometheus.Gauge

	WordSpans  *prometheus.CounterVec
	Deliveries *prometheus.CounterVec
	Presence   *prometheus.CounterVec
	Dropped    *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UploadsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "badge_relay_uploads_started_total",
			Help: "Total number of audio uploads started",
		}),
		ActiveUploads: f.NewGauge(prometheus.GaugeOpts{
			Name: "badge_relay_active_uploads",
			Help: "Current number of uploads in progress",
		}),
		UploadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "badge_relay_upload_errors_total",
			Help: "Total number of uploads ended by a transport error",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "badge_relay_chunks_received_total",
			Help: "Total number of audio chunks received from uploads",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "badge_relay_bytes_received_total",
			Help: "Total number of audio bytes received from uploads",
		}),
		ChunksRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "badge_relay_chunks_relayed_total",
			Help: "Total number of chunk copies pushed onto listener queues",
		}),
		ActiveListeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "badge_relay_active_listeners",
			Help: "Current number of open listening streams",
		}),
		WordSpans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_relay_word_spans_total",
			Help: "Total number of word spans produced, by reason",
		}, []string{"reason"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_relay_transcription_deliveries_total",
			Help: "Total number of transcription deliveries, by result",
		}, []string{"result"}),
		Presence: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_relay_presence_notifications_total",
			Help: "Total number of poke/unpoke notifications, by kind and result",
		}, []string{"kind", "result"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_relay_dropped_jobs_total",
			Help: "Total number of jobs dropped because a work queue was full",
		}, []string{"queue"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badge_relay_http_requests_total",
			Help: "Total number of HTTP requests, by method, path and status",
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) UploadStarted() {
	if m == nil {
		return
	}
	m.UploadsStarted.Inc()
	m.ActiveUploads.Inc()
}

func (m *Metrics) UploadEnded(failed bool) {
	if m == nil {
		return
	}
	m.ActiveUploads.Dec()
	if failed {
		m.UploadErrors.Inc()
	}
}

func (m *Metrics) ChunkReceived(size int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

func (m *Metrics) ChunkRelayed(copies int) {
	if m == nil || copies == 0 {
		return
	}
	m.ChunksRelayed.Add(float64(copies))
}

func (m *Metrics) ListenerStarted() {
	if m == nil {
		return
	}
	m.ActiveListeners.Inc()
}

func (m *Metrics) ListenerStopped() {
	if m == nil {
		return
	}
	m.ActiveListeners.Dec()
}

func (m *Metrics) WordSpan(reason string) {
	if m == nil {
		return
	}
	m.WordSpans.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.Presence.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Drop(queue string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(queue).Inc()
}

func (m *Metrics) HTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}
