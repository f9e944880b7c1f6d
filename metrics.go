package tamperlog

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by SecureLogger and
// ReferenceServer. A nil *Metrics records nothing.
type Metrics struct {
	appendsTotal        prometheus.Counter
	appendFailuresTotal prometheus.Counter
	appendBytes         prometheus.Histogram
	checkpointsTotal    prometheus.Counter
	tamperTotal         prometheus.Counter
	recoveriesTotal     prometheus.Counter
	referenceRequests   *prometheus.CounterVec
}

// NewMetrics registers the tamperlog collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tamperlog_appends_total",
			Help: "Total number of message records durably appended",
		}),
		appendFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tamperlog_append_failures_total",
			Help: "Total number of appends rolled back after an I/O failure",
		}),
		appendBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tamperlog_append_bytes",
			Help:    "Size of appended record frames in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		checkpointsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tamperlog_checkpoints_total",
			Help: "Total number of signed checkpoints written at close",
		}),
		tamperTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tamperlog_tamper_detected_total",
			Help: "Total number of opens or audits that detected tampering",
		}),
		recoveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tamperlog_reference_recoveries_total",
			Help: "Total number of trusted references rewritten after an interrupted close",
		}),
		referenceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tamperlog_reference_requests_total",
			Help: "Reference server requests by method and status code",
		}, []string{"method", "code"}),
	}
}

func (m *Metrics) appended(frameLen int) {
	if m == nil {
		return
	}
	m.appendsTotal.Inc()
	m.appendBytes.Observe(float64(frameLen))
}

func (m *Metrics) appendFailed() {
	if m != nil {
		m.appendFailuresTotal.Inc()
	}
}

func (m *Metrics) checkpointed() {
	if m != nil {
		m.checkpointsTotal.Inc()
	}
}

func (m *Metrics) tamperDetected() {
	if m != nil {
		m.tamperTotal.Inc()
	}
}

func (m *Metrics) recovered() {
	if m != nil {
		m.recoveriesTotal.Inc()
	}
}

func (m *Metrics) referenceRequest(method string, code int) {
	if m != nil {
		m.referenceRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
}

// discardLogger is the default when no *slog.Logger is supplied.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
