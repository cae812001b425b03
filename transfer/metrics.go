package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks transfer requests. A nil *Metrics records nothing.
type Metrics struct {
	// AttemptsTotal counts requests by operation and outcome ("success", "retry", "failed").
	AttemptsTotal *prometheus.CounterVec

	// BytesTotal counts the content bytes of successful requests by operation.
	BytesTotal *prometheus.CounterVec

	// PartsReusedTotal counts large file parts taken over from an unfinished upload.
	PartsReusedTotal prometheus.Counter
}

// NewMetrics creates the transfer metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "objtransfer_attempts_total",
				Help: "Upload and copy attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "objtransfer_bytes_total",
				Help: "Bytes transferred by successful requests",
			},
			[]string{"operation"},
		),
		PartsReusedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "objtransfer_parts_reused_total",
				Help: "Large file parts reused from an unfinished upload",
			},
		),
	}

	reg.MustRegister(m.AttemptsTotal, m.BytesTotal, m.PartsReusedTotal)

	return m
}

// RecordAttempt ...
func (m *Metrics) RecordAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBytes ...
func (m *Metrics) RecordBytes(operation string, n int64) {
	if m == nil {
		return
	}
	m.BytesTotal.WithLabelValues(operation).Add(float64(n))
}

// RecordReusedParts ...
func (m *Metrics) RecordReusedParts(n int) {
	if m == nil {
		return
	}
	m.PartsReusedTotal.Add(float64(n))
}
