package metrics

import (
	"time"

	"github.com/marmos91/dittofat/pkg/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueMetrics is the Prometheus implementation of txn.Metrics.
type queueMetrics struct {
	transactions *prometheus.CounterVec
	waitDuration prometheus.Histogram
	holdDuration prometheus.Histogram
	pending      prometheus.Gauge
}

// NewQueueMetrics creates a Prometheus-backed txn.Metrics.
//
// Returns nil if metrics are not enabled, which makes txn.New fall back to
// its no-op implementation.
func NewQueueMetrics() txn.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newQueueMetrics(GetRegistry())
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	buckets := []float64{
		0.0001, // 100µs
		0.001,  // 1ms
		0.01,   // 10ms
		0.1,    // 100ms
		1,      // 1s
		10,     // 10s
	}
	return &queueMetrics{
		transactions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittofat_queue_transactions_total",
				Help: "Total number of top-level filesystem transactions by status",
			},
			[]string{"status"},
		),
		waitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittofat_queue_wait_duration_seconds",
				Help:    "Time transactions spent queued behind earlier ones",
				Buckets: buckets,
			},
		),
		holdDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittofat_queue_hold_duration_seconds",
				Help:    "Time transactions held the queue",
				Buckets: buckets,
			},
		),
		pending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittofat_queue_pending",
				Help: "Current number of transactions waiting for the queue",
			},
		),
	}
}

func (m *queueMetrics) ObserveTransaction(wait, hold time.Duration, err error) {
	m.transactions.WithLabelValues(statusLabel(err)).Inc()
	m.waitDuration.Observe(wait.Seconds())
	m.holdDuration.Observe(hold.Seconds())
}

func (m *queueMetrics) SetPending(n int) {
	m.pending.Set(float64(n))
}
