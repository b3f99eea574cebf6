package metrics

import (
	"time"

	"github.com/marmos91/dittofat/pkg/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// deviceMetrics is the Prometheus implementation of device.Metrics.
type deviceMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	sectors    *prometheus.CounterVec
}

// NewDeviceMetrics creates a Prometheus-backed device.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes device.NewInstrumented fall back to its no-op implementation.
func NewDeviceMetrics() device.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newDeviceMetrics(GetRegistry())
}

func newDeviceMetrics(reg prometheus.Registerer) *deviceMetrics {
	return &deviceMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittofat_device_operations_total",
				Help: "Total number of block device calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittofat_device_operation_duration_seconds",
				Help: "Duration of block device calls in seconds",
				Buckets: []float64{
					0.00001, // 10µs
					0.0001,  // 100µs
					0.001,   // 1ms
					0.01,    // 10ms
					0.1,     // 100ms
					1,       // 1s
				},
			},
			[]string{"operation"},
		),
		sectors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittofat_device_sectors_total",
				Help: "Total number of sectors transferred by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *deviceMetrics) ObserveOperation(op string, sectors int, duration time.Duration, err error) {
	m.operations.WithLabelValues(op, statusLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err == nil && sectors > 0 {
		m.sectors.WithLabelValues(op).Add(float64(sectors))
	}
}
