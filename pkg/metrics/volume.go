package metrics

import (
	"errors"
	"time"

	"github.com/marmos91/dittofat/pkg/fserr"
	"github.com/marmos91/dittofat/pkg/volume"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// volumeMetrics is the Prometheus implementation of volume.Metrics.
type volumeMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	exhausted  prometheus.Counter
}

// NewVolumeMetrics creates a Prometheus-backed volume.Metrics.
//
// Returns nil if metrics are not enabled, which makes volume.Mount fall back
// to its no-op implementation.
func NewVolumeMetrics() volume.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newVolumeMetrics(GetRegistry())
}

func newVolumeMetrics(reg prometheus.Registerer) *volumeMetrics {
	return &volumeMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittofat_fat_operations_total",
				Help: "Total number of FAT entry operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittofat_fat_operation_duration_seconds",
				Help: "Duration of FAT entry operations in seconds",
				Buckets: []float64{
					0.00001, // 10µs
					0.0001,  // 100µs
					0.001,   // 1ms
					0.01,    // 10ms
					0.1,     // 100ms
				},
			},
			[]string{"operation"},
		),
		exhausted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittofat_fat_allocation_exhausted_total",
				Help: "Total number of cluster allocations that found the volume full",
			},
		),
	}
}

func (m *volumeMetrics) ObserveFATOperation(op string, duration time.Duration, err error) {
	m.operations.WithLabelValues(op, statusLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
	if errors.Is(err, fserr.NOSPC) {
		m.exhausted.Inc()
	}
}
