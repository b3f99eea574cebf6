package config

import (
	"github.com/marmos91/dittofat/pkg/device"
	"github.com/marmos91/dittofat/pkg/metrics"
	"github.com/marmos91/dittofat/pkg/txn"
	"github.com/marmos91/dittofat/pkg/volume"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// DeviceMetrics, QueueMetrics and VolumeMetrics are nil when disabled,
	// which selects each component's no-op implementation
	DeviceMetrics device.Metrics
	QueueMetrics  txn.Metrics
	VolumeMetrics volume.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled every field is nil.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		DeviceMetrics: metrics.NewDeviceMetrics(),
		QueueMetrics:  metrics.NewQueueMetrics(),
		VolumeMetrics: metrics.NewVolumeMetrics(),
	}
}
