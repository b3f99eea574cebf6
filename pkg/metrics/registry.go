// Package metrics implements the Metrics interfaces of the device, txn and
// volume packages on top of Prometheus.
//
// Collection is opt-in. Until InitRegistry is called every exported
// constructor returns nil, which each consumer treats as "use the no-op
// observer":
//
//	metrics.InitRegistry()
//	dev = device.NewInstrumented(dev, metrics.NewDeviceMetrics())
//	fsys, err := fatfs.Mount(ctx, dev, fatfs.Options{
//	    QueueMetrics:  metrics.NewQueueMetrics(),
//	    VolumeMetrics: metrics.NewVolumeMetrics(),
//	})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dittofat"

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors attached. Later calls are no-ops.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
}

// GetRegistry returns the process-wide registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
