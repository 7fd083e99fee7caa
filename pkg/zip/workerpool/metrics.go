package workerpool

import "github.com/prometheus/client_golang/prometheus"

// poolMetrics mirrors bb-storage's convention (see pkg/blobstore's
// various metrics.go files) of a handful of lazily-registered gauges
// per component instance, named bb_zip_workerpool_<name>.
type poolMetrics struct {
	leased    prometheus.Gauge
	idle      prometheus.Gauge
	destroyed prometheus.Counter
}

func newPoolMetrics(instanceName string) *poolMetrics {
	constLabels := prometheus.Labels{}
	if instanceName != "" {
		constLabels["pool"] = instanceName
	}
	m := &poolMetrics{
		leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bb_zip",
			Subsystem:   "workerpool",
			Name:        "leased_workers",
			Help:        "Number of workers currently leased out for codec jobs.",
			ConstLabels: constLabels,
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bb_zip",
			Subsystem:   "workerpool",
			Name:        "idle_workers",
			Help:        "Number of workers sitting idle, awaiting recycling or eviction.",
			ConstLabels: constLabels,
		}),
		destroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bb_zip",
			Subsystem:   "workerpool",
			Name:        "destroyed_workers_total",
			Help:        "Total number of workers destroyed, either through idle eviction or cancellation.",
			ConstLabels: constLabels,
		}),
	}
	prometheus.MustRegister(m.leased, m.idle, m.destroyed)
	return m
}
