// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "codestream",
	Subsystem: "store",
	Name:      "ops_total",
}, []string{"backend", "op", "result"})

var StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "codestream",
	Subsystem: "store",
	Name:      "op_duration_seconds",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"backend", "op"})

var ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "codestream",
	Subsystem: "proxy",
	Name:      "requests_total",
}, []string{"endpoint", "outcome"})

var DebounceFires = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "codestream",
	Subsystem: "coalesce",
	Name:      "debounce_fires_total",
})

var ThrottleDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "codestream",
	Subsystem: "coalesce",
	Name:      "throttle_dropped_total",
})

var ReconcileOrphans = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "codestream",
	Subsystem: "reconcile",
	Name:      "orphans_deleted_total",
})

var registerOnce sync.Once

// Register adds all collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			StoreOps,
			StoreOpDuration,
			ProxyRequests,
			DebounceFires,
			ThrottleDropped,
			ReconcileOrphans,
		)
	})
}
