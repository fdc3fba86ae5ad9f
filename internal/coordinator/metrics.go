package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests   *prometheus.CounterVec
	executions *prometheus.CounterVec
	inFlight   prometheus.Gauge
	duration   prometheus.Histogram
}

// newMetrics registers the coordinator collectors on reg. A nil reg yields
// working but unregistered collectors. Coordinators sharing a registry share
// its collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeguard_idempotency_requests_total",
			Help: "Keyed requests by how the key resolved: new, replay or conflict",
		}, []string{"outcome"})),
		executions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeguard_operation_executions_total",
			Help: "Guarded operations executed, labeled by result",
		}, []string{"result"})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeguard_operations_in_flight",
			Help: "Keys currently PROCESSING in this coordinator",
		})),
		duration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chargeguard_operation_duration_seconds",
			Help:    "Latency of guarded operations from reservation to finalization",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		})),
	}
}

// register adds c to reg, returning the collector already registered under the
// same descriptor instead of panicking on a duplicate.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
