package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus metrics for the fan-out engine.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec   // labels: organization
	FramesDelivered   *prometheus.CounterVec // labels: event
	PushFailures      *prometheus.CounterVec // labels: path
	Evictions         *prometheus.CounterVec // labels: reason
}
