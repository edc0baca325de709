package cqlpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by the pools of one driver instance. Series are labelled by node address.
type Metrics struct {
	slots           *prometheus.GaugeVec
	healthySlots    *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
}

// NewMetrics creates pool metrics and registers them on reg. Nothing is registered when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		slots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cqlpool",
			Subsystem: "pool",
			Name:      "slots",
			Help:      "Number of connection slots of the node pool.",
		}, []string{"node"}),
		healthySlots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cqlpool",
			Subsystem: "pool",
			Name:      "healthy_slots",
			Help:      "Number of connection slots holding a live connection.",
		}, []string{"node"}),
		connectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Subsystem: "pool",
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts.",
		}, []string{"node"}),
		connectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Subsystem: "pool",
			Name:      "connect_failures_total",
			Help:      "Total number of failed connection attempts.",
		}, []string{"node"}),
	}
}

// nodeMetrics are the series of one node. All methods are no-ops on nil.
type nodeMetrics struct {
	slots           prometheus.Gauge
	healthySlots    prometheus.Gauge
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter

	m    *Metrics
	node string
}

func (m *Metrics) forNode(node string) *nodeMetrics {
	if m == nil {
		return nil
	}

	return &nodeMetrics{
		slots:           m.slots.WithLabelValues(node),
		healthySlots:    m.healthySlots.WithLabelValues(node),
		connectAttempts: m.connectAttempts.WithLabelValues(node),
		connectFailures: m.connectFailures.WithLabelValues(node),
		m:               m,
		node:            node,
	}
}

func (nm *nodeMetrics) setHealth(h PoolHealth) {
	if nm == nil {
		return
	}
	nm.slots.Set(float64(h.Total))
	nm.healthySlots.Set(float64(h.Healthy))
}

func (nm *nodeMetrics) connectAttempt() {
	if nm == nil {
		return
	}
	nm.connectAttempts.Inc()
}

func (nm *nodeMetrics) connectFailure() {
	if nm == nil {
		return
	}
	nm.connectFailures.Inc()
}

// forget removes the gauges of a closed pool.
func (nm *nodeMetrics) forget() {
	if nm == nil {
		return
	}
	nm.m.slots.DeleteLabelValues(nm.node)
	nm.m.healthySlots.DeleteLabelValues(nm.node)
}
