// Package telemetry holds the prometheus collectors for the auth core.
// Collectors are constructed and injected, never package-level, so each
// test can own an isolated registry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the auth-core collectors.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions tracks live sessions. Incremented on create,
	// decremented only by session cleanup and explicit termination.
	ActiveSessions prometheus.Gauge

	// Revocations counts revocation writes by scope.
	Revocations *prometheus.CounterVec

	// ReuseDetected counts confirmed refresh-token reuse events.
	ReuseDetected prometheus.Counter

	// TokenValidationFailures counts validation rejections by kind.
	TokenValidationFailures *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authcore",
			Name:      "active_sessions",
			Help:      "Number of live sessions in the store.",
		}),
		Revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "revocations_total",
			Help:      "Revocation writes by scope.",
		}, []string{"scope"}),
		ReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "refresh_reuse_detected_total",
			Help:      "Confirmed refresh-token reuse events.",
		}),
		TokenValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authcore",
			Name:      "token_validation_failures_total",
			Help:      "Token validation rejections by error kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.ActiveSessions,
		m.Revocations,
		m.ReuseDetected,
		m.TokenValidationFailures,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
