package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for key operations. One
// instance is created at startup and shared by the manager and the
// HTTP handlers.
type Metrics struct {
	Registry *prometheus.Registry

	KeysCreated      prometheus.Counter
	KeysDeleted      prometheus.Counter
	KeysReset        prometheus.Counter
	KeysActivated    prometheus.Counter
	ChecksTotal      *prometheus.CounterVec
	MirrorCallsTotal *prometheus.CounterVec
}

// NewMetrics builds and registers all instruments on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		KeysCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "keys_created_total",
			Help:      "Number of license keys created.",
		}),
		KeysDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "keys_deleted_total",
			Help:      "Number of license keys deleted administratively.",
		}),
		KeysReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "keys_reset_total",
			Help:      "Number of self-service key resets.",
		}),
		KeysActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "keys_activated_total",
			Help:      "Number of successful key activations.",
		}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "checks_total",
			Help:      "Key validity checks by result.",
		}, []string{"result"}),
		MirrorCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "mirror_calls_total",
			Help:      "Best-effort mirror calls by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.KeysCreated,
		m.KeysDeleted,
		m.KeysReset,
		m.KeysActivated,
		m.ChecksTotal,
		m.MirrorCallsTotal,
	)

	return m
}
