// Package metrics exposes operator-visibility counters and gauges for
// a node's 2PC activity, built on prometheus/client_golang (see
// SPEC_FULL.md section 8).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the gauges/counters a single node registers. Tests
// and nodes sharing a process each get their own registry so they
// don't collide on metric names.
type Metrics struct {
	Registry *prometheus.Registry

	RoundsTotal    *prometheus.CounterVec
	CommittedVersion prometheus.Gauge
	VoteLatency    prometheus.Histogram
}

// New creates a fresh, independently-registered Metrics bundle for
// node nodeID.
func New(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "canary2pc",
			Name:        "rounds_total",
			Help:        "Number of 2PC rounds driven by this coordinator, by outcome.",
			ConstLabels: prometheus.Labels{"node": nodeID},
		}, []string{"outcome"}),
		CommittedVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "canary2pc",
			Name:        "committed_version",
			Help:        "Version of the last committed state served by this node.",
			ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		VoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "canary2pc",
			Name:        "vote_collection_seconds",
			Help:        "Time spent collecting votes for a round before deciding.",
			ConstLabels: prometheus.Labels{"node": nodeID},
			Buckets:     prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.RoundsTotal, m.CommittedVersion, m.VoteLatency)
	return m
}
