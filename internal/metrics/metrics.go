// Package metrics holds the Prometheus collectors of the sharing daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	GrantsIssued       *prometheus.CounterVec
	GrantsRevoked      *prometheus.CounterVec
	GrantsExpired      prometheus.Counter
	AccessDecisions    *prometheus.CounterVec
	Rotations          *prometheus.CounterVec
	RotationDuration   prometheus.Histogram
	RotationGrants     prometheus.Histogram
	RotationOverBudget prometheus.Counter
	UnlockedOwners     prometheus.Gauge
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GrantsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viewkeys_grants_issued_total",
			Help: "Total number of access grants issued, by delegation depth",
		}, []string{"depth"}),
		GrantsRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viewkeys_grants_revoked_total",
			Help: "Total number of access grants revoked, by mode",
		}, []string{"mode"}),
		GrantsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "viewkeys_grants_expired_total",
			Help: "Total number of grants marked expired by the sweeper",
		}),
		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viewkeys_access_decisions_total",
			Help: "Total number of access checks, by outcome",
		}, []string{"outcome"}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viewkeys_rotations_total",
			Help: "Total number of sharing-key rotations, by outcome",
		}, []string{"outcome"}),
		RotationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewkeys_rotation_duration_seconds",
			Help:    "Wall time of sharing-key rotations",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		RotationGrants: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewkeys_rotation_grants",
			Help:    "Number of grants re-keyed per rotation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RotationOverBudget: f.NewCounter(prometheus.CounterOpts{
			Name: "viewkeys_rotation_over_budget_total",
			Help: "Total number of rotations that exceeded their time budget",
		}),
		UnlockedOwners: f.NewGauge(prometheus.GaugeOpts{
			Name: "viewkeys_unlocked_owners",
			Help: "Current number of owners with an unlocked root secret",
		}),
	}
}

// ObserveRotation records one finished rotation.
func (m *Metrics) ObserveRotation(outcome string, elapsed time.Duration, grants int, overBudget bool) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
	m.RotationDuration.Observe(elapsed.Seconds())
	m.RotationGrants.Observe(float64(grants))
	if overBudget {
		m.RotationOverBudget.Inc()
	}
}

func (m *Metrics) IncrementDecision(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.AccessDecisions.WithLabelValues("allowed").Inc()
		return
	}
	m.AccessDecisions.WithLabelValues("denied").Inc()
}

func (m *Metrics) IncrementIssued(depth string) {
	if m == nil {
		return
	}
	m.GrantsIssued.WithLabelValues(depth).Inc()
}

func (m *Metrics) IncrementRevoked(mode string) {
	if m == nil {
		return
	}
	m.GrantsRevoked.WithLabelValues(mode).Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil {
		return
	}
	m.GrantsExpired.Add(float64(n))
}

func (m *Metrics) SetUnlocked(n int) {
	if m == nil {
		return
	}
	m.UnlockedOwners.Set(float64(n))
}
