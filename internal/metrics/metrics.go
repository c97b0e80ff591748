// Package metrics holds the service's Prometheus collectors, exposed on
// /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts generated session tokens.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendmax_tokens_issued_total",
		Help: "Session tokens generated by admins.",
	})

	// Scans counts attendance scans by outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendmax_scans_total",
		Help: "Attendance scans grouped by outcome.",
	}, []string{"outcome"})

	// SweepEvictions counts tokens evicted by the expiry sweeper.
	SweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendmax_sweep_evictions_total",
		Help: "Expired tokens evicted by the background sweeper.",
	})
)

// RegisterLiveTokens exposes the current number of live tokens as a gauge.
func RegisterLiveTokens(count func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "attendmax_live_tokens",
		Help: "Session tokens currently scannable.",
	}, count)
}
