package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
)

var (
	TokenExchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthlink_token_exchanges_total",
		Help: "Total number of authorization code exchanges by provider and result.",
	}, []string{"provider", "result"})
	TokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthlink_token_refreshes_total",
		Help: "Total number of refresh attempts by provider and result.",
	}, []string{"provider", "result"})
	AccountsDisconnectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthlink_accounts_disconnected_total",
		Help: "Total number of accounts marked disconnected after a permanent refresh failure.",
	}, []string{"provider"})
	InvalidStateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oauthlink_invalid_state_total",
		Help: "Total number of callbacks rejected for an invalid, expired or replayed state.",
	})
	SweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthlink_sweeps_total",
		Help: "Total number of validation sweeps by kind.",
	}, []string{"kind"})
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oauthlink_sweep_duration_seconds",
		Help:    "Duration of validation sweeps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// InitCustomMetrics registers the collectors. It should be called once at
// application startup; unregistered collectors still count but are not exported.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}
	for name, c := range map[string]prometheus.Collector{
		"TokenExchangesTotal":       TokenExchangesTotal,
		"TokenRefreshesTotal":       TokenRefreshesTotal,
		"AccountsDisconnectedTotal": AccountsDisconnectedTotal,
		"InvalidStateTotal":         InvalidStateTotal,
		"SweepsTotal":               SweepsTotal,
		"SweepDuration":             SweepDuration,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
