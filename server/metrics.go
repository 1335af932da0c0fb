package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the protocol counters exposed at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	Logins             *prometheus.CounterVec
	CodesIssued        prometheus.Counter
	TokensIssued       *prometheus.CounterVec
	RefreshReplays     prometheus.Counter
	Revocations        prometheus.Counter
	ValidationFailures *prometheus.CounterVec
}

// NewMetrics registers the counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ssod_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		CodesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "ssod_authorization_codes_issued_total",
			Help: "Authorization codes issued.",
		}),
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ssod_tokens_issued_total",
			Help: "Token pairs issued by grant type.",
		}, []string{"grant"}),
		RefreshReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "ssod_refresh_replays_total",
			Help: "Superseded refresh tokens replayed (families revoked).",
		}),
		Revocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ssod_revocations_total",
			Help: "Explicit token revocations.",
		}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ssod_validation_failures_total",
			Help: "Access token validation failures by reason.",
		}, []string{"reason"}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
