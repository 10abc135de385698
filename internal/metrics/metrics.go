// Package metrics registers the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server-wide counters. One instance per process,
// registered against its own registry so tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	TokensIssued      *prometheus.CounterVec
	RefreshReplays    prometheus.Counter
	RateLimitDenied   *prometheus.CounterVec
	AuditWriteFailure prometheus.Counter
	LoginFailures     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identra_tokens_issued_total",
			Help: "Access tokens issued, by grant type.",
		}, []string{"grant_type"}),
		RefreshReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "identra_refresh_replays_total",
			Help: "Refresh token replays detected; each revokes a token family.",
		}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identra_rate_limit_denied_total",
			Help: "Requests rejected by the token-bucket rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		AuditWriteFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "identra_audit_write_failures_total",
			Help: "Audit rows that could not be persisted and fell back to the log.",
		}),
		LoginFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "identra_login_failures_total",
			Help: "Failed password or MFA verifications.",
		}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
