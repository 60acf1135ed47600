// Package metrics exposes the service's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salonreach"

var (
	// MessagesTotal counts resolved campaign messages by final status
	// (sent, unconfirmed, failed). Unconfirmed messages are also counted as sent.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Campaign messages by final status.",
	}, []string{"status"})

	SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_attempts_total",
		Help:      "Individual delivery attempts by result.",
	}, []string{"result"})

	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_attempt_seconds",
		Help:      "Duration of one delivery attempt in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 60},
	})

	CampaignsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "campaigns_total",
		Help:      "Campaign requests by outcome (success, partial, rejected).",
	}, []string{"outcome"})

	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "1 for the current automation session state, 0 otherwise.",
	}, []string{"state"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Control API requests by route and status code.",
	}, []string{"route", "code"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by tier.",
	}, []string{"tier"})
)

// SetSessionState marks current as the active state among all.
func SetSessionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// Handler renders the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
