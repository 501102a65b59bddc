// Package metrics has prometheus metric definitions used by multiple packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crow_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // imap
			"variant", // login, plain
			"result",  // ok, badcreds, error, aborted
		},
	)

	metricAuthRatelimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crow_authentication_ratelimited_total",
			Help: "Authentication attempts refused due to rate limiting.",
		},
		[]string{
			"kind", // imap
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

func AuthenticationRatelimitedInc(kind string) {
	metricAuthRatelimited.WithLabelValues(kind).Inc()
}
