package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crow_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

func PanicInc(pkg string) {
	metricPanics.WithLabelValues(pkg).Inc()
}
