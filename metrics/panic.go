package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailreport_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Packages for which we count panics.
const (
	Reporting  = "reporting"
	Reportsend = "reportsend"
	Throttle   = "throttle"
)

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
