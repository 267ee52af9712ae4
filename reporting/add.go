package reporting

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/throttle"
)

var xlog = mlog.New("reporting")

var metricEvent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailreport_reporting_event_total",
		Help: "Events processed, per kind and outcome.",
	},
	[]string{"kind", "result"}, // Result: aggregated, immediate, dropped, throttled, error.
)

// Add processes a single event: routes it, consults the throttle gate, and
// either merges it into a pending aggregate or renders and enqueues an
// immediate report.
//
// Errors are returned for operational visibility; the triggering session
// should log them and continue, never abort.
func Add(ctx context.Context, e Event) error {
	log := xlog.WithContext(ctx)

	d := Route(e)
	if d.Dropped() {
		log.Debug("event dropped", mlog.Field("kind", e.Kind), mlog.Field("domain", e.PolicyDomain), mlog.Field("reason", d.Reason))
		metricEvent.WithLabelValues(string(e.Kind), "dropped").Inc()
		return nil
	}

	db, err := reportstore.Lookup(d.Kind.Store)
	if err != nil {
		metricEvent.WithLabelValues(string(e.Kind), "error").Inc()
		return err
	}

	rate, err := d.Kind.ResolveRate(e.Vars())
	if err != nil {
		metricEvent.WithLabelValues(string(e.Kind), "error").Inc()
		return fmt.Errorf("resolving throttle rate: %v", err)
	}

	if d.Immediate {
		return addImmediate(ctx, log, db, e, d, rate)
	}

	if !throttle.Allow(ctx, log, db, e.Kind, e.PolicyDomain, rate) {
		metricEvent.WithLabelValues(string(e.Kind), "throttled").Inc()
		return nil
	}
	err = Merge(ctx, log, db, d.Key, e.Record(), e.Snapshot(d.Destinations), d.Interval, d.Aggregate.MaxRecords)
	if err != nil {
		metricEvent.WithLabelValues(string(e.Kind), "error").Inc()
		return fmt.Errorf("merging event into aggregate: %v", err)
	}
	metricEvent.WithLabelValues(string(e.Kind), "aggregated").Inc()
	return nil
}
