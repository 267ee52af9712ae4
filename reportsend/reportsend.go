// Package reportsend runs the background loops that turn expired pending
// aggregates into outgoing report messages, and that purge stale rows.
//
// Per configured store, a sweeper wakes at the configured interval (with
// jitter), claims expired aggregates through the store's atomic take, renders
// them and hands them to the outbound queue. A separate purge loop removes
// rows past retention, also when report sending is disabled.
package reportsend

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/config"
	"github.com/mjl-/mailreport/metrics"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/queue"
	"github.com/mjl-/mailreport/reportstore"
)

var xlog = mlog.New("reportsend")

var (
	metricReport = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailreport_reportsend_report_total",
			Help: "Outgoing reports queued, per kind.",
		},
		[]string{"kind"},
	)
	metricReportError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailreport_reportsend_report_error_total",
			Help: "Failures composing or queueing outgoing reports.",
		},
	)
	metricPurge = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailreport_reportsend_purge_total",
			Help: "Rows removed by the purge task.",
		},
	)
)

var jitterRand = mailreport.NewPseudoRand()

// Time until the next sweep or purge, replaced by tests. Jitter so multiple
// processes sharing a store don't wake at the same moment.
var jitteredInterval = func(d time.Duration) time.Duration {
	return d/2 + time.Duration(jitterRand.Int63n(int64(d)))
}

// queueAdd is queue.Add, replaced by tests.
var queueAdd = func(ctx context.Context, log *mlog.Log, qm *queue.Msg, msgFile *os.File) error {
	return queue.Add(ctx, log, qm, msgFile)
}

type sender struct {
	name string
	db   reportstore.DB
	conf config.Store

	// Rendering can be administratively disabled; the purge loop still runs.
	renderEnabled bool
}

// Start opens all configured stores, registers them for event intake, and
// launches their sweeper and purge loops. The loops stop when the shutdown
// context is canceled.
func Start(renderEnabled bool) error {
	for name, sc := range mailreport.Conf.Stores {
		db, err := openStore(sc.Address)
		if err != nil {
			return fmt.Errorf("opening store %q: %v", name, err)
		}
		reportstore.Register(name, db)

		s := &sender{name: name, db: db, conf: sc, renderEnabled: renderEnabled}
		go s.sweepLoop(mailreport.Shutdown)
		go s.purgeLoop(mailreport.Shutdown)
	}
	return nil
}

// openStore resolves relative bolt paths against the data directory.
func openStore(address string) (reportstore.DB, error) {
	if path, ok := strings.CutPrefix(address, "bolt:"); ok {
		address = "bolt:" + mailreport.DataDirPath(path)
	}
	return reportstore.Open(address)
}

func (s *sender) sweepLoop(ctx context.Context) {
	log := xlog.Fields(mlog.Field("store", s.name))

	defer func() {
		// In case of panic don't take the whole program down.
		x := recover()
		if x != nil {
			log.Error("recover from panic", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Reportsend)
		}
	}()

	if !s.renderEnabled {
		log.Info("report sending disabled, not sweeping")
		return
	}

	timer := time.NewTimer(jitteredInterval(s.conf.SweepInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("report sweeper shutting down")
			return
		case <-timer.C:
		}

		clog := log.WithCid(mailreport.Cid())
		if err := s.sweep(ctx, clog); err != nil {
			clog.Errorx("sweeping expired aggregates", err)
			metricReportError.Inc()
		}
		timer.Reset(jitteredInterval(s.conf.SweepInterval))
	}
}

func (s *sender) purgeLoop(ctx context.Context) {
	log := xlog.Fields(mlog.Field("store", s.name))

	defer func() {
		x := recover()
		if x != nil {
			log.Error("recover from panic", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Reportsend)
		}
	}()

	timer := time.NewTimer(jitteredInterval(s.conf.PurgeInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("report purge task shutting down")
			return
		case <-timer.C:
		}

		clog := log.WithCid(mailreport.Cid())
		if err := s.purge(ctx, clog); err != nil {
			clog.Errorx("purging stale report rows", err)
		}
		timer.Reset(jitteredInterval(s.conf.PurgeInterval))
	}
}
