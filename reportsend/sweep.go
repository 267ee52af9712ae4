package reportsend

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/config"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
)

// Pacing between outgoing reports in one sweep, replaced by tests. Reports
// are spread out so an interval boundary doesn't cause a burst of outgoing
// mail.
var paceInterval = func(n int, sweep time.Duration) time.Duration {
	if n == 0 {
		return 0
	}
	between := sweep / 2 / time.Duration(n)
	if between > 5*time.Minute {
		between = 5 * time.Minute
	}
	return between
}

// sweep runs one cycle: scan for expired aggregates in key order, claim each
// through an atomic take so concurrent sweepers render it at most once, and
// render and enqueue. A transient failure puts the aggregate back with a
// retry delay, bounded by the configured maximum attempts.
func (s *sender) sweep(ctx context.Context, log *mlog.Log) error {
	now := time.Now()

	// The scan itself is retried with backoff when the store is unavailable.
	var candidates []string
	scan := func() error {
		candidates = candidates[:0]
		return s.db.RangeScan(ctx, reportstore.AggPrefix(""), func(key string, value []byte) (bool, error) {
			a, err := reportstore.DecodeAggregate(value)
			if err != nil {
				log.Errorx("skipping undecodable pending aggregate", err, mlog.Field("key", key))
				return true, nil
			}
			if !a.Expires.After(now) {
				candidates = append(candidates, key)
			}
			return true, nil
		})
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(scan, bo); err != nil {
		return fmt.Errorf("scanning for expired aggregates: %v", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	log.Debug("expired aggregates to send", mlog.Field("count", len(candidates)))

	limiter := rate.NewLimiter(rate.Every(paceInterval(len(candidates), s.conf.SweepInterval)), 1)
	for _, key := range candidates {
		if ctx.Err() != nil {
			// Shutdown drains the cycle without claiming new work.
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		// Claim. Exactly one of possibly multiple sweepers gets the value.
		v, err := s.db.AtomicTake(ctx, key)
		if err == reportstore.ErrAbsent {
			continue
		} else if err != nil {
			log.Errorx("claiming expired aggregate", err, mlog.Field("key", key))
			metricReportError.Inc()
			continue
		}
		a, err := reportstore.DecodeAggregate(v)
		if err != nil {
			log.Errorx("dropping claimed undecodable aggregate", err, mlog.Field("key", key))
			metricReportError.Inc()
			continue
		}

		if a.OnlyOptional() {
			log.Debug("dropping aggregate with only informational records", mlog.Field("key", key))
			continue
		}

		rlog := log.WithCid(mailreport.Cid()).Fields(mlog.Field("kind", a.Kind), mlog.Field("domain", a.Domain))
		if err := s.render(ctx, rlog, a); err != nil {
			rlog.Errorx("rendering aggregate report", err)
			metricReportError.Inc()
			s.requeue(ctx, rlog, a)
			continue
		}
		metricReport.WithLabelValues(string(a.Kind)).Inc()
	}
	return nil
}

func (s *sender) kindConfig(kind reportstore.Kind) (config.AggregateKind, error) {
	switch kind {
	case reportstore.DMARC:
		return mailreport.Conf.DMARC, nil
	case reportstore.TLSRPT:
		return mailreport.Conf.TLSRPT, nil
	}
	return config.AggregateKind{}, fmt.Errorf("no aggregate configuration for kind %q", kind)
}

func (s *sender) render(ctx context.Context, log *mlog.Log, a reportstore.Aggregate) error {
	switch a.Kind {
	case reportstore.DMARC:
		return s.sendDMARC(ctx, log, a)
	case reportstore.TLSRPT:
		return s.sendTLSRPT(ctx, log, a)
	}
	return fmt.Errorf("unknown aggregate kind %q", a.Kind)
}

// requeue puts a claimed aggregate back after a transient failure, with a
// delayed expiry so the next sweeps retry it, until the attempt limit. Late
// events for the same bucket start a fresh aggregate once this one has been
// claimed; a possible second small report is preferred over losing records.
func (s *sender) requeue(ctx context.Context, log *mlog.Log, a reportstore.Aggregate) {
	kc, err := s.kindConfig(a.Kind)
	if err != nil {
		log.Errorx("dropping unroutable aggregate", err)
		return
	}
	a.Attempts++
	if a.Attempts >= kc.MaxAttempts {
		log.Error("dropping aggregate report after repeated failures", mlog.Field("attempts", a.Attempts))
		return
	}
	a.Expires = time.Now().Add(retryDelay(a.Attempts))

	// Late events may have started a fresh aggregate for this bucket since
	// our claim. Our claimed records were never sent, so fold them back in.
	key := a.Key()
	err = s.db.AtomicUpsert(ctx, key, func(v []byte, exists bool) ([]byte, error) {
		if !exists {
			return a.Encode()
		}
		cur, err := reportstore.DecodeAggregate(v)
		if err != nil {
			return a.Encode()
		}
	Merge:
		for _, r := range a.Records {
			for i := range cur.Records {
				if cur.Records[i].Fingerprint == r.Fingerprint {
					cur.Records[i].Count += r.Count
					if cur.Records[i].Dmarc != nil {
						cur.Records[i].Dmarc.Row.Count = int(cur.Records[i].Count)
					}
					continue Merge
				}
			}
			cur.Records = append(cur.Records, r)
		}
		cur.Overflow += a.Overflow
		cur.Attempts = a.Attempts
		cur.Expires = a.Expires
		return cur.Encode()
	})
	if err != nil {
		log.Errorx("requeueing aggregate after transient failure, records lost", err, mlog.Field("key", key))
	}
}

// retryDelay doubles per attempt, bounded.
func retryDelay(attempts int) time.Duration {
	d := 5 * time.Minute << (attempts - 1)
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
