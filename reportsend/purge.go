package reportsend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/throttle"
)

// purge removes rows no longer needed: aggregates past retention, aggregates
// that expired with only informational records, throttle counters from long
// closed windows and suppressions long past their end time. Purging runs in
// every process, also those started with report sending disabled, so state
// does not accumulate when no sweeper runs against a store.
func (s *sender) purge(ctx context.Context, log *mlog.Log) error {
	now := time.Now()
	var aggregates, counters, suppressions int64

	var stale []string
	err := s.db.RangeScan(ctx, reportstore.AggPrefix(""), func(key string, value []byte) (bool, error) {
		a, err := reportstore.DecodeAggregate(value)
		if err != nil {
			log.Errorx("removing undecodable aggregate", err, mlog.Field("key", key))
			stale = append(stale, key)
			return true, nil
		}
		if !a.Expires.Add(s.conf.Retention).After(now) {
			stale = append(stale, key)
		} else if a.OnlyOptional() && !a.Expires.After(now) {
			// Informational-only aggregates never trigger a send. Remove them
			// once expired instead of letting them linger until retention.
			stale = append(stale, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := s.db.Delete(ctx, key); err != nil {
			log.Errorx("removing stale aggregate", err, mlog.Field("key", key))
			continue
		}
		aggregates++
	}

	// Throttle windows are at most the retention period in practice. A counter
	// whose window closed more than the retention ago cannot deny anything
	// anymore.
	stale = stale[:0]
	err = s.db.RangeScan(ctx, reportstore.ThrottlePrefix(), func(key string, value []byte) (bool, error) {
		if throttle.Expired(value, s.conf.Retention) {
			stale = append(stale, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := s.db.Delete(ctx, key); err != nil {
			log.Errorx("removing stale throttle counter", err, mlog.Field("key", key))
			continue
		}
		counters++
	}

	var expired []string
	err = s.db.RangeScan(ctx, reportstore.SuppressPrefix(), func(key string, value []byte) (bool, error) {
		var sa reportstore.SuppressAddress
		if err := json.Unmarshal(value, &sa); err != nil {
			log.Errorx("removing undecodable suppression", err, mlog.Field("key", key))
			expired = append(expired, key)
			return true, nil
		}
		if !sa.Until.Add(s.conf.Retention).After(now) {
			expired = append(expired, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range expired {
		if err := s.db.Delete(ctx, key); err != nil {
			log.Errorx("removing expired suppression", err, mlog.Field("key", key))
			continue
		}
		suppressions++
	}

	total := aggregates + counters + suppressions
	if total > 0 {
		metricPurge.Add(float64(total))
		log.Debug("purged stale rows", mlog.Field("aggregates", aggregates), mlog.Field("throttles", counters), mlog.Field("suppressions", suppressions))
	}
	return nil
}
