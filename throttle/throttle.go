// Package throttle bounds the number of reports sent to a remote party, with
// fixed-window counters in the report store.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
)

var metricDenied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailreport_throttle_denied_total",
		Help: "Events denied by a throttle rate.",
	},
	[]string{"kind"},
)

// Rate is a maximum number of events per window, like "5/1h".
type Rate struct {
	Max    int
	Window time.Duration

	// Whether an unavailable store lets events through instead of denying
	// them. Default is to deny.
	FailOpen bool
}

func (r Rate) IsZero() bool {
	return r.Max == 0 && r.Window == 0
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Max, r.Window)
}

// ParseRate parses a string of the form "max/window", e.g. "5/1h" or
// "100/24h". Window accepts time.ParseDuration syntax.
func ParseRate(s string) (Rate, error) {
	m, w, ok := strings.Cut(s, "/")
	if !ok {
		return Rate{}, fmt.Errorf("malformed rate %q, expected max/window", s)
	}
	max, err := strconv.Atoi(m)
	if err != nil || max <= 0 {
		return Rate{}, fmt.Errorf("malformed max in rate %q", s)
	}
	window, err := time.ParseDuration(w)
	if err != nil || window <= 0 {
		return Rate{}, fmt.Errorf("malformed window in rate %q: %v", s, err)
	}
	return Rate{Max: max, Window: window}, nil
}

// errLimit aborts the store mutation on a denied event, leaving the counter
// unchanged.
var errLimit = errors.New("over rate limit")

// now is replaced in tests.
var now = time.Now

// Allow reports whether another event for scope is within rate, incrementing
// the counter if so. A denied event leaves no state behind. A zero rate allows
// everything.
//
// Counting is a fixed window: the first allowed event starts the window, and
// the counter resets when the window has passed.
func Allow(ctx context.Context, log *mlog.Log, db reportstore.DB, kind reportstore.Kind, scope string, rate Rate) bool {
	if rate.IsZero() {
		return true
	}

	key := reportstore.ThrottleKey(kind, scope)
	err := db.AtomicUpsert(ctx, key, func(v []byte, exists bool) ([]byte, error) {
		c := reportstore.Counter{WindowStart: now()}
		if exists {
			var err error
			c, err = reportstore.DecodeCounter(v)
			if err != nil {
				return nil, fmt.Errorf("decoding throttle counter: %v", err)
			}
			if now().Sub(c.WindowStart) >= rate.Window {
				c = reportstore.Counter{WindowStart: now()}
			}
		}
		if c.Count >= int64(rate.Max) {
			return nil, errLimit
		}
		c.Count++
		return c.Encode()
	})
	if err == nil {
		return true
	}
	if errors.Is(err, errLimit) {
		log.Debug("report throttled", mlog.Field("kind", kind), mlog.Field("scope", scope), mlog.Field("rate", rate))
		metricDenied.WithLabelValues(string(kind)).Inc()
		return false
	}
	log.Errorx("throttle store unavailable", err, mlog.Field("kind", kind), mlog.Field("scope", scope))
	return rate.FailOpen
}

// Expired reports whether a stored counter no longer influences any rate, for
// the purge task. Windows are not stored, so a counter is expired when it is
// older than the longest configured window.
func Expired(v []byte, maxWindow time.Duration) bool {
	c, err := reportstore.DecodeCounter(v)
	if err != nil {
		return true
	}
	return now().Sub(c.WindowStart) >= maxWindow
}
