package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
)

var ctxbg = context.Background()

func TestParseRate(t *testing.T) {
	r, err := ParseRate("5/1h")
	if err != nil || r.Max != 5 || r.Window != time.Hour {
		t.Fatalf("parsing 5/1h: got %v, %v", r, err)
	}
	for _, bad := range []string{"", "5", "/1h", "0/1h", "-1/1h", "5/0s", "5/x", "a/1h"} {
		if _, err := ParseRate(bad); err == nil {
			t.Fatalf("parsing %q: got no error", bad)
		}
	}
}

func TestAllow(t *testing.T) {
	log := mlog.New("throttle")
	db := reportstore.NewMem()
	defer db.Close()

	tm := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return tm }
	defer func() { now = time.Now }()

	rate := Rate{Max: 3, Window: time.Hour}

	// First Max events pass, event Max+1 is denied.
	for i := 0; i < 3; i++ {
		if !Allow(ctxbg, log, db, reportstore.SPF, "example.com", rate) {
			t.Fatalf("event %d denied, expected allowed", i)
		}
	}
	if Allow(ctxbg, log, db, reportstore.SPF, "example.com", rate) {
		t.Fatalf("event beyond max allowed")
	}

	// The denied event left the counter unchanged.
	v, err := db.Get(ctxbg, reportstore.ThrottleKey(reportstore.SPF, "example.com"))
	if err != nil {
		t.Fatalf("get counter: %s", err)
	}
	c, err := reportstore.DecodeCounter(v)
	if err != nil || c.Count != 3 {
		t.Fatalf("got counter %v (err %v), expected count 3", c, err)
	}

	// Other scopes and kinds count separately.
	if !Allow(ctxbg, log, db, reportstore.SPF, "other.example", rate) {
		t.Fatalf("event for other scope denied")
	}
	if !Allow(ctxbg, log, db, reportstore.DKIM, "example.com", rate) {
		t.Fatalf("event for other kind denied")
	}

	// Just before the window ends, still denied. At the boundary, the window
	// resets and counting starts over.
	tm = tm.Add(time.Hour - time.Second)
	if Allow(ctxbg, log, db, reportstore.SPF, "example.com", rate) {
		t.Fatalf("event just before window end allowed")
	}
	tm = tm.Add(time.Second)
	if !Allow(ctxbg, log, db, reportstore.SPF, "example.com", rate) {
		t.Fatalf("event after window reset denied")
	}

	// Zero rate means unlimited.
	for i := 0; i < 100; i++ {
		if !Allow(ctxbg, log, db, reportstore.ARF, "example.com", Rate{}) {
			t.Fatalf("event denied with zero rate")
		}
	}
}

func TestExpired(t *testing.T) {
	tm := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return tm }
	defer func() { now = time.Now }()

	c := reportstore.Counter{Count: 1, WindowStart: tm.Add(-2 * time.Hour)}
	v, err := c.Encode()
	if err != nil {
		t.Fatalf("encoding counter: %s", err)
	}
	if Expired(v, 3*time.Hour) {
		t.Fatalf("counter within max window reported expired")
	}
	if !Expired(v, time.Hour) {
		t.Fatalf("counter past max window not reported expired")
	}
	if !Expired([]byte("bogus"), time.Hour) {
		t.Fatalf("undecodable counter not reported expired")
	}
}
