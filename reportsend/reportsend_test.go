package reportsend

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/dmarcrpt"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/queue"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/tlsrpt"
)

var ctxbg = context.Background()

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

type queuedReport struct {
	qm  queue.Msg
	msg []byte
}

// catchQueue replaces queueAdd, capturing queued messages instead of
// delivering them.
func catchQueue(t *testing.T) func() []queuedReport {
	t.Helper()
	var mu sync.Mutex
	var l []queuedReport
	orig := queueAdd
	queueAdd = func(ctx context.Context, log *mlog.Log, qm *queue.Msg, msgFile *os.File) error {
		buf, err := os.ReadFile(msgFile.Name())
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		l = append(l, queuedReport{*qm, buf})
		return nil
	}
	t.Cleanup(func() {
		queueAdd = orig
	})
	return func() []queuedReport {
		mu.Lock()
		defer mu.Unlock()
		return append([]queuedReport{}, l...)
	}
}

func newTestSender(t *testing.T) *sender {
	t.Helper()
	os.RemoveAll("testdata/data")
	mailreport.MustLoadConfig("testdata/mailreport.conf")
	db, err := reportstore.Open("mem:")
	tcheckf(t, err, "opening store")
	t.Cleanup(func() {
		db.Close()
	})
	origPace := paceInterval
	paceInterval = func(n int, sweep time.Duration) time.Duration {
		return 0
	}
	t.Cleanup(func() {
		paceInterval = origPace
	})
	return &sender{name: "default", db: db, conf: mailreport.Conf.Stores["default"], renderEnabled: true}
}

func putAggregate(t *testing.T, s *sender, a reportstore.Aggregate) {
	t.Helper()
	err := s.db.AtomicUpsert(ctxbg, a.Key(), func(v []byte, exists bool) ([]byte, error) {
		return a.Encode()
	})
	tcheckf(t, err, "inserting aggregate")
}

// dmarcAggregate builds a pending weekly aggregate for foobar.org with two
// distinct results: two passing messages from one IP and one rejected message
// from another.
func dmarcAggregate(bucket time.Time, interval time.Duration) reportstore.Aggregate {
	pass := dmarcrpt.ReportRecord{
		Row: dmarcrpt.Row{
			SourceIP: "192.168.1.2",
			Count:    1,
			PolicyEvaluated: dmarcrpt.PolicyEvaluated{
				Disposition: dmarcrpt.DispositionNone,
				DKIM:        dmarcrpt.DMARCPass,
				SPF:         dmarcrpt.DMARCPass,
			},
		},
		Identifiers: dmarcrpt.Identifiers{EnvelopeFrom: "sender@foobar.org", HeaderFrom: "foobar.org"},
		AuthResults: dmarcrpt.AuthResults{
			SPF: []dmarcrpt.SPFAuthResult{{Domain: "foobar.org", Scope: dmarcrpt.SPFDomainScopeMailFrom, Result: dmarcrpt.SPFPass}},
		},
	}
	reject := dmarcrpt.ReportRecord{
		Row: dmarcrpt.Row{
			SourceIP: "a:b:c::e:f",
			Count:    1,
			PolicyEvaluated: dmarcrpt.PolicyEvaluated{
				Disposition: dmarcrpt.DispositionReject,
				DKIM:        dmarcrpt.DMARCFail,
				SPF:         dmarcrpt.DMARCFail,
			},
		},
		Identifiers: dmarcrpt.Identifiers{EnvelopeFrom: "spoof@foobar.org", HeaderFrom: "foobar.org"},
		AuthResults: dmarcrpt.AuthResults{
			SPF: []dmarcrpt.SPFAuthResult{{Domain: "foobar.org", Scope: dmarcrpt.SPFDomainScopeMailFrom, Result: dmarcrpt.SPFFail}},
		},
	}
	return reportstore.Aggregate{
		Kind:        reportstore.DMARC,
		Domain:      "foobar.org",
		BucketStart: bucket,
		Created:     bucket,
		Expires:     bucket.Add(interval),
		Snapshot: reportstore.PolicySnapshot{
			Addresses: []reportstore.Destination{{Address: "dmarc-reports@foobar.org"}},
			Domain:    "foobar.org",
			Published: dmarcrpt.PolicyPublished{Domain: "foobar.org", Policy: dmarcrpt.DispositionReject, Percentage: 100},
		},
		Records: []reportstore.Record{
			{Fingerprint: 1, Count: 2, Dmarc: &pass},
			{Fingerprint: 2, Count: 1, Dmarc: &reject},
		},
	}
}

// extractGzipAttachment digs the gzipped report document out of a composed
// message.
func extractGzipAttachment(t *testing.T, msg []byte) []byte {
	t.Helper()
	m, err := mail.ReadMessage(strings.NewReader(string(msg)))
	tcheckf(t, err, "parsing composed message")
	ct := m.Header.Get("Content-Type")
	mt, params, err := mime.ParseMediaType(ct)
	tcheckf(t, err, "parsing content-type %q", ct)
	if mt != "multipart/mixed" {
		t.Fatalf("got content-type %q, expected multipart/mixed", mt)
	}
	mr := multipart.NewReader(m.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			t.Fatalf("no gzip attachment in message")
		}
		tcheckf(t, err, "reading next part")
		pct, _, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		tcheckf(t, err, "parsing part content-type")
		if !strings.HasSuffix(pct, "gzip") {
			continue
		}
		gzr, err := gzip.NewReader(base64.NewDecoder(base64.StdEncoding, p))
		tcheckf(t, err, "gzip reader on attachment")
		buf, err := io.ReadAll(gzr)
		tcheckf(t, err, "reading gzipped attachment")
		return buf
	}
}

func TestSendDMARC(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	putAggregate(t, s, dmarcAggregate(bucket, interval))

	err := s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	l := queued()
	if len(l) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(l))
	}
	qr := l[0]
	if !qr.qm.IsReport {
		t.Fatalf("queued message not marked as report")
	}
	if qr.qm.Recipient.String() != "dmarc-reports@foobar.org" {
		t.Fatalf("got recipient %s, expected dmarc-reports@foobar.org", qr.qm.Recipient)
	}

	feedback, err := dmarcrpt.ParseReport(strings.NewReader(string(extractGzipAttachment(t, qr.msg))))
	tcheckf(t, err, "parsing rendered dmarc report")
	if feedback.ReportMetadata.OrgName != "Foobar, Inc." {
		t.Fatalf("got org name %q, expected Foobar, Inc.", feedback.ReportMetadata.OrgName)
	}
	if feedback.PolicyPublished.Domain != "foobar.org" {
		t.Fatalf("got policy domain %q, expected foobar.org", feedback.PolicyPublished.Domain)
	}
	if len(feedback.Records) != 2 {
		t.Fatalf("got %d records, expected 2", len(feedback.Records))
	}
	if feedback.Records[0].Row.Count != 2 || feedback.Records[1].Row.Count != 1 {
		t.Fatalf("got counts %d and %d, expected 2 and 1", feedback.Records[0].Row.Count, feedback.Records[1].Row.Count)
	}
	if feedback.ReportMetadata.DateRange.Begin != bucket.Unix() || feedback.ReportMetadata.DateRange.End != bucket.Add(interval).Unix()-1 {
		t.Fatalf("unexpected date range %v", feedback.ReportMetadata.DateRange)
	}

	// The aggregate was claimed, the bucket is empty again.
	if _, err := s.db.Get(ctxbg, dmarcAggregate(bucket, interval).Key()); err != reportstore.ErrAbsent {
		t.Fatalf("aggregate still present after sweep, got err %v", err)
	}
}

func TestSendTLSRPT(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	interval := mailreport.Conf.TLSRPT.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	result := tlsrpt.Result{
		Policy: tlsrpt.ResultPolicy{
			Type:   tlsrpt.STS,
			String: []string{"version: STSv1", "mode: enforce"},
			Domain: "foobar.org",
			MXHost: []string{"mail.foobar.org"},
		},
		Summary: tlsrpt.Summary{TotalSuccessfulSessionCount: 10, TotalFailureSessionCount: 1},
		FailureDetails: []tlsrpt.FailureDetails{
			{ResultType: tlsrpt.ResultValidationFailure, FailedSessionCount: 1},
		},
	}
	a := reportstore.Aggregate{
		Kind:        reportstore.TLSRPT,
		Domain:      "foobar.org",
		BucketStart: bucket,
		Created:     bucket,
		Expires:     bucket.Add(interval),
		Snapshot: reportstore.PolicySnapshot{
			Addresses: []reportstore.Destination{{Address: "tls-reports@foobar.org"}},
			Domain:    "foobar.org",
		},
		Records: []reportstore.Record{{Fingerprint: 1, Count: 11, TLS: &result}},
	}
	putAggregate(t, s, a)

	err := s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	l := queued()
	if len(l) != 1 {
		t.Fatalf("got %d queued messages, expected 1", len(l))
	}
	m, err := mail.ReadMessage(strings.NewReader(string(l[0].msg)))
	tcheckf(t, err, "parsing composed message")
	if m.Header.Get("TLS-Report-Domain") != "foobar.org" {
		t.Fatalf("missing or wrong TLS-Report-Domain header")
	}
	if m.Header.Get("TLS-Report-Submitter") != "foobar.org" {
		t.Fatalf("missing or wrong TLS-Report-Submitter header")
	}

	report, err := tlsrpt.Parse(strings.NewReader(string(extractGzipAttachment(t, l[0].msg))))
	tcheckf(t, err, "parsing rendered tls report")
	if report.OrganizationName != "Foobar, Inc." {
		t.Fatalf("got org name %q, expected Foobar, Inc.", report.OrganizationName)
	}
	if len(report.Policies) != 1 || report.Policies[0].Summary.TotalSuccessfulSessionCount != 10 {
		t.Fatalf("unexpected policies in rendered report: %#v", report.Policies)
	}
}

// Racing sweepers against one store must render each aggregate at most once.
func TestSweepClaim(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	putAggregate(t, s, dmarcAggregate(bucket, interval))
	a2 := dmarcAggregate(bucket.Add(-interval), interval)
	a2.Domain = "other.example"
	a2.Snapshot.Domain = "other.example"
	putAggregate(t, s, a2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sweep(ctxbg, xlog); err != nil {
				t.Errorf("sweep: %s", err)
			}
		}()
	}
	wg.Wait()

	if l := queued(); len(l) != 2 {
		t.Fatalf("got %d queued messages, expected 2 (one per aggregate)", len(l))
	}
}

// An aggregate with only informational records is dropped unsent.
func TestSweepOnlyOptional(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	a := dmarcAggregate(bucket, interval)
	for i := range a.Records {
		a.Records[i].Optional = true
	}
	putAggregate(t, s, a)

	err := s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	if l := queued(); len(l) != 0 {
		t.Fatalf("got %d queued messages, expected none for informational-only aggregate", len(l))
	}
	if _, err := s.db.Get(ctxbg, a.Key()); err != reportstore.ErrAbsent {
		t.Fatalf("informational-only aggregate still present, got err %v", err)
	}
}

// A transient queueing failure puts the aggregate back with a retry delay,
// until the attempt limit.
func TestSweepRetry(t *testing.T) {
	s := newTestSender(t)

	orig := queueAdd
	queueAdd = func(ctx context.Context, log *mlog.Log, qm *queue.Msg, msgFile *os.File) error {
		return fmt.Errorf("queue unavailable")
	}
	t.Cleanup(func() {
		queueAdd = orig
	})

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	a := dmarcAggregate(bucket, interval)
	putAggregate(t, s, a)

	err := s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	v, err := s.db.Get(ctxbg, a.Key())
	tcheckf(t, err, "getting requeued aggregate")
	got, err := reportstore.DecodeAggregate(v)
	tcheckf(t, err, "decoding requeued aggregate")
	if got.Attempts != 1 {
		t.Fatalf("got %d attempts, expected 1", got.Attempts)
	}
	if !got.Expires.After(time.Now()) {
		t.Fatalf("requeued aggregate not delayed, expires %v", got.Expires)
	}
	if len(got.Records) != 2 {
		t.Fatalf("requeued aggregate lost records, got %d", len(got.Records))
	}

	// At the attempt limit the aggregate is dropped.
	got.Attempts = mailreport.Conf.DMARC.MaxAttempts - 1
	got.Expires = time.Now().Add(-time.Second)
	putAggregate(t, s, got)
	err = s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")
	if _, err := s.db.Get(ctxbg, a.Key()); err != reportstore.ErrAbsent {
		t.Fatalf("aggregate still present after exceeding attempts, got err %v", err)
	}
}

// A suppressed reporting address is skipped.
func TestSendSuppressed(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	err := reportstore.SuppressAdd(ctxbg, s.db, reportstore.SuppressAddress{
		ReportingAddress: "dmarc-reports@foobar.org",
		Until:            time.Now().Add(time.Hour),
		Comment:          "address bounces",
	})
	tcheckf(t, err, "adding suppression")

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	putAggregate(t, s, dmarcAggregate(bucket, interval))

	err = s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	if l := queued(); len(l) != 0 {
		t.Fatalf("got %d queued messages, expected none for suppressed address", len(l))
	}
}

// A recipient whose URI size limit is below the report gets the small error
// notification instead.
func TestSendTooLarge(t *testing.T) {
	s := newTestSender(t)
	queued := catchQueue(t)

	interval := mailreport.Conf.DMARC.Interval
	bucket := time.Now().Add(-2 * interval).Truncate(time.Second).UTC()
	a := dmarcAggregate(bucket, interval)
	a.Snapshot.Addresses = []reportstore.Destination{{Address: "dmarc-reports@foobar.org", MaxSize: 16}}
	putAggregate(t, s, a)

	err := s.sweep(ctxbg, xlog)
	tcheckf(t, err, "sweep")

	l := queued()
	if len(l) != 1 {
		t.Fatalf("got %d queued messages, expected 1 error notification", len(l))
	}
	m, err := mail.ReadMessage(strings.NewReader(string(l[0].msg)))
	tcheckf(t, err, "parsing error notification")
	body, err := io.ReadAll(m.Body)
	tcheckf(t, err, "reading body")
	if !strings.Contains(string(body), "Report-Size:") {
		t.Fatalf("error notification without Report-Size field, body %q", body)
	}
}

// Purging runs regardless of whether report sending is enabled, and removes
// only rows that are past retention or can no longer matter.
func TestPurge(t *testing.T) {
	s := newTestSender(t)
	s.renderEnabled = false

	interval := mailreport.Conf.DMARC.Interval
	now := time.Now()

	old := dmarcAggregate(now.Add(-interval-s.conf.Retention-time.Hour).Truncate(time.Second).UTC(), interval)
	putAggregate(t, s, old)
	pending := dmarcAggregate(now.Truncate(time.Second).UTC(), interval)
	pending.Domain = "pending.example"
	putAggregate(t, s, pending)
	optional := dmarcAggregate(now.Add(-interval-time.Hour).Truncate(time.Second).UTC(), interval)
	optional.Domain = "optional.example"
	for i := range optional.Records {
		optional.Records[i].Optional = true
	}
	putAggregate(t, s, optional)

	oldCounter, err := reportstore.Counter{Count: 3, WindowStart: now.Add(-s.conf.Retention - time.Hour)}.Encode()
	tcheckf(t, err, "encoding counter")
	err = s.db.AtomicUpsert(ctxbg, reportstore.ThrottleKey(reportstore.SPF, "old.example"), func(v []byte, exists bool) ([]byte, error) {
		return oldCounter, nil
	})
	tcheckf(t, err, "inserting old counter")
	freshCounter, err := reportstore.Counter{Count: 1, WindowStart: now}.Encode()
	tcheckf(t, err, "encoding counter")
	err = s.db.AtomicUpsert(ctxbg, reportstore.ThrottleKey(reportstore.SPF, "fresh.example"), func(v []byte, exists bool) ([]byte, error) {
		return freshCounter, nil
	})
	tcheckf(t, err, "inserting fresh counter")

	err = reportstore.SuppressAdd(ctxbg, s.db, reportstore.SuppressAddress{ReportingAddress: "gone@example.org", Until: now.Add(-s.conf.Retention - time.Hour)})
	tcheckf(t, err, "adding old suppression")
	err = reportstore.SuppressAdd(ctxbg, s.db, reportstore.SuppressAddress{ReportingAddress: "paused@example.org", Until: now.Add(time.Hour)})
	tcheckf(t, err, "adding active suppression")

	err = s.purge(ctxbg, xlog)
	tcheckf(t, err, "purge")

	if _, err := s.db.Get(ctxbg, old.Key()); err != reportstore.ErrAbsent {
		t.Fatalf("aggregate past retention still present, got err %v", err)
	}
	if _, err := s.db.Get(ctxbg, optional.Key()); err != reportstore.ErrAbsent {
		t.Fatalf("expired informational-only aggregate still present, got err %v", err)
	}
	if _, err := s.db.Get(ctxbg, pending.Key()); err != nil {
		t.Fatalf("pending aggregate gone, err %v", err)
	}
	if _, err := s.db.Get(ctxbg, reportstore.ThrottleKey(reportstore.SPF, "old.example")); err != reportstore.ErrAbsent {
		t.Fatalf("old throttle counter still present, got err %v", err)
	}
	if _, err := s.db.Get(ctxbg, reportstore.ThrottleKey(reportstore.SPF, "fresh.example")); err != nil {
		t.Fatalf("fresh throttle counter gone, err %v", err)
	}
	if sup, err := reportstore.IsSuppressed(ctxbg, s.db, "paused@example.org", now); err != nil || !sup {
		t.Fatalf("active suppression gone, suppressed %v err %v", sup, err)
	}
	if _, err := s.db.Get(ctxbg, "sup/gone@example.org"); err != reportstore.ErrAbsent {
		t.Fatalf("old suppression still present, got err %v", err)
	}
}
