// Package reporting takes authentication and delivery-failure events from
// the protocol engines and turns them into pending aggregates or immediate
// reports.
//
// Events arrive already classified and verified. Per event, reporting
// resolves the policy parameters (destination, throttle rate), consults the
// throttle gate, and either merges the event into a durable aggregate keyed
// by (domain, kind, interval bucket) or renders a single-incident ARF
// message straight to the outbound queue.
package reporting

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mjl-/mailreport/dmarcrpt"
	"github.com/mjl-/mailreport/expr"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/tlsrpt"
)

// Event is an immutable signal from the verification logic, consumed exactly
// once.
type Event struct {
	Kind reportstore.Kind

	// Domain whose policy governs reporting for this event.
	PolicyDomain string

	SourceIP     string
	Disposition  dmarcrpt.Disposition
	EnvelopeFrom string
	EnvelopeTo   string
	HeaderFrom   string
	Received     time.Time

	// Raw reporting addresses from the evaluated policy, e.g. rua mailto
	// URIs, possibly with a !maxsize suffix.
	ReportingAddresses []string

	// Set by the verifier when the evaluated policy disables reporting for
	// this event's disposition.
	PolicyDisabled bool

	// Informational-only: include in an aggregate, but never cause a report
	// to be sent purely for such events. Set e.g. for our own incoming
	// report messages, to prevent report loops.
	Optional bool

	// DMARC detail.
	AlignedDKIMPass bool
	AlignedSPFPass  bool
	DKIMResults     []dmarcrpt.DKIMAuthResult
	SPFResults      []dmarcrpt.SPFAuthResult
	PolicyPublished dmarcrpt.PolicyPublished

	// TLSRPT detail.
	TLSResult *tlsrpt.Result

	// ARF detail, for immediate reports.
	AuthResults     string // Authentication-Results header value at evaluation.
	DNSEvidence     []string
	OriginalHeaders []byte
}

// Vars returns the named variables that config expressions can reference for
// this event.
func (e Event) Vars() expr.Vars {
	senderDomain := e.EnvelopeFrom
	if i := strings.LastIndex(senderDomain, "@"); i >= 0 {
		senderDomain = senderDomain[i+1:]
	}
	rcptDomain := e.EnvelopeTo
	if i := strings.LastIndex(rcptDomain, "@"); i >= 0 {
		rcptDomain = rcptDomain[i+1:]
	}
	return expr.Vars{
		"kind":          string(e.Kind),
		"policy_domain": e.PolicyDomain,
		"sender":        e.EnvelopeFrom,
		"sender_domain": senderDomain,
		"rcpt":          e.EnvelopeTo,
		"rcpt_domain":   rcptDomain,
		"disposition":   string(e.Disposition),
		"source_ip":     e.SourceIP,
	}
}

// Fingerprint identifies the fields that must stay distinguished in the
// final report. Events with equal fingerprints collapse into one record with
// an incremented count.
func (e Event) Fingerprint() uint64 {
	h := xxhash.New()
	w := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	w(string(e.Kind))
	w(e.PolicyDomain)
	w(e.SourceIP)
	w(string(e.Disposition))
	w(strconv.FormatBool(e.AlignedDKIMPass))
	w(strconv.FormatBool(e.AlignedSPFPass))
	w(e.HeaderFrom)
	w(e.EnvelopeFrom)
	w(e.EnvelopeTo)
	for _, r := range e.DKIMResults {
		w(r.Domain)
		w(r.Selector)
		w(string(r.Result))
	}
	for _, r := range e.SPFResults {
		w(r.Domain)
		w(string(r.Scope))
		w(string(r.Result))
	}
	if e.TLSResult != nil {
		w(string(e.TLSResult.Policy.Type))
		w(e.TLSResult.Policy.Domain)
		for _, d := range e.TLSResult.FailureDetails {
			w(string(d.ResultType))
			w(d.SendingMTAIP)
			w(d.ReceivingMXHostname)
			w(d.ReceivingIP)
		}
	}
	return h.Sum64()
}

// BucketStart returns the start of the interval bucket tm falls in. Buckets
// are aligned to whole intervals in UTC, so the bucket follows from the
// event time alone, independent of arrival order.
func BucketStart(tm time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	unix := tm.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}
