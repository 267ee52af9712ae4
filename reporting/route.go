package reporting

import (
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/config"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/smtp"
)

// Decision is the outcome of routing an event.
type Decision struct {
	// Exactly one of these is set.
	Immediate bool
	Key       string // Aggregate store key.
	Reason    string // Why the event was dropped. Dropping is normal operation.

	Destinations []reportstore.Destination
	Interval     time.Duration
	Kind         config.ReportKind
	Aggregate    config.AggregateKind
}

func (d Decision) Dropped() bool {
	return d.Reason != ""
}

// Route classifies an event as immediate, aggregated, or dropped. Immediate
// kinds (SPF/DKIM failure reports) are rendered per event; aggregated kinds
// (DMARC, TLSRPT) get the store key of the interval bucket their timestamp
// falls in.
func Route(e Event) Decision {
	switch e.Kind {
	case reportstore.SPF, reportstore.DKIM, reportstore.ARF:
		k := mailreport.Conf.SPF
		switch e.Kind {
		case reportstore.DKIM:
			k = mailreport.Conf.DKIM
		case reportstore.ARF:
			k = mailreport.Conf.ARF
		}
		if !k.Enabled {
			return Decision{Reason: "reporting disabled"}
		}
		if e.PolicyDisabled {
			return Decision{Reason: "reporting disabled by policy for disposition"}
		}
		dests := ParseDestinations(e.ReportingAddresses)
		if len(dests) == 0 {
			return Decision{Reason: "no reporting address"}
		}
		return Decision{Immediate: true, Destinations: dests, Kind: k}

	case reportstore.DMARC, reportstore.TLSRPT:
		k := mailreport.Conf.DMARC
		if e.Kind == reportstore.TLSRPT {
			k = mailreport.Conf.TLSRPT
		}
		if !k.Enabled {
			return Decision{Reason: "reporting disabled"}
		}
		if e.PolicyDisabled {
			return Decision{Reason: "reporting disabled by policy for disposition"}
		}
		dests := ParseDestinations(e.ReportingAddresses)
		if len(dests) == 0 {
			return Decision{Reason: "no reporting address"}
		}
		bucket := BucketStart(e.Received, k.Interval)
		key := reportstore.AggKey(e.Kind, bucket, e.PolicyDomain)
		return Decision{Key: key, Destinations: dests, Interval: k.Interval, Kind: k.ReportKind, Aggregate: k}
	}
	return Decision{Reason: "unknown report kind"}
}

// ParseDestinations parses raw reporting addresses as they appear in
// policies: "mailto:addr" URIs or plain addresses, with an optional
// "!10m"-style maximum report size. Addresses that do not parse are skipped.
func ParseDestinations(l []string) []reportstore.Destination {
	var dests []reportstore.Destination
	for _, s := range l {
		s = strings.TrimSpace(s)
		addr, ok := strings.CutPrefix(s, "mailto:")
		if !ok {
			addr = s
		}
		var maxSize int64
		if addr2, size, ok := strings.Cut(addr, "!"); ok {
			addr = addr2
			maxSize = parseMaxSize(size)
			if maxSize < 0 {
				continue
			}
		}
		if _, err := smtp.ParseAddress(addr); err != nil {
			continue
		}
		dests = append(dests, reportstore.Destination{Address: addr, MaxSize: maxSize})
	}
	return dests
}

// parseMaxSize parses a "10m"-style size with optional unit k/m/g/t,
// returning -1 when malformed.
func parseMaxSize(s string) int64 {
	if s == "" {
		return -1
	}
	factor := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		factor = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		factor = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		factor = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 't', 'T':
		factor = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n * factor
}
