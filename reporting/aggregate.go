package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/mailreport/dmarcrpt"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/reportstore"
)

// Record returns the aggregate record for the event.
func (e Event) Record() reportstore.Record {
	r := reportstore.Record{
		Fingerprint: e.Fingerprint(),
		Count:       1,
		Optional:    e.Optional,
	}
	switch e.Kind {
	case reportstore.DMARC:
		boolResult := func(pass bool) dmarcrpt.DMARCResult {
			if pass {
				return dmarcrpt.DMARCPass
			}
			return dmarcrpt.DMARCFail
		}
		r.Dmarc = &dmarcrpt.ReportRecord{
			Row: dmarcrpt.Row{
				SourceIP: e.SourceIP,
				Count:    1,
				PolicyEvaluated: dmarcrpt.PolicyEvaluated{
					Disposition: e.Disposition,
					DKIM:        boolResult(e.AlignedDKIMPass),
					SPF:         boolResult(e.AlignedSPFPass),
				},
			},
			Identifiers: dmarcrpt.Identifiers{
				EnvelopeTo:   e.EnvelopeTo,
				EnvelopeFrom: e.EnvelopeFrom,
				HeaderFrom:   e.HeaderFrom,
			},
			AuthResults: dmarcrpt.AuthResults{
				DKIM: e.DKIMResults,
				SPF:  e.SPFResults,
			},
		}
	case reportstore.TLSRPT:
		r.TLS = e.TLSResult
	}
	return r
}

// Snapshot returns the policy snapshot to pin at aggregate creation.
func (e Event) Snapshot(dests []reportstore.Destination) reportstore.PolicySnapshot {
	return reportstore.PolicySnapshot{
		Addresses: dests,
		Domain:    e.PolicyDomain,
		Published: e.PolicyPublished,
	}
}

// Merge adds a record to the pending aggregate for key, creating the
// aggregate with the snapshot and expiry if it does not exist. The whole
// read-modify-write happens inside the store's atomic upsert, so concurrent
// merges for the same key never lose updates.
//
// The expiry is set once at creation, to the bucket start plus the interval.
// Later merges never extend it.
func Merge(ctx context.Context, log *mlog.Log, db reportstore.DB, key string, rec reportstore.Record, snapshot reportstore.PolicySnapshot, interval time.Duration, maxRecords int) error {
	kind, bucketStart, domain, err := reportstore.ParseAggKey(key)
	if err != nil {
		return err
	}
	return db.AtomicUpsert(ctx, key, func(v []byte, exists bool) ([]byte, error) {
		var a reportstore.Aggregate
		if exists {
			a, err = reportstore.DecodeAggregate(v)
			if err != nil {
				return nil, fmt.Errorf("decoding pending aggregate: %v", err)
			}
		} else {
			a = reportstore.Aggregate{
				Kind:        kind,
				Domain:      domain,
				BucketStart: bucketStart,
				Created:     bucketStart,
				Expires:     bucketStart.Add(interval),
				Snapshot:    snapshot,
			}
		}

		for i := range a.Records {
			if a.Records[i].Fingerprint == rec.Fingerprint {
				a.Records[i].Count += rec.Count
				if a.Records[i].Dmarc != nil {
					a.Records[i].Dmarc.Row.Count = int(a.Records[i].Count)
				}
				if !rec.Optional {
					a.Records[i].Optional = false
				}
				return a.Encode()
			}
		}
		if maxRecords > 0 && len(a.Records) >= maxRecords {
			a.Overflow++
			return a.Encode()
		}
		a.Records = append(a.Records, rec)
		return a.Encode()
	})
}
