// Package reportstore defines durable storage for pending aggregate reports
// and throttle counters, with several backends.
//
// All coordination between writers goes through the store: merging events into
// an aggregate and claiming an aggregate for rendering are single atomic
// operations, also when multiple processes share a backend.
package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mailreport/dmarcrpt"
	"github.com/mjl-/mailreport/tlsrpt"
)

// ErrAbsent is returned by Get and AtomicTake when a key does not exist.
var ErrAbsent = errors.New("reportstore: key absent")

// DB is a key-value store with the atomic primitives the reporting packages
// need. Keys are ordered byte strings, values are opaque.
type DB interface {
	// Get returns the value for key, or ErrAbsent.
	Get(ctx context.Context, key string) ([]byte, error)

	// AtomicUpsert reads the current value for key (exists false if absent),
	// calls mutate, and writes the returned value, all in a single atomic
	// step. If mutate returns an error, nothing is written and the error is
	// returned.
	AtomicUpsert(ctx context.Context, key string, mutate func(value []byte, exists bool) ([]byte, error)) error

	// RangeScan calls fn for each key with the given prefix, in key order.
	// Scanning stops when fn returns false or an error.
	RangeScan(ctx context.Context, prefix string, fn func(key string, value []byte) (bool, error)) error

	// AtomicTake removes key and returns its value. Exactly one of multiple
	// concurrent takers gets the value, the others get ErrAbsent.
	AtomicTake(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Kind is the type of report an event or aggregate is for.
type Kind string

const (
	SPF    Kind = "spf"
	DKIM   Kind = "dkim"
	DMARC  Kind = "dmarc"
	TLSRPT Kind = "tlsrpt"
	ARF    Kind = "arf"
)

// Key prefixes. Aggregate keys order by kind, then bucket start, then domain,
// so a prefix scan visits oldest buckets first.
const (
	aggPrefix      = "agg/"
	throttlePrefix = "thr/"
)

// AggKey returns the store key for the aggregate of domain for kind in the
// interval bucket starting at bucketStart.
func AggKey(kind Kind, bucketStart time.Time, domain string) string {
	return fmt.Sprintf("%s%s/%020d/%s", aggPrefix, kind, bucketStart.Unix(), domain)
}

// AggPrefix returns the scan prefix for all aggregates, or for one kind if
// non-empty.
func AggPrefix(kind Kind) string {
	if kind == "" {
		return aggPrefix
	}
	return aggPrefix + string(kind) + "/"
}

// ParseAggKey parses a key generated by AggKey.
func ParseAggKey(key string) (kind Kind, bucketStart time.Time, domain string, rerr error) {
	s, ok := strings.CutPrefix(key, aggPrefix)
	if !ok {
		return "", time.Time{}, "", fmt.Errorf("not an aggregate key: %q", key)
	}
	t := strings.SplitN(s, "/", 3)
	if len(t) != 3 {
		return "", time.Time{}, "", fmt.Errorf("malformed aggregate key: %q", key)
	}
	unix, err := strconv.ParseInt(t[1], 10, 64)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("malformed bucket in aggregate key %q: %v", key, err)
	}
	return Kind(t[0]), time.Unix(unix, 0).UTC(), t[2], nil
}

// ThrottleKey returns the store key for the throttle counter of scope for kind.
func ThrottleKey(kind Kind, scope string) string {
	return fmt.Sprintf("%s%s/%s", throttlePrefix, kind, scope)
}

// ThrottlePrefix is the scan prefix for all throttle counters.
func ThrottlePrefix() string {
	return throttlePrefix
}

// Record is one deduplicated entry in an aggregate. Events with the same
// fingerprint collapse into a single record with an incremented count.
type Record struct {
	Fingerprint uint64
	Count       int64

	// Informational-only events are included in reports but do not cause a
	// report to be sent by themselves.
	Optional bool

	Dmarc *dmarcrpt.ReportRecord `json:",omitempty"`
	TLS   *tlsrpt.Result         `json:",omitempty"`
}

// Destination is a reporting address from the evaluated policy, with an
// optional maximum report size from its URI.
type Destination struct {
	Address string // Email address without mailto: scheme.
	MaxSize int64  // In bytes, 0 means no limit.
}

// PolicySnapshot pins the reporting-relevant parts of the evaluated policy at
// aggregate creation. Later policy changes do not affect a pending aggregate.
type PolicySnapshot struct {
	Addresses []Destination
	Domain    string // Policy domain the report is about.

	// For DMARC, the published policy to include in the report.
	Published dmarcrpt.PolicyPublished `json:",omitempty"`
}

// Aggregate is a pending report for one (kind, domain, interval bucket).
type Aggregate struct {
	Kind        Kind
	Domain      string
	BucketStart time.Time
	Created     time.Time
	Expires     time.Time // BucketStart + interval, never extended by merges.
	Snapshot    PolicySnapshot
	Records     []Record

	// Distinct fingerprints dropped after the record cap was reached.
	Overflow int64

	// Render/enqueue retries so far.
	Attempts int
}

func (a Aggregate) Key() string {
	return AggKey(a.Kind, a.BucketStart, a.Domain)
}

// OnlyOptional returns whether the aggregate has no records that warrant
// sending a report.
func (a Aggregate) OnlyOptional() bool {
	for _, r := range a.Records {
		if !r.Optional {
			return false
		}
	}
	return true
}

func (a Aggregate) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func DecodeAggregate(buf []byte) (Aggregate, error) {
	var a Aggregate
	err := json.Unmarshal(buf, &a)
	return a, err
}

// Counter is a throttle row, a fixed-window counter.
type Counter struct {
	Count       int64
	WindowStart time.Time
}

func (c Counter) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCounter(buf []byte) (Counter, error) {
	var c Counter
	err := json.Unmarshal(buf, &c)
	return c, err
}
