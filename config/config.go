// Package config holds the configuration file structure for mailreport.
//
// The file is in sconf format, see https://pkg.go.dev/github.com/mjl-/sconf.
// Fields with an sconf:"-" tag are filled during the check pass after
// parsing, from their textual counterparts.
package config

import (
	"time"

	"github.com/mjl-/mailreport/dns"
	"github.com/mjl-/mailreport/expr"
	"github.com/mjl-/mailreport/smtp"
	"github.com/mjl-/mailreport/throttle"
)

// Config is the parsed form of mailreport.conf.
type Config struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where state databases and temporary report files are stored. If this is a relative path, it is relative to the directory of the config file."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Log level, one of: error, info, debug. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. reporting, reportsend, throttle, reportstore)."`
	Hostname         string            `sconf-doc:"Full hostname this system reports as, e.g. mail.example.com. Used as reporting MTA identity and in message-ids."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"`

	Submitter Submitter `sconf-doc:"Identity outgoing reports are sent as."`

	Stores map[string]Store `sconf-doc:"Named report stores. Each store holds pending aggregates and throttle counters and runs its own sweeper and purge task. The address selects the backend: bolt:reports.db (file under DataDir), redis:host:port/db, or mem: (volatile, for testing)."`

	SPF    ReportKind    `sconf:"optional" sconf-doc:"Immediate SPF failure reports (ARF)."`
	DKIM   ReportKind    `sconf:"optional" sconf-doc:"Immediate DKIM failure reports (ARF)."`
	ARF    ReportKind    `sconf:"optional" sconf-doc:"Immediate abuse reports (ARF), e.g. forwarded user complaints."`
	DMARC  AggregateKind `sconf:"optional" sconf-doc:"Aggregate DMARC reports (RFC 7489)."`
	TLSRPT AggregateKind `sconf:"optional" sconf-doc:"Aggregate TLS reports (RFC 8460)."`
}

// Submitter is the from-identity for outgoing report messages.
type Submitter struct {
	Name      string `sconf:"optional" sconf-doc:"Display name in the From header, e.g. the organization name."`
	Localpart string `sconf-doc:"Localpart of the from address, e.g. noreply-reports. The domain is the configured hostname's registered domain."`
	Domain    string `sconf:"optional" sconf-doc:"Domain of the from address. Default: the hostname without its first label."`

	OrgName     string `sconf:"optional" sconf-doc:"Organization name stamped into DMARC report metadata. Default: the from domain."`
	ContactInfo string `sconf:"optional" sconf-doc:"Contact address or URL for DMARC report metadata."`

	Address smtp.Address `sconf:"-" json:"-"`
}

// Store configures one report store.
type Store struct {
	Address string `sconf-doc:"Backend address, e.g. bolt:reports.db, redis:localhost:6379/0 or mem:."`

	SweepInterval time.Duration `sconf:"optional" sconf-doc:"How often the sweeper looks for expired aggregates to send. Sweeps wake with jitter around this interval. Default: 5m."`
	PurgeInterval time.Duration `sconf:"optional" sconf-doc:"How often expired rows past retention are removed. Runs also when report sending is disabled. Default: 1h."`
	Retention     time.Duration `sconf:"optional" sconf-doc:"How long a rendered-or-expired aggregate's data may linger before the purge task removes it. Default: 48h."`
}

// ReportKind configures a kind of immediate (per-event) report.
type ReportKind struct {
	Enabled bool   `sconf:"optional" sconf-doc:"Whether reports of this kind are generated."`
	Store   string `sconf:"optional" sconf-doc:"Name of the store holding throttle state for this kind. Default: the store named default."`

	Rate         string `sconf:"optional" sconf-doc:"Maximum reports per remote party, e.g. 1/1h. Supports if/then/else expressions over event variables, e.g. if sender_domain == 'example.com' then 10/1h else 1/24h. Empty means unlimited."`
	RateFailOpen bool   `sconf:"optional" sconf-doc:"Send reports when the throttle store is unavailable. Default is to drop them."`

	MaxSize int64 `sconf:"optional" sconf-doc:"Maximum size of a composed report message in bytes. Larger reports are not sent. Default: 26214400 (25MB)."`
	Sign    bool  `sconf:"optional" sconf-doc:"DKIM-sign outgoing reports through the signer hook."`

	RateBlock expr.Block `sconf:"-" json:"-"`
}

// AggregateKind configures a kind of aggregated report.
type AggregateKind struct {
	// The embedded fields are set at the same level as Cadence in the config
	// file, through Go field promotion.
	ReportKind `sconf:"optional"`

	Cadence string `sconf:"optional" sconf-doc:"Aggregation interval: hourly, daily or weekly. Default: daily. Buckets are aligned to whole intervals in UTC, the bucket of an event follows from the event time alone."`

	MaxRecords int `sconf:"optional" sconf-doc:"Maximum distinct records per aggregate. Further distinct records are counted in an overflow counter instead of stored. Default: 10000."`

	MaxAttempts int `sconf:"optional" sconf-doc:"Give up on an aggregate after this many failed render/enqueue attempts. Default: 3."`

	Interval time.Duration `sconf:"-" json:"-"`
}

// ResolveRate returns the throttle rate for the given event variables. An
// empty result means unlimited.
func (k ReportKind) ResolveRate(vars expr.Vars) (throttle.Rate, error) {
	s := k.RateBlock.Eval(vars)
	if s == "" {
		return throttle.Rate{}, nil
	}
	r, err := throttle.ParseRate(s)
	if err != nil {
		return throttle.Rate{}, err
	}
	r.FailOpen = k.RateFailOpen
	return r, nil
}
