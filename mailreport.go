// Package mailreport holds the shared state of the feedback-reporting
// subsystem: the loaded configuration and a few process-wide helpers used by
// the other packages.
package mailreport

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailreport/config"
	"github.com/mjl-/mailreport/dns"
	"github.com/mjl-/mailreport/expr"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/smtp"
	"github.com/mjl-/mailreport/throttle"
)

var xlog = mlog.New("mailreport")

// Version of this module, stamped into report metadata and user-agent
// fields. Overridden with the release version at build time.
var Version = "(devel)"

// Shutdown is canceled when a graceful shutdown is initiated. Background
// loops drain their current cycle and stop.
var Shutdown context.Context
var ShutdownCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for operations and their logging.
func Cid() int64 {
	return cid.Add(1)
}

// NewPseudoRand returns a new PRNG seeded with random bytes from crypto/rand.
func NewPseudoRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(cryptoRandInt()))
}

func cryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}

// Sleep for d, but return as soon as ctx is done.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// Conf is the current configuration. Set by LoadConfig before any other
// package is used.
var Conf config.Config

// ConfigPath is the path of the loaded config file, for resolving relative
// paths.
var ConfigPath string

// DataDirPath returns the path to f. Either f itself when absolute, or
// interpreted relative to the data directory, which in turn is relative to
// the directory of the config file.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	dataDir := Conf.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(ConfigPath), dataDir)
	}
	return filepath.Join(dataDir, f)
}

// LoadConfig parses the config file at path and validates and hydrates it,
// setting Conf on success.
func LoadConfig(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %v", err)
	}
	defer f.Close()
	var c config.Config
	if err := sconf.Parse(f, &c); err != nil {
		return fmt.Errorf("parsing config file %s: %v", path, err)
	}
	if err := prepare(&c); err != nil {
		return fmt.Errorf("checking config file %s: %v", path, err)
	}
	ConfigPath = path
	Conf = c
	return nil
}

// MustLoadConfig is like LoadConfig but logs a fatal error on failure. Used
// from tests and program startup.
func MustLoadConfig(path string) {
	if err := LoadConfig(path); err != nil {
		xlog.Fatalx("loading config", err, mlog.Field("path", path))
	}
}

// prepare validates the textual fields and fills their parsed counterparts.
func prepare(c *config.Config) error {
	if c.LogLevel != "" {
		if _, ok := mlog.Levels[c.LogLevel]; !ok {
			return fmt.Errorf("unknown log level %q", c.LogLevel)
		}
	}
	pkglevels := map[string]mlog.Level{}
	if c.LogLevel != "" {
		pkglevels[""] = mlog.Levels[c.LogLevel]
	} else {
		pkglevels[""] = mlog.LevelInfo
	}
	for pkg, s := range c.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		pkglevels[pkg] = level
	}
	mlog.SetConfig(pkglevels)

	if c.DataDir == "" {
		return fmt.Errorf("missing DataDir")
	}

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		return fmt.Errorf("parsing hostname %q: %v", c.Hostname, err)
	}
	c.HostnameDomain = hostname

	if err := prepareSubmitter(c, hostname); err != nil {
		return err
	}

	if len(c.Stores) == 0 {
		return fmt.Errorf("no stores configured")
	}
	for name, st := range c.Stores {
		if st.Address == "" {
			return fmt.Errorf("store %q without address", name)
		}
		if st.SweepInterval == 0 {
			st.SweepInterval = 5 * time.Minute
		}
		if st.PurgeInterval == 0 {
			st.PurgeInterval = time.Hour
		}
		if st.Retention == 0 {
			st.Retention = 48 * time.Hour
		}
		c.Stores[name] = st
	}

	if err := prepareKind(c, "SPF", &c.SPF); err != nil {
		return err
	}
	if err := prepareKind(c, "DKIM", &c.DKIM); err != nil {
		return err
	}
	if err := prepareKind(c, "ARF", &c.ARF); err != nil {
		return err
	}
	if err := prepareAggregate(c, "DMARC", &c.DMARC); err != nil {
		return err
	}
	if err := prepareAggregate(c, "TLSRPT", &c.TLSRPT); err != nil {
		return err
	}
	return nil
}

func prepareSubmitter(c *config.Config, hostname dns.Domain) error {
	sub := &c.Submitter
	if sub.Localpart == "" {
		return fmt.Errorf("missing submitter localpart")
	}
	domstr := sub.Domain
	if domstr == "" {
		// Hostname without its first label, e.g. mail.example.com gives
		// example.com.
		var ok bool
		_, domstr, ok = cutLabel(hostname.Name())
		if !ok {
			return fmt.Errorf("cannot derive submitter domain from hostname %q, configure one", c.Hostname)
		}
	}
	dom, err := dns.ParseDomain(domstr)
	if err != nil {
		return fmt.Errorf("parsing submitter domain %q: %v", domstr, err)
	}
	sub.Address = smtp.NewAddress(smtp.Localpart(sub.Localpart), dom)
	if sub.OrgName == "" {
		sub.OrgName = dom.Name()
	}
	return nil
}

func cutLabel(s string) (label, rest string, ok bool) {
	label, rest, ok = strings.Cut(s, ".")
	if !ok || rest == "" || !strings.Contains(rest, ".") {
		return "", "", false
	}
	return label, rest, true
}

func prepareKind(c *config.Config, what string, k *config.ReportKind) error {
	if !k.Enabled {
		return nil
	}
	if k.Store == "" {
		k.Store = "default"
	}
	if _, ok := c.Stores[k.Store]; !ok {
		return fmt.Errorf("%s: unknown store %q", what, k.Store)
	}
	if k.MaxSize == 0 {
		k.MaxSize = 25 * 1024 * 1024
	}
	block, err := expr.ParseBlock(k.Rate)
	if err != nil {
		return fmt.Errorf("%s: parsing rate: %v", what, err)
	}
	// Evaluate all branches once so malformed rates fail at startup.
	for _, it := range block.IfThens {
		if _, err := throttle.ParseRate(it.Then); err != nil {
			return fmt.Errorf("%s: %v", what, err)
		}
	}
	if block.Default != "" {
		if _, err := throttle.ParseRate(block.Default); err != nil {
			return fmt.Errorf("%s: %v", what, err)
		}
	}
	k.RateBlock = block
	return nil
}

func prepareAggregate(c *config.Config, what string, k *config.AggregateKind) error {
	if err := prepareKind(c, what, &k.ReportKind); err != nil {
		return err
	}
	if !k.Enabled {
		return nil
	}
	switch k.Cadence {
	case "", "daily":
		k.Interval = 24 * time.Hour
	case "hourly":
		k.Interval = time.Hour
	case "weekly":
		k.Interval = 7 * 24 * time.Hour
	default:
		return fmt.Errorf("%s: unknown cadence %q, expected hourly, daily or weekly", what, k.Cadence)
	}
	if k.MaxRecords == 0 {
		k.MaxRecords = 10000
	}
	if k.MaxAttempts == 0 {
		k.MaxAttempts = 3
	}
	return nil
}
