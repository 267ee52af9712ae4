package message

import (
	"github.com/google/uuid"

	"github.com/mjl-/mailreport/dns"
)

// MessageIDGen returns a generated unique Message-Id value for a message from
// hostname, excluding <>.
func MessageIDGen(hostname dns.Domain, smtputf8 bool) string {
	return uuid.New().String() + "@" + hostname.XName(smtputf8)
}
