// Package arf composes abuse/authentication failure reports in the Abuse
// Reporting Format, see RFC 5965 and RFC 6591.
package arf

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/mjl-/mailreport/message"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/smtp"
)

// FeedbackType is the type of report, the report-type parameter of the
// multipart/report content-type.
type FeedbackType string

// https://www.iana.org/assignments/marf-parameters/marf-parameters.xhtml

const (
	FeedbackAbuse       FeedbackType = "abuse"
	FeedbackAuthFailure FeedbackType = "auth-failure"
	FeedbackFraud       FeedbackType = "fraud"
	FeedbackOther       FeedbackType = "other"
	FeedbackVirus       FeedbackType = "virus"
)

// AuthFailure names the authentication mechanism that failed, for
// auth-failure reports.
type AuthFailure string

const (
	AuthFailureADSP      AuthFailure = "adsp"
	AuthFailureBodyHash  AuthFailure = "bodyhash"
	AuthFailureRevoked   AuthFailure = "revoked"
	AuthFailureSignature AuthFailure = "signature"
	AuthFailureSPF       AuthFailure = "spf"
	AuthFailureDMARC     AuthFailure = "dmarc"
)

// DeliveryResult indicates what happened to the reported message.
type DeliveryResult string

const (
	DeliveryDelivered DeliveryResult = "delivered"
	DeliverySpam      DeliveryResult = "spam"
	DeliveryPolicy    DeliveryResult = "policy"
	DeliveryReject    DeliveryResult = "reject"
	DeliveryOther     DeliveryResult = "other"
)

// Feedback is a report about a single message, to be composed into a
// multipart/report message and sent to the domain owner's reporting address.
type Feedback struct {
	SMTPUTF8 bool // Whether the reported transaction used smtputf8.

	From    message.NameAddress // Report sender, typically a configured submitter address.
	To      smtp.Address        // Reporting address from the evaluated policy.
	Subject string

	// Set when the message is composed.
	MessageID string

	// Human-readable text explaining the failure. Lines are terminated with bare
	// newlines, converted to \r\n when composing.
	TextBody string

	FeedbackType FeedbackType
	UserAgent    string
	AuthFailure  AuthFailure // Required for auth-failure reports.

	OriginalEnvelopeID string
	OriginalMailFrom   string
	OriginalRcptTo     string
	ArrivalDate        time.Time
	SourceIP           string
	ReportedDomain     string
	ReportingMTA       string // Hostname, included as "dns; name".
	DeliveryResult     DeliveryResult

	// Raw Authentication-Results header value as evaluated during delivery,
	// without the header name.
	AuthenticationResults string

	// DNS evidence lines for auth-failure reports, e.g. the SPF or DKIM records
	// that were evaluated. Each entry is a complete field line such as
	// "SPF-DNS: txt : example.com : v=spf1 -all".
	DNSEvidence []string

	// Headers of the reported message, included as third MIME part.
	OriginalHeaders []byte
}

// Compose returns the feedback report as a complete message.
func (f *Feedback) Compose(log *mlog.Log, smtputf8 bool) (data []byte, rerr error) {
	// Three-part multipart/report: human-readable explanation, the
	// machine-parsable message/feedback-report, and the original headers.

	if !f.SMTPUTF8 {
		smtputf8 = false
	}

	var buf bytes.Buffer
	xc := message.NewComposer(&buf, 0)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()
	xc.SMTPUTF8 = smtputf8

	xc.HeaderAddrs("From", []message.NameAddress{f.From})
	xc.HeaderAddrs("To", []message.NameAddress{{Address: f.To}})
	xc.Subject(f.Subject)
	f.MessageID = message.MessageIDGen(f.From.Address.Domain, smtputf8)
	xc.Header("Message-Id", fmt.Sprintf("<%s>", f.MessageID))
	xc.Header("Date", time.Now().Format(message.RFC5322Z))
	xc.Header("Auto-Submitted", "auto-generated")
	xc.Header("MIME-Version", "1.0")
	mp := multipart.NewWriter(xc)
	xc.Header("Content-Type", fmt.Sprintf(`multipart/report; report-type="feedback-report"; boundary="%s"`, mp.Boundary()))
	xc.Line()

	// Human-readable part.
	textBody, ct, cte := xc.TextPart(f.TextBody)
	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", ct)
	textHdr.Set("Content-Transfer-Encoding", cte)
	textp, err := mp.CreatePart(textHdr)
	xc.Checkf(err, "adding text part")
	_, err = textp.Write(textBody)
	xc.Checkf(err, "writing text part")

	// Machine-parsable part.
	reportHdr := textproto.MIMEHeader{}
	reportHdr.Set("Content-Type", "message/feedback-report")
	reportHdr.Set("Content-Transfer-Encoding", "7bit")
	reportp, err := mp.CreatePart(reportHdr)
	xc.Checkf(err, "adding feedback-report part")

	field := func(k, v string) {
		if v == "" {
			return
		}
		_, err := fmt.Fprintf(reportp, "%s: %s\r\n", k, v)
		xc.Checkf(err, "writing feedback-report field")
	}
	field("Feedback-Type", string(f.FeedbackType))
	field("User-Agent", f.UserAgent)
	field("Version", "1")
	field("Auth-Failure", string(f.AuthFailure))
	if f.AuthenticationResults != "" {
		field("Authentication-Results", f.AuthenticationResults)
	}
	field("Original-Envelope-Id", f.OriginalEnvelopeID)
	if f.OriginalMailFrom != "" {
		field("Original-Mail-From", "<"+f.OriginalMailFrom+">")
	}
	if f.OriginalRcptTo != "" {
		field("Original-Rcpt-To", "<"+f.OriginalRcptTo+">")
	}
	if !f.ArrivalDate.IsZero() {
		field("Arrival-Date", f.ArrivalDate.Format(message.RFC5322Z))
	}
	field("Source-IP", f.SourceIP)
	field("Reported-Domain", f.ReportedDomain)
	if f.ReportingMTA != "" {
		field("Reporting-MTA", "dns; "+f.ReportingMTA)
	}
	field("Delivery-Result", string(f.DeliveryResult))
	for _, line := range f.DNSEvidence {
		_, err := fmt.Fprintf(reportp, "%s\r\n", strings.TrimRight(line, "\r\n"))
		xc.Checkf(err, "writing dns evidence field")
	}

	// Headers of the message the report is about.
	if len(f.OriginalHeaders) > 0 {
		origHdr := textproto.MIMEHeader{}
		if smtputf8 {
			origHdr.Set("Content-Type", "message/global-headers")
			origHdr.Set("Content-Transfer-Encoding", "8bit")
		} else {
			origHdr.Set("Content-Type", "text/rfc822-headers")
			origHdr.Set("Content-Transfer-Encoding", "7bit")
		}
		origp, err := mp.CreatePart(origHdr)
		xc.Checkf(err, "adding original headers part")
		_, err = origp.Write(f.OriginalHeaders)
		xc.Checkf(err, "writing original headers")
	}

	err = mp.Close()
	xc.Checkf(err, "closing multipart")
	xc.Flush()

	return buf.Bytes(), nil
}
