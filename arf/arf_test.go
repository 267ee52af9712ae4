package arf

import (
	"bufio"
	"bytes"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailreport/dns"
	"github.com/mjl-/mailreport/message"
	"github.com/mjl-/mailreport/smtp"
)

func TestCompose(t *testing.T) {
	from := message.NameAddress{
		DisplayName: "Reports",
		Address:     smtp.Address{Localpart: "noreply", Domain: dns.Domain{ASCII: "sender.example"}},
	}
	f := Feedback{
		From:                  from,
		To:                    smtp.Address{Localpart: "spf-reports", Domain: dns.Domain{ASCII: "example.com"}},
		Subject:               "Authentication failure report for example.com",
		TextBody:              "A message failed SPF evaluation.\n",
		FeedbackType:          FeedbackAuthFailure,
		UserAgent:             "mailreport/0.1",
		AuthFailure:           AuthFailureSPF,
		OriginalMailFrom:      "sender@example.com",
		OriginalRcptTo:        "rcpt@sender.example",
		ArrivalDate:           time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		SourceIP:              "192.0.2.1",
		ReportedDomain:        "example.com",
		ReportingMTA:          "mx.sender.example",
		DeliveryResult:        DeliveryReject,
		AuthenticationResults: "mx.sender.example; spf=fail smtp.mailfrom=example.com",
		DNSEvidence:           []string{"SPF-DNS: txt : example.com : v=spf1 -all"},
		OriginalHeaders:       []byte("From: <sender@example.com>\r\nSubject: hi\r\n\r\n"),
	}

	data, err := f.Compose(nil, false)
	if err != nil {
		t.Fatalf("composing feedback report: %s", err)
	}
	if f.MessageID == "" {
		t.Fatalf("no message-id set after composing")
	}

	msg, err := mail.ReadMessage(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("parsing composed message: %s", err)
	}
	ct, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || ct != "multipart/report" {
		t.Fatalf("got content-type %q (err %v), expected multipart/report", ct, err)
	}
	if params["report-type"] != "feedback-report" {
		t.Fatalf("got report-type %q, expected feedback-report", params["report-type"])
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var parts []string
	var reportFields textproto.MIMEHeader
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		pct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		parts = append(parts, pct)
		if pct == "message/feedback-report" {
			tr := textproto.NewReader(bufio.NewReader(p))
			reportFields, err = tr.ReadMIMEHeader()
			if err != nil && reportFields == nil {
				t.Fatalf("parsing feedback-report fields: %s", err)
			}
		}
	}
	expParts := []string{"text/plain", "message/feedback-report", "text/rfc822-headers"}
	if strings.Join(parts, ",") != strings.Join(expParts, ",") {
		t.Fatalf("got parts %v, expected %v", parts, expParts)
	}
	if reportFields.Get("Feedback-Type") != "auth-failure" || reportFields.Get("Auth-Failure") != "spf" {
		t.Fatalf("unexpected feedback-report fields %v", reportFields)
	}
	if reportFields.Get("Source-Ip") != "192.0.2.1" {
		t.Fatalf("got source-ip %q, expected 192.0.2.1", reportFields.Get("Source-Ip"))
	}
	if reportFields.Get("Spf-Dns") == "" {
		t.Fatalf("missing spf-dns evidence field, got %v", reportFields)
	}
}
