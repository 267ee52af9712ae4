package reportsend

import (
	"cmp"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/config"
	"github.com/mjl-/mailreport/dmarcrpt"
	"github.com/mjl-/mailreport/message"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/mrio"
	"github.com/mjl-/mailreport/queue"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/smtp"
	"github.com/mjl-/mailreport/tlsrpt"
)

// attachment describes the gzipped report document added to the outgoing
// message.
type attachment struct {
	filename    string
	contentType string // E.g. application/gzip.
}

// sendDMARC renders a claimed aggregate as a DMARC aggregate report (RFC 7489)
// and enqueues it for each reporting address from the policy snapshot.
func (s *sender) sendDMARC(ctx context.Context, log *mlog.Log, a reportstore.Aggregate) error {
	sub := mailreport.Conf.Submitter
	begin := a.BucketStart
	end := a.BucketStart.Add(mailreport.Conf.DMARC.Interval)
	reportID := end.UTC().Format("20060102.15") + "." + uuid.New().String()

	feedback := dmarcrpt.Feedback{
		Version: "1.0",
		ReportMetadata: dmarcrpt.ReportMetadata{
			OrgName:          sub.OrgName,
			Email:            sub.Address.Pack(false),
			ExtraContactInfo: sub.ContactInfo,
			ReportID:         reportID,
			DateRange: dmarcrpt.DateRange{
				Begin: begin.Unix(),
				End:   end.Add(-time.Second).Unix(),
			},
		},
		PolicyPublished: a.Snapshot.Published,
	}
	if a.Overflow > 0 {
		feedback.ReportMetadata.Errors = []string{fmt.Sprintf("%d additional distinct results were not recorded", a.Overflow)}
	}

	// Stable order in the rendered report, regardless of event arrival order.
	records := slices.Clone(a.Records)
	slices.SortFunc(records, func(x, y reportstore.Record) int {
		return cmp.Compare(x.Fingerprint, y.Fingerprint)
	})
	for _, r := range records {
		if r.Dmarc == nil {
			log.Error("aggregate record without dmarc data, skipping", mlog.Field("fingerprint", r.Fingerprint))
			continue
		}
		rr := *r.Dmarc
		rr.Row.Count = int(r.Count)
		feedback.Records = append(feedback.Records, rr)
	}

	repFile, err := mrio.CreateMessageTemp(log, mailreport.DataDirPath("tmp"), "dmarcreport")
	if err != nil {
		return fmt.Errorf("creating temporary report file: %v", err)
	}
	defer mrio.CloseRemoveTempFile(log, repFile, "gzipped dmarc report")
	gzw := gzip.NewWriter(repFile)
	if _, err := gzw.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("writing xml header: %v", err)
	}
	enc := xml.NewEncoder(gzw)
	enc.Indent("", "\t")
	if err := enc.Encode(feedback); err != nil {
		return fmt.Errorf("writing dmarc report xml: %v", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("gzip close: %v", err)
	}

	att := attachment{
		filename:    fmt.Sprintf("%s!%s!%d!%d.xml.gz", sub.Address.Domain.ASCII, a.Domain, begin.Unix(), end.Add(-time.Second).Unix()),
		contentType: "application/gzip",
	}
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>", a.Domain, sub.Address.Domain.ASCII, reportID)
	text := fmt.Sprintf(`This is a DMARC aggregate report for the domain %s, period %s to %s UTC, as requested through its DMARC DNS record. The attached gzipped XML file contains evaluation results of messages with the domain in the From header.

`, a.Domain, begin.UTC().Format(time.DateTime), end.UTC().Format(time.DateTime))

	return s.enqueue(ctx, log, a, mailreport.Conf.DMARC.ReportKind, subject, text, nil, att, repFile, reportID)
}

// sendTLSRPT renders a claimed aggregate as a TLS report (RFC 8460) and
// enqueues it.
func (s *sender) sendTLSRPT(ctx context.Context, log *mlog.Log, a reportstore.Aggregate) error {
	sub := mailreport.Conf.Submitter
	begin := a.BucketStart
	end := a.BucketStart.Add(mailreport.Conf.TLSRPT.Interval)
	reportID := fmt.Sprintf("%s.%s@%s", begin.UTC().Format("20060102"), a.Domain, sub.Address.Domain.ASCII)

	report := tlsrpt.Report{
		OrganizationName: sub.OrgName,
		DateRange: tlsrpt.TLSRPTDateRange{
			Start: begin.UTC(),
			End:   end.Add(-time.Second).UTC(),
		},
		ContactInfo: sub.Address.Pack(false),
		ReportID:    reportID,
	}
	records := slices.Clone(a.Records)
	slices.SortFunc(records, func(x, y reportstore.Record) int {
		return cmp.Compare(x.Fingerprint, y.Fingerprint)
	})
	for _, r := range records {
		if r.TLS == nil {
			log.Error("aggregate record without tls data, skipping", mlog.Field("fingerprint", r.Fingerprint))
			continue
		}
		report.Merge(*r.TLS)
	}

	repFile, err := mrio.CreateMessageTemp(log, mailreport.DataDirPath("tmp"), "tlsreport")
	if err != nil {
		return fmt.Errorf("creating temporary report file: %v", err)
	}
	defer mrio.CloseRemoveTempFile(log, repFile, "gzipped tls report")
	gzw := gzip.NewWriter(repFile)
	jenc := json.NewEncoder(gzw)
	jenc.SetIndent("", "\t")
	if err := jenc.Encode(report); err != nil {
		return fmt.Errorf("writing tls report json: %v", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("gzip close: %v", err)
	}

	att := attachment{
		filename:    fmt.Sprintf("%s!%s!%d!%d.json.gz", sub.Address.Domain.ASCII, a.Domain, begin.Unix(), end.Add(-time.Second).Unix()),
		contentType: "application/tlsrpt+gzip",
	}
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>", a.Domain, sub.Address.Domain.ASCII, reportID)
	text := fmt.Sprintf(`This is a TLS report for the domain %s, period %s to %s UTC, as requested through its TLSRPT DNS record. The attached gzipped JSON file summarizes TLS connection successes and failures to the domain's mail servers.

`, a.Domain, begin.UTC().Format(time.DateTime), end.UTC().Format(time.DateTime))
	extra := [][2]string{
		{"TLS-Report-Domain", a.Domain},
		{"TLS-Report-Submitter", sub.Address.Domain.ASCII},
	}

	return s.enqueue(ctx, log, a, mailreport.Conf.TLSRPT.ReportKind, subject, text, extra, att, repFile, reportID)
}

// enqueue composes the outgoing message once, then queues it for each
// reporting address. Addresses whose URI size limit is below the composed
// message are told through a small error report instead (RFC 7489, 7.2.2).
func (s *sender) enqueue(ctx context.Context, log *mlog.Log, a reportstore.Aggregate, kind config.ReportKind, subject, text string, extraHeaders [][2]string, att attachment, attFile *os.File, reportID string) error {
	now := time.Now()
	sub := mailreport.Conf.Submitter

	var recipients []message.NameAddress
	var dests []reportstore.Destination
	for _, d := range a.Snapshot.Addresses {
		addr, err := smtp.ParseAddress(d.Address)
		if err != nil {
			log.Errorx("skipping invalid reporting address", err, mlog.Field("address", d.Address))
			continue
		}
		if sup, err := reportstore.IsSuppressed(ctx, s.db, d.Address, now); err != nil {
			log.Errorx("checking suppression list", err, mlog.Field("address", d.Address))
		} else if sup {
			log.Info("not sending report, reporting address on suppression list", mlog.Field("address", d.Address))
			continue
		}
		recipients = append(recipients, message.NameAddress{Address: addr})
		dests = append(dests, d)
	}
	if len(recipients) == 0 {
		log.Info("no usable reporting addresses, dropping report")
		return nil
	}

	msgFile, err := mrio.CreateMessageTemp(log, mailreport.DataDirPath("tmp"), "report")
	if err != nil {
		return fmt.Errorf("creating temporary message file: %v", err)
	}
	defer mrio.CloseRemoveTempFile(log, msgFile, "report message")

	msgID, size, err := composeAggregateMessage(msgFile, kind.MaxSize, sub, recipients, subject, text, extraHeaders, att, attFile)
	if err != nil {
		if errors.Is(err, message.ErrMessageSize) {
			log.Error("composed report exceeds configured maximum size, dropping", mlog.Field("maxsize", kind.MaxSize))
			return nil
		}
		return fmt.Errorf("composing report message: %v", err)
	}

	var msgPrefix []byte
	if kind.Sign {
		buf, err := os.ReadFile(msgFile.Name())
		if err != nil {
			return fmt.Errorf("reading composed message for signing: %v", err)
		}
		msgPrefix, err = queue.Sign(ctx, log, sub.Address, false, buf)
		if err != nil {
			return fmt.Errorf("dkim-signing report message: %v", err)
		}
	}

	var queued bool
	var tooSmall []smtp.Address
	for i, rcpt := range recipients {
		if maxSize := dests[i].MaxSize; maxSize > 0 && size+int64(len(msgPrefix)) > maxSize {
			log.Info("report larger than maximum size accepted by reporting address", mlog.Field("address", dests[i].Address), mlog.Field("size", size), mlog.Field("maxsize", maxSize))
			tooSmall = append(tooSmall, rcpt.Address)
			continue
		}
		qm := queue.MakeMsg(sub.Address, rcpt.Address, size, msgID)
		qm.MsgPrefix = msgPrefix
		qm.Size += int64(len(msgPrefix))
		qm.IsReport = true
		qm.MaxAttempts = 5
		if err := queueAdd(ctx, log, &qm, msgFile); err != nil {
			return fmt.Errorf("queueing report message: %v", err)
		}
		log.Info("report message queued", mlog.Field("recipient", dests[i].Address))
		queued = true
	}

	if !queued && len(tooSmall) > 0 {
		if err := s.sendErrorReport(ctx, log, a, subject, reportID, size, tooSmall); err != nil {
			log.Errorx("sending report-too-large notification", err)
		}
	}
	return nil
}

// composeAggregateMessage writes the full report message to mf and returns its
// message-id and size.
func composeAggregateMessage(mf *os.File, maxSize int64, sub config.Submitter, recipients []message.NameAddress, subject, text string, extraHeaders [][2]string, att attachment, attFile *os.File) (msgID string, size int64, rerr error) {
	xc := message.NewComposer(mf, maxSize)
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

	xc.SMTPUTF8 = sub.Address.Localpart.IsInternational()
	for _, rcpt := range recipients {
		if rcpt.Address.Localpart.IsInternational() {
			xc.SMTPUTF8 = true
		}
	}

	xc.HeaderAddrs("From", []message.NameAddress{{DisplayName: sub.Name, Address: sub.Address}})
	xc.HeaderAddrs("To", recipients)
	xc.Subject(subject)
	for _, kv := range extraHeaders {
		xc.Header(kv[0], kv[1])
	}
	msgID = message.MessageIDGen(mailreport.Conf.HostnameDomain, xc.SMTPUTF8)
	xc.Header("Message-Id", fmt.Sprintf("<%s>", msgID))
	xc.Header("Date", time.Now().Format(message.RFC5322Z))
	xc.Header("User-Agent", "mailreport/"+mailreport.Version)
	xc.Header("MIME-Version", "1.0")

	mp := multipart.NewWriter(xc)
	xc.Header("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mp.Boundary()))
	xc.Line()

	textBody, ct, cte := xc.TextPart(text)
	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", ct)
	textHdr.Set("Content-Transfer-Encoding", cte)
	tp, err := mp.CreatePart(textHdr)
	xc.Checkf(err, "adding text part")
	_, err = tp.Write(textBody)
	xc.Checkf(err, "writing text part")

	attHdr := textproto.MIMEHeader{}
	attHdr.Set("Content-Type", fmt.Sprintf(`%s; name="%s"`, att.contentType, att.filename))
	attHdr.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, att.filename))
	attHdr.Set("Content-Transfer-Encoding", "base64")
	ap, err := mp.CreatePart(attHdr)
	xc.Checkf(err, "adding report attachment part")
	wc := mrio.Base64Writer(ap)
	_, err = io.Copy(wc, &mrio.AtReader{R: attFile})
	xc.Checkf(err, "adding gzipped report to message")
	err = wc.Close()
	xc.Checkf(err, "flushing report attachment")

	err = mp.Close()
	xc.Checkf(err, "closing multipart")
	xc.Flush()

	return msgID, xc.Size, nil
}

// sendErrorReport tells reporting addresses that refused the full report for
// its size about the report they are missing, per RFC 7489, section 7.2.2.
func (s *sender) sendErrorReport(ctx context.Context, log *mlog.Log, a reportstore.Aggregate, subject, reportID string, size int64, recipients []smtp.Address) error {
	sub := mailreport.Conf.Submitter

	text := fmt.Sprintf(`Report-Date: %s
Report-Domain: %s
Report-ID: %s
Report-Size: %d
Submitter: %s
Submitting-URI: mailto:%s
`, time.Now().Format(message.RFC5322Z), a.Domain, reportID, size, sub.Address.Domain.ASCII, sub.Address.Pack(false))

	msgFile, err := mrio.CreateMessageTemp(log, mailreport.DataDirPath("tmp"), "reporterror")
	if err != nil {
		return fmt.Errorf("creating temporary message file: %v", err)
	}
	defer mrio.CloseRemoveTempFile(log, msgFile, "error report message")

	var addrs []message.NameAddress
	for _, rcpt := range recipients {
		addrs = append(addrs, message.NameAddress{Address: rcpt})
	}

	msgID, size, err := composeErrorMessage(msgFile, sub, addrs, subject, text)
	if err != nil {
		return fmt.Errorf("composing error report message: %v", err)
	}

	for _, rcpt := range recipients {
		qm := queue.MakeMsg(sub.Address, rcpt, size, msgID)
		qm.IsReport = true
		qm.MaxAttempts = 3
		if err := queueAdd(ctx, log, &qm, msgFile); err != nil {
			return fmt.Errorf("queueing error report message: %v", err)
		}
	}
	return nil
}

func composeErrorMessage(mf *os.File, sub config.Submitter, recipients []message.NameAddress, subject, text string) (msgID string, size int64, rerr error) {
	xc := message.NewComposer(mf, 0)
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

	xc.SMTPUTF8 = sub.Address.Localpart.IsInternational()
	for _, rcpt := range recipients {
		if rcpt.Address.Localpart.IsInternational() {
			xc.SMTPUTF8 = true
		}
	}

	xc.HeaderAddrs("From", []message.NameAddress{{DisplayName: sub.Name, Address: sub.Address}})
	xc.HeaderAddrs("To", recipients)
	xc.Subject(subject)
	msgID = message.MessageIDGen(mailreport.Conf.HostnameDomain, xc.SMTPUTF8)
	xc.Header("Message-Id", fmt.Sprintf("<%s>", msgID))
	xc.Header("Date", time.Now().Format(message.RFC5322Z))
	xc.Header("User-Agent", "mailreport/"+mailreport.Version)
	xc.Header("MIME-Version", "1.0")

	textBody, ct, cte := xc.TextPart(text)
	xc.Header("Content-Type", ct)
	xc.Header("Content-Transfer-Encoding", cte)
	xc.Line()
	_, err := xc.Write(textBody)
	xc.Checkf(err, "writing text body")
	xc.Flush()

	return msgID, xc.Size, nil
}
