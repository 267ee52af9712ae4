package reporting

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mjl-/mailreport"
	"github.com/mjl-/mailreport/arf"
	"github.com/mjl-/mailreport/message"
	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/mrio"
	"github.com/mjl-/mailreport/queue"
	"github.com/mjl-/mailreport/reportstore"
	"github.com/mjl-/mailreport/smtp"
	"github.com/mjl-/mailreport/throttle"
)

// queueAdd is as queue.Add, and replaced in tests.
var queueAdd = func(ctx context.Context, log *mlog.Log, qm *queue.Msg, msgFile *os.File) error {
	return queue.Add(ctx, log, qm, msgFile)
}

// addImmediate renders a single-incident ARF message and enqueues it for
// each throttle-permitted destination. Failures are returned to the caller
// without retry: the triggering session has already moved on.
func addImmediate(ctx context.Context, log *mlog.Log, db reportstore.DB, e Event, d Decision, rate throttle.Rate) error {
	var lastErr error
	for _, dest := range d.Destinations {
		if !throttle.Allow(ctx, log, db, e.Kind, dest.Address, rate) {
			metricEvent.WithLabelValues(string(e.Kind), "throttled").Inc()
			continue
		}
		if suppressed, err := reportstore.IsSuppressed(ctx, db, dest.Address, time.Now()); err != nil {
			log.Errorx("checking suppression list, sending report anyway", err, mlog.Field("address", dest.Address))
		} else if suppressed {
			log.Debug("withholding report, recipient suppressed", mlog.Field("address", dest.Address))
			continue
		}
		if err := sendImmediate(ctx, log, e, d, dest); err != nil {
			log.Errorx("sending immediate report", err, mlog.Field("kind", e.Kind), mlog.Field("address", dest.Address))
			metricEvent.WithLabelValues(string(e.Kind), "error").Inc()
			lastErr = err
			continue
		}
		metricEvent.WithLabelValues(string(e.Kind), "immediate").Inc()
	}
	return lastErr
}

func sendImmediate(ctx context.Context, log *mlog.Log, e Event, d Decision, dest reportstore.Destination) error {
	rcpt, err := smtp.ParseAddress(dest.Address)
	if err != nil {
		return fmt.Errorf("parsing reporting address %q: %v", dest.Address, err)
	}

	conf := mailreport.Conf
	feedbackType := arf.FeedbackAuthFailure
	var authFailure arf.AuthFailure
	switch e.Kind {
	case reportstore.DKIM:
		authFailure = arf.AuthFailureSignature
	case reportstore.ARF:
		// Forwarded complaint, not an authentication failure.
		feedbackType = arf.FeedbackAbuse
	default:
		authFailure = arf.AuthFailureSPF
	}
	subject := fmt.Sprintf("Authentication failure report for %s", e.PolicyDomain)
	textBody := fmt.Sprintf("A message from IP %s failed %s evaluation for domain %s.\nThis is an automated report, see the attached machine-readable part.\n", e.SourceIP, e.Kind, e.PolicyDomain)
	if feedbackType == arf.FeedbackAbuse {
		subject = fmt.Sprintf("Abuse report for %s", e.PolicyDomain)
		textBody = fmt.Sprintf("A message from IP %s for domain %s was reported as abusive.\nThis is an automated report, see the attached machine-readable part.\n", e.SourceIP, e.PolicyDomain)
	}
	f := arf.Feedback{
		SMTPUTF8: rcpt.Localpart.IsInternational(),
		From: message.NameAddress{
			DisplayName: conf.Submitter.Name,
			Address:     conf.Submitter.Address,
		},
		To:                    rcpt,
		Subject:               subject,
		TextBody:              textBody,
		FeedbackType:          feedbackType,
		UserAgent:             "mailreport/" + mailreport.Version,
		AuthFailure:           authFailure,
		OriginalMailFrom:      e.EnvelopeFrom,
		OriginalRcptTo:        e.EnvelopeTo,
		ArrivalDate:           e.Received,
		SourceIP:              e.SourceIP,
		ReportedDomain:        e.PolicyDomain,
		ReportingMTA:          conf.HostnameDomain.ASCII,
		DeliveryResult:        deliveryResult(e),
		AuthenticationResults: e.AuthResults,
		DNSEvidence:           e.DNSEvidence,
		OriginalHeaders:       e.OriginalHeaders,
	}

	smtputf8 := f.SMTPUTF8
	data, err := f.Compose(log, smtputf8)
	if err != nil {
		return fmt.Errorf("composing report message: %v", err)
	}
	if dest.MaxSize > 0 && int64(len(data)) > dest.MaxSize {
		log.Debug("not sending report, larger than destination size limit", mlog.Field("address", dest.Address), mlog.Field("size", len(data)))
		return nil
	}
	if d.Kind.MaxSize > 0 && int64(len(data)) > d.Kind.MaxSize {
		return fmt.Errorf("report message size %d over configured maximum %d", len(data), d.Kind.MaxSize)
	}

	qm := queue.MakeMsg(conf.Submitter.Address, rcpt, int64(len(data)), f.MessageID)
	qm.IsReport = true
	if d.Kind.Sign {
		prefix, err := queue.Sign(ctx, log, conf.Submitter.Address, smtputf8, data)
		if err != nil {
			return fmt.Errorf("signing report message: %v", err)
		}
		qm.MsgPrefix = prefix
		qm.Size += int64(len(prefix))
	}

	msgFile, err := mrio.CreateMessageTemp(log, mailreport.DataDirPath("tmp"), "report")
	if err != nil {
		return fmt.Errorf("creating temporary message file: %v", err)
	}
	defer mrio.CloseRemoveTempFile(log, msgFile, "report message")
	if _, err := msgFile.Write(data); err != nil {
		return fmt.Errorf("writing report message: %v", err)
	}

	if err := queueAdd(ctx, log, &qm, msgFile); err != nil {
		return fmt.Errorf("enqueueing report message: %v", err)
	}
	log.Info("immediate report queued", mlog.Field("kind", e.Kind), mlog.Field("domain", e.PolicyDomain), mlog.Field("address", dest.Address))
	return nil
}

func deliveryResult(e Event) arf.DeliveryResult {
	switch e.Disposition {
	case "reject":
		return arf.DeliveryReject
	case "quarantine":
		return arf.DeliverySpam
	}
	return arf.DeliveryDelivered
}
