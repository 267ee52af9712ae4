// Package queue is the interface to the outbound message queue.
//
// The reporting packages compose messages and hand them off through Add. The
// default Add returns an error; the process hosting this module replaces it
// with its delivery queue. Tests replace it to intercept messages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mjl-/mailreport/mlog"
	"github.com/mjl-/mailreport/smtp"
)

var ErrNoQueue = errors.New("no outbound queue configured")

// Msg is a message to be delivered.
type Msg struct {
	Queued    time.Time
	Sender    smtp.Address
	Recipient smtp.Address

	// Headers to prepend to the message file, typically DKIM signatures.
	MsgPrefix []byte

	Size      int64 // Of message, including prefix.
	MessageID string

	// Maximum number of delivery attempts before the queue gives up. Zero means
	// the queue default.
	MaxAttempts int

	// Report messages must not themselves generate reports on failure, to
	// prevent mail loops.
	IsReport bool
}

// MakeMsg returns a queue message for the given transaction.
func MakeMsg(sender, recipient smtp.Address, size int64, messageID string) Msg {
	return Msg{
		Queued:    time.Now(),
		Sender:    sender,
		Recipient: recipient,
		Size:      size,
		MessageID: messageID,
	}
}

func (m Msg) String() string {
	return fmt.Sprintf("%s -> %s (%d bytes)", m.Sender.Pack(true), m.Recipient.Pack(true), m.Size)
}

// Add enqueues a message for delivery. The message data is read from msgFile,
// with qm.MsgPrefix prepended. The file is not closed or removed by Add.
//
// The default implementation returns ErrNoQueue. The host process sets its own.
var Add = func(ctx context.Context, log *mlog.Log, qm *Msg, msgFile *os.File) error {
	return ErrNoQueue
}

// Sign adds DKIM signatures for the sender domain to a composed message,
// returning the signature headers to prepend. The default is a no-op for
// deployments without signing keys; the host process replaces it.
var Sign = func(ctx context.Context, log *mlog.Log, sender smtp.Address, smtputf8 bool, msg []byte) ([]byte, error) {
	return nil, nil
}
