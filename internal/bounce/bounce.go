// Package bounce synthesizes delivery-failure reports. When the relay
// scheduler gives up on a recipient, it calls Generate to build a
// multipart/report message describing the failure and hand it back
// into the persistence pipeline as a new, locally-originated message.
package bounce

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/metrics"
	"github.com/epistula-mail/epistula/internal/repo"
	"github.com/epistula-mail/epistula/internal/routing"
	"github.com/epistula-mail/epistula/internal/store"
)

// Generator builds and re-enqueues delivery-failure reports for
// recipients the relay scheduler has given up on.
type Generator struct {
	DB       *sqlitex.Pool
	Filer    *iox.Filer
	Hostname string
	Logf     func(format string, v ...interface{})

	// Notify, if set, is called with the MsgID of the bounce once it
	// has been persisted, so the router or relay scheduler can pick it
	// up without waiting for their next poll tick.
	Notify func(msgID int64)
}

// OnPermanentFailure matches relay.Relay.OnPermanentFailure's
// signature; wiring it in causes every final-failure recipient to
// produce (or extend) a bounce back to the original sender.
func (g *Generator) OnPermanentFailure(msgID int64, recipient string) {
	ctx := context.Background()
	if err := g.generate(ctx, msgID, recipient); err != nil {
		g.logf("bounce: msgID=%d recipient=%s: %v", msgID, recipient, err)
	}
}

func (g *Generator) logf(format string, v ...interface{}) {
	if g.Logf != nil {
		g.Logf(format, v...)
	}
}

func (g *Generator) generate(ctx context.Context, msgID int64, recipient string) error {
	conn := g.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer g.DB.Put(conn)

	stmt := conn.Prep(`SELECT Sender, Hash, Subject FROM Msgs WHERE MsgID = $msgID;`)
	stmt.SetInt64("$msgID", msgID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		return fmt.Errorf("bounce: msgID %d not found", msgID)
	}
	sender := stmt.GetText("Sender")
	hash := stmt.GetText("Hash")
	subject := stmt.GetText("Subject")
	stmt.Reset()

	if sender == "" {
		// The original message had no envelope sender (<>), so it was
		// already a bounce or similarly unreturnable. The bounce path
		// is never itself bounced.
		return nil
	}

	orig, err := repo.Open(conn, g.Filer, hash)
	if err != nil {
		return err
	}
	defer orig.Close()

	report := g.Filer.BufferFile(0)
	defer report.Close()

	boundary, err := writeReport(report, g.Hostname, sender, subject, []string{recipient}, orig)
	if err != nil {
		return err
	}
	_ = boundary
	if _, err := report.Seek(0, 0); err != nil {
		return err
	}

	bounceHash, bounceSize, err := repo.Save(conn, report)
	if err != nil {
		return err
	}

	stmt = conn.Prep(`INSERT INTO Msgs (Hash, Sender, Subject, Size, SubscriberID, DateReceived)
		VALUES ($hash, '', $subject, $size, 0, $time);`)
	stmt.SetText("$hash", bounceHash)
	stmt.SetText("$subject", "Undelivered Mail Returned to Sender")
	stmt.SetInt64("$size", bounceSize)
	stmt.SetInt64("$time", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	bounceMsgID := conn.LastInsertRowID()

	res, err := routing.Resolve(conn, []byte(sender))
	if err != nil {
		return err
	}

	state := store.DeliveryToProcess
	if res.Kind == routing.Alien {
		state = store.DeliverySending
	}
	stmt = conn.Prep(`INSERT INTO MsgRecipients (MsgID, Recipient, FullAddress, DeliveryState)
		VALUES ($msgID, $recipient, '', $state);`)
	stmt.SetInt64("$msgID", bounceMsgID)
	stmt.SetText("$recipient", sender)
	stmt.SetInt64("$state", int64(state))
	if _, err := stmt.Step(); err != nil {
		return err
	}

	metrics.BouncesGenerated.Inc()
	if g.Notify != nil {
		g.Notify(bounceMsgID)
	}
	return nil
}

// writeReport encodes a multipart/report message to w: a human
// readable summary, a machine-readable delivery-status part, and the
// original message as message/rfc822. It returns the boundary used.
func writeReport(w io.Writer, hostname, sender, subject string, failed []string, orig io.Reader) (string, error) {
	mw := multipart.NewWriter(w)

	fmt.Fprintf(w, "From: Mail Delivery System <mailer-daemon@%s>\r\n", hostname)
	fmt.Fprintf(w, "To: %s\r\n", sender)
	fmt.Fprintf(w, "Subject: Undelivered Mail Returned to Sender\r\n")
	fmt.Fprintf(w, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(w, "Auto-Submitted: auto-replied\r\n")
	fmt.Fprintf(w, "Content-Type: multipart/report; report-type=delivery-status;\r\n\tboundary=%q\r\n\r\n", mw.Boundary())

	summary, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return "", err
	}
	fmt.Fprintf(summary, "This message could not be delivered to the following recipient(s):\r\n\r\n")
	for _, addr := range failed {
		fmt.Fprintf(summary, "  %s\r\n", addr)
	}
	fmt.Fprintf(summary, "\r\nOriginal subject: %s\r\n", subject)

	status, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"message/delivery-status"}})
	if err != nil {
		return "", err
	}
	fmt.Fprintf(status, "Reporting-MTA: dns; %s\r\n\r\n", hostname)
	for _, addr := range failed {
		fmt.Fprintf(status, "Final-Recipient: rfc822; %s\r\n", addr)
		fmt.Fprintf(status, "Action: failed\r\n")
		fmt.Fprintf(status, "Status: 5.0.0\r\n\r\n")
	}

	rfc822, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"message/rfc822"}})
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(rfc822, orig); err != nil {
		return "", err
	}

	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.Boundary(), nil
}
