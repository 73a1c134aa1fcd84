// Package ingress glues smtpserver's protocol state machine into the
// engine's store: classifying recipients as local or relayed,
// persisting the raw message into the content-addressed repository,
// and marking MsgRecipients rows for the router to pick up.
package ingress

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/mailqueue"
	"github.com/epistula-mail/epistula/internal/metrics"
	"github.com/epistula-mail/epistula/internal/repo"
	"github.com/epistula-mail/epistula/internal/routing"
	"github.com/epistula-mail/epistula/internal/store"
	"github.com/epistula-mail/epistula/smtp/smtpserver"
	"github.com/epistula-mail/epistula/third_party/imf"
)

// MsgMaker implements smtpserver.NewMessageFunc plus the Auth callback
// for both the alien-facing SMTP listener (MustAuth=false) and the
// submission listener (MustAuth=true).
type MsgMaker struct {
	ctx       context.Context
	dbpool    *sqlitex.Pool
	filer     *iox.Filer
	msgDoneFn func(msgID int64)
	auth      *store.Authenticator
	Logf      func(format string, v ...interface{})

	// QueueDir, if set, is the directory mailqueue writes its `.outg`
	// audit trail files to for every message with at least one
	// relay-bound recipient.
	QueueDir string
}

func New(ctx context.Context, dbpool *sqlitex.Pool, filer *iox.Filer, logf func(format string, v ...interface{}), doneFn func(msgID int64)) *MsgMaker {
	return &MsgMaker{
		ctx:       ctx,
		dbpool:    dbpool,
		filer:     filer,
		msgDoneFn: doneFn,
		Logf:      logf,
		auth: &store.Authenticator{
			DB:    dbpool,
			Logf:  logf,
			Where: "smtp",
		},
	}
}

func (p *MsgMaker) Auth(identity, user, password []byte, remoteAddr string) uint64 {
	subscriberID, err := p.auth.Authenticate(p.ctx, remoteAddr, string(user), password)
	if err != nil {
		return 0 // logging already done by Authenticate
	}
	return uint64(subscriberID)
}

func (p *MsgMaker) NewMessage(remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer p.dbpool.Put(conn)

	if authToken != 0 {
		stmt := conn.Prep(`SELECT SubscriberID FROM LocalAddresses WHERE Address = $address;`)
		stmt.SetBytes("$address", bytes.ToLower(from))
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasNext {
			return nil, fmt.Errorf("bad sender address")
		}
		subscriberID := stmt.GetInt64("SubscriberID")
		stmt.Reset()
		if subscriberID != int64(authToken) {
			return nil, fmt.Errorf("sender does not own source address")
		}
	}

	stmt := conn.Prep("INSERT INTO Msgs (Hash, Sender, Subject, Size, SubscriberID, DateReceived) VALUES ('', $sender, '', 0, $subscriberID, $time);")
	stmt.SetInt64("$subscriberID", int64(authToken))
	stmt.SetBytes("$sender", from)
	stmt.SetInt64("$time", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return nil, err
	}
	m := &smtpMsg{
		ctx:       p.ctx,
		dbpool:    p.dbpool,
		filer:     p.filer,
		msgDoneFn: p.msgDoneFn,
		msgID:     conn.LastInsertRowID(),
		auth:      authToken != 0,
		from:      string(from),
		queueDir:  p.QueueDir,
		Logf:      p.Logf,
	}
	return m, nil
}

type smtpMsg struct {
	ctx        context.Context
	dbpool     *sqlitex.Pool
	filer      *iox.Filer
	msgDoneFn  func(msgID int64)
	msgID      int64
	f          *iox.BufferFile
	auth       bool
	from       string
	recipients []string
	queueDir   string
	err        error
	Logf       func(format string, v ...interface{})
}

func (m *smtpMsg) AddRecipient(addr []byte) (bool, error) {
	conn := m.dbpool.Get(m.ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer m.dbpool.Put(conn)

	var domain []byte
	if i := bytes.IndexByte(addr, '@'); i > 0 && i+1 < len(addr) {
		domain = bytes.ToLower(addr[i+1:])
	}
	localDomain, err := routing.IsLocalDomain(conn, domain)
	if err != nil {
		return false, err
	}
	lowered := addr
	if localDomain {
		lowered = bytes.ToLower(addr)
	}

	// Unauthenticated ingress and any local-domain recipient must
	// resolve to a real local address or forward; this engine is
	// never an open relay. Authenticated submission may address
	// anywhere.
	if !m.auth || localDomain {
		res, err := routing.Resolve(conn, lowered)
		if err != nil {
			return false, err
		}
		if res.Kind == routing.Alien {
			m.Logf("ingress: invalid recipient %q", addr)
			metrics.RecipientsRejected.WithLabelValues("no-such-user").Inc()
			return false, nil
		}
	}

	stmt := conn.Prep("INSERT INTO MsgRecipients (MsgID, Recipient, FullAddress, DeliveryState) VALUES ($msgID, $address, '', $deliveryState);")
	stmt.SetInt64("$msgID", m.msgID)
	stmt.SetInt64("$deliveryState", int64(store.DeliveryReceiving))
	stmt.SetBytes("$address", lowered)
	_, err = stmt.Step()
	if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
		m.Logf("ingress: msgID %d: duplicate recipient %s", m.msgID, addr)
		metrics.RecipientsRejected.WithLabelValues("duplicate").Inc()
		return false, nil
	} else if err != nil {
		m.err = err
		return false, err
	}
	m.recipients = append(m.recipients, string(lowered))
	return true, nil
}

func (m *smtpMsg) Write(line []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.f == nil {
		m.f = m.filer.BufferFile(0)
	}
	_, err := m.f.Write(line)
	if err != nil && m.err == nil {
		m.err = err
	}
	return err
}

func (m *smtpMsg) Cancel() {
	if m.err == nil {
		m.err = context.Canceled
	}
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
	m.removeMsg()
}

// enqueueRelayBound writes the mailqueue `.outg` file — header plus
// the verbatim message body — for any recipient left in
// DeliverySending state after local routing has claimed its share,
// i.e. the recipients this message will actually be relayed to. The
// relay scheduler (thread S) reads this file alone; it never reopens
// the message from the binary repository.
func (m *smtpMsg) enqueueRelayBound(conn *sqlite.Conn, hash string) error {
	if m.queueDir == "" {
		return nil
	}
	stmt := conn.Prep(`SELECT Recipient FROM MsgRecipients WHERE MsgID = $msgID AND DeliveryState = $sending;`)
	stmt.SetInt64("$msgID", m.msgID)
	stmt.SetInt64("$sending", int64(store.DeliverySending))
	var recipients []string
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return err
		}
		if !hasNext {
			break
		}
		recipients = append(recipients, stmt.GetText("Recipient"))
	}
	if len(recipients) == 0 {
		return nil
	}
	if _, err := m.f.Seek(0, 0); err != nil {
		return err
	}
	return mailqueue.Enqueue(m.queueDir, mailqueue.Item{
		MsgID:      m.msgID,
		Sender:     m.from,
		Hash:       hash,
		Recipients: recipients,
		TimeDue:    time.Now(),
	}, m.f)
}

func (m *smtpMsg) removeMsg() {
	if m.msgID == 0 {
		return
	}
	conn := m.dbpool.Get(m.ctx)
	if conn == nil {
		return
	}
	defer m.dbpool.Put(conn)

	m.Logf("ingress: removing msgID=%d", m.msgID)
	stmt := conn.Prep("DELETE FROM MsgRecipients WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", m.msgID)
	if _, err := stmt.Step(); err != nil {
		m.Logf("ingress: failed to clean up recipients: %v", err)
	}
	stmt = conn.Prep("DELETE FROM Msgs WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", m.msgID)
	if _, err := stmt.Step(); err != nil {
		m.Logf("ingress: failed to clean up msg: %v", err)
	}
}

// readMessageID parses the bracketed Message-ID header out of f's
// header block, for the formal-message-id duplicate check. f is left
// seeked to the start on return, ready for repo.Save or further
// reads.
func readMessageID(f *iox.BufferFile) (string, error) {
	defer f.Seek(0, 0)
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	r := imf.NewReader(bufio.NewReader(f))
	hdr, err := r.ReadMIMEHeader()
	if err != nil {
		return "", err
	}
	return hdr.MessageID(), nil
}

func (m *smtpMsg) Close() (err error) {
	if m.err != nil {
		return m.err
	}
	if m.f == nil {
		m.err = fmt.Errorf("msg %d: no message body", m.msgID)
		return m.err
	}
	defer func() {
		m.f.Close()
		m.f = nil
		if m.err != nil {
			m.removeMsg()
		}
		if err == nil {
			err = m.err
		}
	}()

	conn := m.dbpool.Get(m.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer m.dbpool.Put(conn)

	hash, size, saveErr := repo.Save(conn, m.f)
	if saveErr != nil {
		m.err = saveErr
		return m.err
	}

	messageID, hdrErr := readMessageID(m.f)
	if hdrErr != nil {
		m.err = hdrErr
		return m.err
	}
	duplicate, dupErr := repo.RecordFormalMsgID(conn, messageID, hash)
	if dupErr != nil {
		m.err = dupErr
		return m.err
	}
	if duplicate {
		// A formal Message-ID already on file is accepted at the wire
		// level (250) but not persisted again: the idempotent
		// DuplicateMessage semantic.
		m.Logf("ingress: msgID %d: duplicate Message-ID %s, discarding", m.msgID, messageID)
		metrics.RecipientsRejected.WithLabelValues("duplicate-message-id").Inc()
		m.removeMsg()
		return nil
	}

	stmt := conn.Prep(`UPDATE Msgs SET Hash = $hash, Size = $size WHERE MsgID = $msgID;`)
	stmt.SetInt64("$msgID", m.msgID)
	stmt.SetText("$hash", hash)
	stmt.SetInt64("$size", size)
	if _, m.err = stmt.Step(); m.err != nil {
		return m.err
	}

	if !m.auth {
		// Every recipient is local: we are never an open relay.
		stmt := conn.Prep(`UPDATE MsgRecipients SET DeliveryState = $toProcess WHERE MsgID = $msgID;`)
		stmt.SetInt64("$msgID", m.msgID)
		stmt.SetInt64("$toProcess", int64(store.DeliveryToProcess))
		if _, m.err = stmt.Step(); m.err != nil {
			return m.err
		}
	} else {
		// Local and forwarded recipients go through the router; the
		// rest are queued directly for the outbound relay scheduler.
		stmt := conn.Prep(`UPDATE MsgRecipients
			SET DeliveryState = $toProcess
			WHERE MsgID = $msgID
			AND Recipient IN (
				SELECT Address FROM LocalAddresses
				UNION
				SELECT Address FROM Forwards
			);`)
		stmt.SetInt64("$msgID", m.msgID)
		stmt.SetInt64("$toProcess", int64(store.DeliveryToProcess))
		if _, m.err = stmt.Step(); m.err != nil {
			return m.err
		}

		stmt = conn.Prep(`UPDATE MsgRecipients
			SET DeliveryState = $sending
			WHERE MsgID = $msgID AND DeliveryState = $receiving;`)
		stmt.SetInt64("$msgID", m.msgID)
		stmt.SetInt64("$sending", int64(store.DeliverySending))
		stmt.SetInt64("$receiving", int64(store.DeliveryReceiving))
		if _, m.err = stmt.Step(); m.err != nil {
			return m.err
		}

		if m.err = m.enqueueRelayBound(conn, hash); m.err != nil {
			return m.err
		}
	}

	if m.from != "" {
		if m.err = store.TouchCorrespondent(conn, m.from, ""); m.err != nil {
			return m.err
		}
	}
	for _, r := range m.recipients {
		if m.err = store.TouchCorrespondent(conn, r, ""); m.err != nil {
			return m.err
		}
	}

	listener := "smtp"
	if m.auth {
		listener = "submission"
	}
	metrics.MessagesReceived.WithLabelValues(listener).Inc()

	if m.msgDoneFn != nil {
		m.msgDoneFn(m.msgID)
	}
	return nil
}
