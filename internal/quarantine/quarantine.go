// Package quarantine diverts SMTP sessions that look like abuse
// probes — a port-25 listener receiving AUTH attempts, or any
// EXPECT_SENDER violation (most commonly a forged local sender: a
// MAIL FROM whose domain is one this server is authoritative for,
// arriving on the alien port with no AUTH) — away from the normal
// ingress pipeline. The full transaction is still accepted on the
// wire (so the sender gains no signal that it was caught) but the
// session is deliberately slowed and the whole attempt is persisted
// for later study instead of being delivered or relayed.
package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/reputation"
	"github.com/epistula-mail/epistula/internal/routing"
	"github.com/epistula-mail/epistula/smtp/smtpserver"
)

// forgedSenderBlacklistTTL is how long a peer that forged a local
// sender address on the alien port is blacklisted, matching the
// original's 900-second window for this offense.
const forgedSenderBlacklistTTL = 900 * time.Second

// Quarantine wraps a real NewMessageFunc. Authenticated sessions
// (token != 0, meaning Auth was called and issued a quarantine token)
// are captured instead of processed; an unauthenticated session whose
// MAIL FROM domain resolves local is also captured, as §4.7's
// EXPECT_SENDER rule requires independent of AUTH. Everything else
// passes through.
type Quarantine struct {
	ctx             context.Context
	dbpool          *sqlitex.Pool
	filer           *iox.Filer
	wrappedNewMsgFn smtpserver.NewMessageFunc

	// Reputation, if set, is used to blacklist a peer caught forging a
	// local sender address. It is only set for the alien-port
	// listener: the submission port expects authenticated senders to
	// use local addresses as the normal case (§4.7).
	Reputation *reputation.Store

	mu   sync.Mutex
	auth map[uint64]capturedAuth
}

type capturedAuth struct {
	t          time.Time
	identity   string
	user       string
	pass       string
	heloName   string
	remoteAddr string
}

func New(ctx context.Context, dbpool *sqlitex.Pool, filer *iox.Filer, newMsgFn smtpserver.NewMessageFunc) *Quarantine {
	q := &Quarantine{
		ctx:             ctx,
		dbpool:          dbpool,
		filer:           filer,
		wrappedNewMsgFn: newMsgFn,
		auth:            make(map[uint64]capturedAuth),
	}
	go q.expireStaleTokens()
	return q
}

func (q *Quarantine) expireStaleTokens() {
	t := time.NewTicker(125 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-t.C:
			q.mu.Lock()
			for token, a := range q.auth {
				if time.Since(a.t) > 120*time.Second {
					delete(q.auth, token)
				}
			}
			q.mu.Unlock()
		}
	}
}

// Auth always succeeds: a real mail server has nothing to gain by
// telling a credential-stuffing probe which passwords were wrong, and
// capturing the attempted credentials is the point of quarantining it.
func (q *Quarantine) Auth(identity, user, pass []byte, remoteAddr string) uint64 {
	q.mu.Lock()
	var token uint64
	for token == 0 {
		token = rand.Uint64()
		if _, exists := q.auth[token]; exists {
			token = 0
		}
	}
	q.auth[token] = capturedAuth{
		t:          time.Now(),
		identity:   string(identity),
		user:       string(user),
		pass:       string(pass),
		remoteAddr: remoteAddr,
	}
	q.mu.Unlock()

	time.Sleep(2 * time.Second) // waste the prober's time
	return token
}

func (q *Quarantine) NewMessage(remoteAddr net.Addr, from []byte, token uint64) (smtpserver.Msg, error) {
	if token == 0 {
		forged, err := q.forgedLocalSender(from)
		if err != nil {
			return nil, err
		}
		if !forged {
			return q.wrappedNewMsgFn(remoteAddr, from, 0)
		}
		q.blacklistForgedSender(remoteAddr)
		return &capture{
			ctx:    q.ctx,
			dbpool: q.dbpool,
			f:      q.filer.BufferFile(0),
			auth: capturedAuth{
				t:          time.Now(),
				remoteAddr: remoteAddr.String(),
			},
			remoteAddr: remoteAddr,
			from:       string(from),
		}, nil
	}

	q.mu.Lock()
	a := q.auth[token]
	delete(q.auth, token)
	q.mu.Unlock()

	return &capture{
		ctx:        q.ctx,
		dbpool:     q.dbpool,
		f:          q.filer.BufferFile(0),
		auth:       a,
		remoteAddr: remoteAddr,
		from:       string(from),
	}, nil
}

// forgedLocalSender reports whether from's domain is one this server
// is authoritative for. On the alien port, a MAIL FROM presenting a
// local domain without having authenticated is a forged sender (§4.7
// EXPECT_SENDER), independent of whether AUTH was ever attempted.
func (q *Quarantine) forgedLocalSender(from []byte) (bool, error) {
	i := bytes.IndexByte(from, '@')
	if i < 0 || i+1 >= len(from) {
		return false, nil
	}
	domain := from[i+1:]

	conn := q.dbpool.Get(q.ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer q.dbpool.Put(conn)

	return routing.IsLocalDomain(conn, domain)
}

// blacklistForgedSender latches the forged-local-sender probe against
// the peer's IP for forgedSenderBlacklistTTL, matching scenario S3.
func (q *Quarantine) blacklistForgedSender(remoteAddr net.Addr) {
	if q.Reputation == nil {
		return
	}
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		host = remoteAddr.String()
	}
	q.Reputation.Blacklist(q.ctx, host, "forged local sender on alien port", forgedSenderBlacklistTTL)
}

type capture struct {
	ctx        context.Context
	dbpool     *sqlitex.Pool
	f          *iox.BufferFile
	rcpts      []string
	remoteAddr net.Addr
	auth       capturedAuth
	from       string
}

func (c *capture) AddRecipient(addr []byte) (bool, error) {
	c.rcpts = append(c.rcpts, string(addr))
	time.Sleep(time.Second / 2)
	return true, nil
}

func (c *capture) Write(line []byte) error {
	time.Sleep(50 * time.Millisecond)
	_, err := c.f.Write(line)
	return err
}

func (c *capture) Cancel() {
	c.f.Close()
	c.rcpts = nil
}

func (c *capture) Close() error {
	defer time.Sleep(2 * time.Second)
	defer c.f.Close()

	if _, err := c.f.Seek(0, 0); err != nil {
		return err
	}

	recipients, err := json.Marshal(c.rcpts)
	if err != nil {
		return err
	}
	credentials, err := json.Marshal(map[string]string{
		"identity": c.auth.identity,
		"user":     c.auth.user,
		"password": c.auth.pass,
		"from":     c.from,
	})
	if err != nil {
		return err
	}

	conn := c.dbpool.Get(c.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer c.dbpool.Put(conn)

	stmt := conn.Prep(`INSERT INTO Quarantine (RemoteAddr, HeloName, Date, Credentials, Recipients, Content)
		VALUES ($remoteAddr, $heloName, $date, $credentials, $recipients, $content);`)
	stmt.SetText("$remoteAddr", c.auth.remoteAddr)
	stmt.SetText("$heloName", c.auth.heloName)
	stmt.SetInt64("$date", c.auth.t.Unix())
	stmt.SetText("$credentials", string(credentials))
	stmt.SetText("$recipients", string(recipients))
	stmt.SetZeroBlob("$content", c.f.Size())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	attemptID := conn.LastInsertRowID()

	blob, err := conn.OpenBlob("", "Quarantine", "Content", attemptID, true)
	if err != nil {
		return err
	}
	_, err = io.Copy(blob, c.f)
	if closeErr := blob.Close(); err == nil {
		err = closeErr
	}
	return err
}
