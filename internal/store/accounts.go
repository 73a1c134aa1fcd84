package store

import (
	"context"
	"errors"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/util/throttle"
)

// Authenticator wraps AuthenticateSubscriber with the throttling the
// teacher's device authenticator applied per-username and per-remote-
// address: repeated failures make the next attempt wait, independent
// of whatever the SMTP/POP3 session-level reconnect throttle already
// enforces on the connection as a whole.
type Authenticator struct {
	DB       *sqlitex.Pool
	Throttle throttle.Throttle
	Logf     func(format string, v ...interface{})
	Where    string
}

var ErrBadCredentials = errors.New("authenticator: bad credentials")

func (a *Authenticator) Authenticate(ctx context.Context, remoteAddr, addr string, password []byte) (subscriberID int64, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := &Log{
		Where: a.Where,
		What:  "auth",
		When:  start,
		Data: map[string]interface{}{
			"remote_addr": remoteAddr,
			"addr":        addr,
		},
	}
	defer func() {
		log.Duration = time.Since(start)
		a.Logf("%s", log.String())
	}()

	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(addr)
	defer func() {
		if err != nil {
			a.Throttle.Add(remoteAddr)
			a.Throttle.Add(addr)
		}
	}()

	subscriberID, authErr := AuthenticateSubscriber(conn, addr, string(password))
	if authErr != nil {
		log.Err = authErr
		return 0, ErrBadCredentials
	}
	log.Data["subscriber_id"] = subscriberID
	return subscriberID, nil
}
