package reputation

import (
	"context"
	"fmt"
	"net"

	"github.com/epistula-mail/epistula/smtp/smtpserver"
)

// Guard wraps a NewMessageFunc with a reputation check: a blacklisted
// remote IP is rejected before ingress ever opens a Msg, and a
// whitelisted IP skips whatever rate limiting the caller layers on
// top (the caller, not Guard, is responsible for any such limiting).
type Guard struct {
	Ctx   context.Context
	Store *Store
	Next  smtpserver.NewMessageFunc
}

func (g *Guard) NewMessage(remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		host = remoteAddr.String()
	}
	blacklisted, err := g.Store.Blacklisted(g.Ctx, host)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, fmt.Errorf("reputation: %s is blacklisted", host)
	}
	return g.Next(remoteAddr, from, authToken)
}
