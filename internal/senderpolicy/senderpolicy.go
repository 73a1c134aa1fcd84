// Package senderpolicy implements the alien-port MAIL FROM
// classification: a banned-domain check, a PTR lookup on the peer and
// an MX lookup on the sender domain, and the "skunk" mismatch flag
// latched when the peer matches neither by IP nor by name. It
// implements smtpserver.CheckSenderFunc.
package senderpolicy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/routing"
	"github.com/epistula-mail/epistula/smtp/smtpserver"
)

// Checker wires the EXPECT_SENDER classification into an alien-port
// smtpserver.Server via its Check method.
type Checker struct {
	Ctx      context.Context
	DB       *sqlitex.Pool
	Resolver *net.Resolver // defaults to net.DefaultResolver
	Logf     func(format string, v ...interface{})
}

func (c *Checker) resolver() *net.Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

func (c *Checker) logf(format string, v ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, v...)
	}
}

// Check implements smtpserver.CheckSenderFunc.
func (c *Checker) Check(remoteAddr net.Addr, from []byte) (skunk bool, err error) {
	i := bytes.IndexByte(from, '@')
	if i < 0 || i+1 >= len(from) {
		return false, nil
	}
	domain := string(bytes.ToLower(from[i+1:]))

	conn := c.DB.Get(c.Ctx)
	if conn == nil {
		return false, context.Canceled
	}
	banned, err := routing.IsBannedDomain(conn, []byte(domain))
	c.DB.Put(conn)
	if err != nil {
		return false, err
	}
	if banned {
		return false, &smtpserver.SenderCheckError{Code: 550, Msg: "5.7.1 sender domain banned"}
	}

	host, _, splitErr := net.SplitHostPort(remoteAddr.String())
	if splitErr != nil {
		host = remoteAddr.String()
	}

	names, ptrErr := c.resolver().LookupAddr(c.Ctx, host)
	if ptrErr != nil && !isNotFound(ptrErr) {
		return false, &smtpserver.SenderCheckError{Code: 421, Msg: "4.7.1 temporary failure resolving peer address"}
	}

	mxs, mxErr := c.resolver().LookupMX(c.Ctx, domain)
	if mxErr != nil {
		if isNotFound(mxErr) {
			return false, &smtpserver.SenderCheckError{Code: 550, Msg: "5.1.8 sender domain has no mail exchangers"}
		}
		return false, &smtpserver.SenderCheckError{Code: 421, Msg: "4.7.1 temporary failure resolving sender domain"}
	}
	if len(mxs) == 0 {
		return false, &smtpserver.SenderCheckError{Code: 550, Msg: "5.1.8 sender domain has no mail exchangers"}
	}

	matched := false
	for _, mx := range mxs {
		mxHost := strings.TrimSuffix(mx.Host, ".")
		if c.hostMatchesIP(mxHost, host) {
			matched = true
			break
		}
		for _, n := range names {
			if strings.EqualFold(strings.TrimSuffix(n, "."), mxHost) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if !matched {
		c.logf("senderpolicy: skunk: peer %s matches neither IP nor name of any MX host for %s", host, domain)
	}
	return !matched, nil
}

func (c *Checker) hostMatchesIP(mxHost, peerHost string) bool {
	addrs, err := c.resolver().LookupHost(c.Ctx, mxHost)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a == peerHost {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
