// Package routing implements local-routing resolution: deciding, for
// a recipient address, whether it is local (and to which subscriber),
// forwarded (and to which address), or alien (to be relayed).
package routing

import (
	"bytes"

	"crawshaw.io/sqlite"
)

type Kind int

const (
	Alien Kind = iota
	Local
	Forwarded
)

type Result struct {
	Kind         Kind
	SubscriberID int64
	Forward      string
}

// IsLocalDomain reports whether domain is one this server accepts
// mail for. A domain absent from the Domains table is treated as
// alien (relayed), per spec's local-routing resolution order.
func IsLocalDomain(conn *sqlite.Conn, domain []byte) (bool, error) {
	stmt := conn.Prep(`SELECT Local FROM Domains WHERE Domain = $domain;`)
	stmt.SetBytes("$domain", bytes.ToLower(domain))
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !hasRow {
		return false, nil
	}
	local := stmt.GetInt64("Local") != 0
	stmt.Reset()
	return local, nil
}

// IsBannedDomain reports whether domain is on the banned sender list,
// the first check the alien-port EXPECT_SENDER classification applies
// to a MAIL FROM, ahead of any DNS lookup.
func IsBannedDomain(conn *sqlite.Conn, domain []byte) (bool, error) {
	stmt := conn.Prep(`SELECT 1 FROM BannedDomains WHERE Domain = $domain;`)
	stmt.SetBytes("$domain", bytes.ToLower(domain))
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	stmt.Reset()
	return hasRow, nil
}

// Resolve classifies address: a direct hit in LocalAddresses wins
// (Local), otherwise a Forwards entry wins (Forwarded), otherwise the
// address is Alien and must be relayed as-is.
func Resolve(conn *sqlite.Conn, address []byte) (Result, error) {
	lowered := bytes.ToLower(address)

	stmt := conn.Prep(`SELECT SubscriberID FROM LocalAddresses WHERE Address = $address;`)
	stmt.SetBytes("$address", lowered)
	hasRow, err := stmt.Step()
	if err != nil {
		return Result{}, err
	}
	if hasRow {
		subscriberID := stmt.GetInt64("SubscriberID")
		stmt.Reset()
		return Result{Kind: Local, SubscriberID: subscriberID}, nil
	}

	stmt = conn.Prep(`SELECT Target FROM Forwards WHERE Address = $address;`)
	stmt.SetBytes("$address", lowered)
	hasRow, err = stmt.Step()
	if err != nil {
		return Result{}, err
	}
	if hasRow {
		target := stmt.GetText("Target")
		stmt.Reset()
		return Result{Kind: Forwarded, Forward: target}, nil
	}

	return Result{Kind: Alien}, nil
}

// ResolveChain resolves address and, if that result is Forwarded,
// resolves the forward target exactly one hop further. Forwards are
// chased one step only: whatever that second resolution yields — even
// another Forwarded result — is taken as terminal, rather than
// following the chain until it bottoms out at Local or Alien.
func ResolveChain(conn *sqlite.Conn, address []byte) (Result, error) {
	res, err := Resolve(conn, address)
	if err != nil {
		return Result{}, err
	}
	if res.Kind != Forwarded {
		return res, nil
	}
	return Resolve(conn, []byte(res.Forward))
}
