// Package reputation is the IP reputation log consulted by the SMTP
// listener: a whitelist/blacklist keyed by remote IP, each entry
// carrying its own expiry, since different offenses earn different
// TTLs (a forged local sender earns a short quarantine window; a
// sustained relay-abuse attempt earns none).
package reputation

import (
	"context"
	"time"

	"crawshaw.io/sqlite/sqlitex"
)

type Store struct {
	dbpool *sqlitex.Pool
}

func New(dbpool *sqlitex.Pool) *Store {
	return &Store{dbpool: dbpool}
}

// Whitelisted reports whether ip currently has an unexpired
// whitelist entry.
func (s *Store) Whitelisted(ctx context.Context, ip string) (bool, error) {
	return s.flagged(ctx, ip, true)
}

// Blacklisted reports whether ip currently has an unexpired
// blacklist entry.
func (s *Store) Blacklisted(ctx context.Context, ip string) (bool, error) {
	return s.flagged(ctx, ip, false)
}

func (s *Store) flagged(ctx context.Context, ip string, white bool) (bool, error) {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer s.dbpool.Put(conn)

	col := "Blacklisted"
	if white {
		col = "Whitelisted"
	}
	stmt := conn.Prep(`SELECT ` + col + `, Expires FROM Reputation WHERE IP = $ip;`)
	stmt.SetText("$ip", ip)
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !hasRow {
		return false, nil
	}
	flagged := stmt.GetInt64(col) != 0
	expires := stmt.GetInt64("Expires")
	stmt.Reset()

	if !flagged {
		return false, nil
	}
	if expires != 0 && expires < time.Now().Unix() {
		return false, nil
	}
	return true, nil
}

// Blacklist marks ip as blacklisted for ttl (0 means it never
// expires on its own; the janitor still clears expired entries).
func (s *Store) Blacklist(ctx context.Context, ip, reason string, ttl time.Duration) error {
	return s.upsert(ctx, ip, false, true, reason, ttl)
}

// Whitelist marks ip as whitelisted for ttl.
func (s *Store) Whitelist(ctx context.Context, ip string, ttl time.Duration) error {
	return s.upsert(ctx, ip, true, false, "", ttl)
}

func (s *Store) upsert(ctx context.Context, ip string, white, black bool, reason string, ttl time.Duration) error {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.dbpool.Put(conn)

	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}

	stmt := conn.Prep(`INSERT INTO Reputation (IP, Whitelisted, Blacklisted, Expires, Reason)
		VALUES ($ip, $white, $black, $expires, $reason)
		ON CONFLICT (IP) DO UPDATE SET Whitelisted=$white, Blacklisted=$black, Expires=$expires, Reason=$reason;`)
	stmt.SetText("$ip", ip)
	stmt.SetBool("$white", white)
	stmt.SetBool("$black", black)
	stmt.SetInt64("$expires", expires)
	stmt.SetText("$reason", reason)
	_, err := stmt.Step()
	return err
}
