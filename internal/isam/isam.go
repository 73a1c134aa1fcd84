// Package isam is a generic ordered key/value store, namespaced so
// several independent keyspaces can share one table, grounded on the
// ISAM-style index the formal-message-id lookup and other small
// ordered indices in this engine are built from.
package isam

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Get returns the value stored for key in namespace, and whether it
// was present.
func Get(conn *sqlite.Conn, namespace, key string) (value []byte, ok bool, err error) {
	stmt := conn.Prep(`SELECT Value FROM ISAMEntries WHERE Namespace = $ns AND Key = $key;`)
	stmt.SetText("$ns", namespace)
	stmt.SetText("$key", key)
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, false, err
	}
	if !hasRow {
		return nil, false, nil
	}
	value = make([]byte, stmt.GetLen("Value"))
	stmt.GetBytes("Value", value)
	return value, true, nil
}

// Put inserts or overwrites the value stored for key in namespace.
func Put(conn *sqlite.Conn, namespace, key string, value []byte) error {
	stmt := conn.Prep(`INSERT INTO ISAMEntries (Namespace, Key, Value) VALUES ($ns, $key, $value)
		ON CONFLICT(Namespace, Key) DO UPDATE SET Value = excluded.Value;`)
	stmt.SetText("$ns", namespace)
	stmt.SetText("$key", key)
	stmt.SetBytes("$value", value)
	_, err := stmt.Step()
	return err
}

// PutIfAbsent inserts value for key in namespace only if no entry
// exists yet, reporting whether the insert happened. The formal
// message-id duplicate check relies on this to detect a prior
// delivery of the same Message-ID atomically with recording it.
func PutIfAbsent(conn *sqlite.Conn, namespace, key string, value []byte) (inserted bool, err error) {
	stmt := conn.Prep(`INSERT INTO ISAMEntries (Namespace, Key, Value) VALUES ($ns, $key, $value)
		ON CONFLICT(Namespace, Key) DO NOTHING;`)
	stmt.SetText("$ns", namespace)
	stmt.SetText("$key", key)
	stmt.SetBytes("$value", value)
	if _, err := stmt.Step(); err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

// Delete removes the entry for key in namespace, if any.
func Delete(conn *sqlite.Conn, namespace, key string) error {
	stmt := conn.Prep(`DELETE FROM ISAMEntries WHERE Namespace = $ns AND Key = $key;`)
	stmt.SetText("$ns", namespace)
	stmt.SetText("$key", key)
	_, err := stmt.Step()
	return err
}

// Entry is a single namespace/key/value row, returned by Range in key
// order.
type Entry struct {
	Key   string
	Value []byte
}

// Range returns every entry in namespace whose key is >= start (all
// entries if start is empty), in ascending key order, stopping after
// limit entries if limit > 0.
func Range(conn *sqlite.Conn, namespace, start string, limit int) ([]Entry, error) {
	stmt := conn.Prep(`SELECT Key, Value FROM ISAMEntries
		WHERE Namespace = $ns AND Key >= $start
		ORDER BY Key LIMIT $limit;`)
	stmt.SetText("$ns", namespace)
	stmt.SetText("$start", start)
	if limit <= 0 {
		limit = -1
	}
	stmt.SetInt64("$limit", int64(limit))
	defer stmt.Reset()

	var entries []Entry
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		value := make([]byte, stmt.GetLen("Value"))
		stmt.GetBytes("Value", value)
		entries = append(entries, Entry{Key: stmt.GetText("Key"), Value: value})
	}
	return entries, nil
}

// FormalMsgIDNamespace is the namespace formal-message-id duplicate
// suppression is recorded under; ingress uses RecordFormalMsgID
// directly instead rather than this generic table, since that lookup
// also needs to carry the repository hash and is indexed by its own
// FormalMsgIDIndex table. It is kept here only as a documented anchor
// for callers who want a generic, namespaced store alongside it.
const FormalMsgIDNamespace = "formal-msgid"

// countNamespace reports how many entries exist in namespace, mostly
// useful for tests and diagnostics.
func countNamespace(conn *sqlite.Conn, namespace string) (int64, error) {
	stmt := conn.Prep(`SELECT COUNT(*) AS n FROM ISAMEntries WHERE Namespace = $ns;`)
	stmt.SetText("$ns", namespace)
	return sqlitex.ResultInt64(stmt)
}
