// Package repo is the binary message repository: an append-only,
// content-addressed store of whole-form message bytes keyed by their
// SHA-256 hex digest, deduplicating identical retransmissions.
package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Save writes f's content into the repository, keyed by its SHA-256
// hash, and returns the hash and byte size. A message whose hash is
// already present is not written twice.
func Save(conn *sqlite.Conn, f *iox.BufferFile) (hash string, size int64, err error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, err
	}
	h := sha256.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	hash = hex.EncodeToString(h.Sum(nil))

	stmt := conn.Prep(`SELECT 1 FROM Repository WHERE Hash = $hash;`)
	stmt.SetText("$hash", hash)
	exists, err := stmt.Step()
	if err != nil {
		return "", 0, err
	}
	stmt.Reset()
	if exists {
		return hash, size, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, err
	}
	stmt = conn.Prep(`INSERT INTO Repository (Hash, Content, Size, Created) VALUES ($hash, $content, $size, $created);`)
	stmt.SetText("$hash", hash)
	stmt.SetZeroBlob("$content", size)
	stmt.SetInt64("$size", size)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return hash, size, nil
		}
		return "", 0, err
	}

	blob, err := conn.OpenBlob("", "Repository", "Content", conn.LastInsertRowID(), true)
	if err != nil {
		return "", 0, err
	}
	defer blob.Close()
	if _, err := io.Copy(blob, f); err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

// rowID looks up the implicit rowid backing a Hash's Repository row;
// OpenBlob addresses rows by rowid, not by the TEXT primary key.
func rowID(conn *sqlite.Conn, hash string) (int64, error) {
	stmt := conn.Prep(`SELECT rowid FROM Repository WHERE Hash = $hash;`)
	stmt.SetText("$hash", hash)
	return sqlitex.ResultInt64(stmt)
}

// Open returns a reader over the repository entry for hash, spilled
// into a fresh buffer file so the caller can seek and re-read freely
// after the blob handle closes.
func Open(conn *sqlite.Conn, filer *iox.Filer, hash string) (*iox.BufferFile, error) {
	id, err := rowID(conn, hash)
	if err != nil {
		return nil, err
	}
	blob, err := conn.OpenBlob("", "Repository", "Content", id, false)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	f := filer.BufferFile(0)
	if _, err := io.Copy(f, blob); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// RecordFormalMsgID records messageID (the bracketed Message-ID
// header value) against hash in the formal-message-id index,
// returning true if messageID was already present — meaning this
// engine has already received a message bearing that Message-ID and
// the new transmission should be rejected as a duplicate. An empty
// messageID is never considered a duplicate, since many legitimate
// senders omit the header.
func RecordFormalMsgID(conn *sqlite.Conn, messageID, hash string) (duplicate bool, err error) {
	if messageID == "" {
		return false, nil
	}
	stmt := conn.Prep(`SELECT 1 FROM FormalMsgIDIndex WHERE MessageID = $id;`)
	stmt.SetText("$id", messageID)
	exists, err := stmt.Step()
	if err != nil {
		return false, err
	}
	stmt.Reset()
	if exists {
		return true, nil
	}

	stmt = conn.Prep(`INSERT INTO FormalMsgIDIndex (MessageID, Hash) VALUES ($id, $hash);`)
	stmt.SetText("$id", messageID)
	stmt.SetText("$hash", hash)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Fetcher adapts a pool+filer pair to pop3server.FetchFunc, resolving
// a MsgID to its Repository content through the Msgs short-form index.
type Fetcher struct {
	DB    *sqlitex.Pool
	Filer *iox.Filer
}

func (f *Fetcher) Fetch(ctx context.Context, msgID int64) (io.ReadCloser, error) {
	conn := f.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer f.DB.Put(conn)

	stmt := conn.Prep(`SELECT Hash FROM Msgs WHERE MsgID = $msgID;`)
	stmt.SetInt64("$msgID", msgID)
	hash, err := sqlitex.ResultText(stmt)
	if err != nil {
		return nil, err
	}

	buf, err := Open(conn, f.Filer, hash)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
