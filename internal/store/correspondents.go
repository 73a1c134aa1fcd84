package store

import (
	"time"

	"crawshaw.io/sqlite"
)

// TouchCorrespondent records a delivery to or from address in the
// correspondent index: inserting a new row the first time an address
// is seen, and otherwise bumping LastSeen and MessageCount. realname,
// if non-empty, fills DisplayName only when it isn't already set,
// since the first header carrying a real name is as good as any
// later one and shouldn't be overwritten by a bare address.
func TouchCorrespondent(conn *sqlite.Conn, address, realname string) error {
	now := time.Now().Unix()

	stmt := conn.Prep(`INSERT INTO Correspondents (Address, DisplayName, LastSeen, MessageCount)
		VALUES ($address, $realname, $now, 1)
		ON CONFLICT(Address) DO UPDATE SET
			LastSeen = $now,
			MessageCount = MessageCount + 1,
			DisplayName = CASE WHEN DisplayName = '' OR DisplayName IS NULL
				THEN excluded.DisplayName ELSE DisplayName END;`)
	stmt.SetText("$address", address)
	stmt.SetText("$realname", realname)
	stmt.SetInt64("$now", now)
	_, err := stmt.Step()
	return err
}

// Correspondent is one row of the correspondent index.
type Correspondent struct {
	Address      string
	DisplayName  string
	LastSeen     time.Time
	MessageCount int64
}

// LookupCorrespondent returns the correspondent index entry for
// address, if any.
func LookupCorrespondent(conn *sqlite.Conn, address string) (c Correspondent, ok bool, err error) {
	stmt := conn.Prep(`SELECT DisplayName, LastSeen, MessageCount FROM Correspondents WHERE Address = $address;`)
	stmt.SetText("$address", address)
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return Correspondent{}, false, err
	}
	if !hasRow {
		return Correspondent{}, false, nil
	}
	c = Correspondent{
		Address:      address,
		DisplayName:  stmt.GetText("DisplayName"),
		LastSeen:     time.Unix(stmt.GetInt64("LastSeen"), 0),
		MessageCount: stmt.GetInt64("MessageCount"),
	}
	return c, true, nil
}
