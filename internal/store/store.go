// Package store centralizes the engine's sqlite-backed state: the
// schema in schema.go, connection lifecycle, delivery-state tracking,
// and subscriber/address management. The binary repository
// (internal/repo), ISAM indexes (internal/isam), and local-routing
// resolution (internal/routing) all read and write the same pool this
// package opens.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"

	"github.com/epistula-mail/epistula/third_party/imf"
)

var ErrAddressUnavailable = &UserError{UserMsg: "Address unavailable."}

// DeliveryState tracks a MsgRecipients row through the ingress and
// relay pipelines.
type DeliveryState int

const (
	DeliveryUnknown   DeliveryState = 0
	DeliveryReceived  DeliveryState = 1 // accepted by SMTP ingress, queued for routing
	DeliveryStaging   DeliveryState = 2 // submission accepted, not yet handed to the scheduler
	DeliverySending   DeliveryState = 3 // picked up by the relay scheduler
	DeliveryDone      DeliveryState = 4 // delivered locally or relayed successfully
	DeliveryFailed    DeliveryState = 5 // permanently failed, bounce generated
	DeliveryToProcess DeliveryState = 6 // received, awaiting local-routing resolution
	DeliveryReceiving DeliveryState = 7 // DATA in progress, not yet committed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryUnknown:
		return "DeliveryUnknown"
	case DeliveryReceiving:
		return "DeliveryReceiving"
	case DeliveryToProcess:
		return "DeliveryToProcess"
	case DeliveryReceived:
		return "DeliveryReceived"
	case DeliveryStaging:
		return "DeliveryStaging"
	case DeliverySending:
		return "DeliverySending"
	case DeliveryDone:
		return "DeliveryDone"
	case DeliveryFailed:
		return "DeliveryFailed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(d))
	}
}

// Open opens (creating if necessary) the engine's main database and
// returns a connection pool sized for concurrent SMTP/POP3 sessions.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("store.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("store.Open: init close: %v", err)
	}
	db, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("store.Open: pool: %v", err)
	}
	return db, nil
}

func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// CollectMsgsToSend returns the MsgIDs of local Msgs ready to relay
// for a subscriber, matching the relay scheduler's polling query.
func CollectMsgsToSend(conn *sqlite.Conn, subscriberID, limit, minReadyDate int64) (msgIDs []int64, err error) {
	stmt := conn.Prep(`SELECT Msgs.MsgID, ReadyDate FROM Msgs
		INNER JOIN MsgRecipients ON Msgs.MsgID = MsgRecipients.MsgID
		INNER JOIN LocalAddresses ON MsgRecipients.Recipient = LocalAddresses.Address
		WHERE LocalAddresses.SubscriberID = $subscriberID
			AND DeliveryState = $deliveryState
			AND ReadyDate > $minReadyDate
		ORDER BY Msgs.MsgID
		LIMIT $limit;`)
	stmt.SetInt64("$subscriberID", subscriberID)
	stmt.SetInt64("$deliveryState", int64(DeliveryReceived))
	stmt.SetInt64("$minReadyDate", minReadyDate)
	stmt.SetInt64("$limit", limit)

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		msgIDs = append(msgIDs, stmt.GetInt64("MsgID"))
	}
	return msgIDs, nil
}

// SubscriberDetails is the input to AddSubscriber.
type SubscriberDetails struct {
	FullName  string
	EmailAddr string // user@domain, becomes the primary LocalAddresses row
	Password  string
}

func (details *SubscriberDetails) Validate() error {
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if _, err := imf.ParseAddress(details.EmailAddr); err != nil {
		return &UserError{UserMsg: err.Error()}
	}
	return nil
}

func AddSubscriber(conn *sqlite.Conn, details SubscriberDetails) (subscriberID int64, err error) {
	passHash, err := bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Subscribers (SubscriberID, FullName, PassHash, Locked)
		VALUES ($subscriberID, $fullName, $passHash, FALSE);`)
	stmt.SetText("$fullName", details.FullName)
	stmt.SetBytes("$passHash", passHash)
	subscriberID, err = sqlitex.InsertRandID(stmt, "$subscriberID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, ErrAddressUnavailable
		}
		return 0, err
	}

	if err := AddLocalAddress(conn, subscriberID, details.EmailAddr, true); err != nil {
		return 0, err
	}
	return subscriberID, nil
}

func AddLocalAddress(conn *sqlite.Conn, subscriberID int64, addr string, primary bool) error {
	if strings.LastIndexByte(addr, '@') == -1 {
		return &UserError{UserMsg: "Invalid email address, missing @domain."}
	}
	addr = strings.ToLower(addr)

	stmt := conn.Prep(`INSERT INTO LocalAddresses (Address, SubscriberID, PrimaryAddr) VALUES ($addr, $subscriberID, $primary);`)
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$subscriberID", subscriberID)
	stmt.SetBool("$primary", primary)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return &UserError{UserMsg: fmt.Sprintf("Address %q is already assigned.", addr)}
		}
		return err
	}

	if primary {
		stmt = conn.Prep(`UPDATE LocalAddresses SET PrimaryAddr = FALSE WHERE SubscriberID = $subscriberID AND Address <> $addr;`)
		stmt.SetText("$addr", addr)
		stmt.SetInt64("$subscriberID", subscriberID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

func SetPrimaryAddress(conn *sqlite.Conn, subscriberID int64, addr string) error {
	stmt := conn.Prep(`UPDATE LocalAddresses SET PrimaryAddr = (CASE WHEN Address = $addr THEN TRUE ELSE FALSE END) WHERE SubscriberID = $subscriberID;`)
	stmt.SetText("$addr", strings.ToLower(addr))
	stmt.SetInt64("$subscriberID", subscriberID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store.SetPrimaryAddress: unknown address")
	}
	return nil
}

// AuthenticateSubscriber checks addr/password against LocalAddresses
// and Subscribers, returning the SubscriberID on success. It is used
// by both the SMTP submission AUTH handler and the POP3 USER/PASS
// handler, so the bcrypt comparison and the "locked account" rule
// live in exactly one place.
func AuthenticateSubscriber(conn *sqlite.Conn, addr, password string) (subscriberID int64, err error) {
	stmt := conn.Prep(`SELECT Subscribers.SubscriberID, Subscribers.PassHash, Subscribers.Locked
		FROM LocalAddresses INNER JOIN Subscribers ON LocalAddresses.SubscriberID = Subscribers.SubscriberID
		WHERE LocalAddresses.Address = $addr;`)
	stmt.SetText("$addr", strings.ToLower(addr))
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, &UserError{UserMsg: "no such address"}
	}
	subscriberID = stmt.GetInt64("SubscriberID")
	passHash := stmt.GetText("PassHash")
	locked := stmt.GetInt64("Locked") != 0
	stmt.Reset()

	if locked {
		return 0, &UserError{UserMsg: "account locked"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passHash), []byte(password)); err != nil {
		return 0, &UserError{UserMsg: "invalid credentials"}
	}
	return subscriberID, nil
}

// UserError is an error with a message safe to relay to an SMTP/POP3
// client independent of its underlying Go type.
type UserError struct {
	UserMsg string
	Focus   string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

// Log is a single structured log event, rendered to a JSON-ish line
// by String(). Every ingress/egress/relay component logs through this
// shape instead of ad hoc Printf calls.
type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
