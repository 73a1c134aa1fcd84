// Package email holds the lightweight types shared by every protocol
// and storage layer: addresses, RFC5322 headers, and the two message
// forms the repository keeps — the full RFC5322 byte stream (whole
// form) and the small metadata record derived from it (short form).
package email

import (
	"fmt"
	"io"
	"time"
)

// Hash is the content-address of a message's whole form: the lowercase
// hex SHA-256 digest of its raw RFC5322 bytes. It is the primary key
// of the binary repository and the value every index entry points at.
type Hash string

func (h Hash) String() string { return string(h) }

// MsgID is the server-assigned identifier of a stored short-form
// record. It is unique across all mailboxes; a message that has only
// been quarantined or queued for relay has no MsgID yet.
type MsgID int64

func (id MsgID) String() string { return fmt.Sprintf("m%d", int64(id)) }

// Msg is the short form of a message: the metadata a POP3 LIST/UIDL
// or a routing decision needs without reading the whole raw body back
// out of the repository.
type Msg struct {
	MsgID     MsgID
	Hash      Hash // repository key of the whole form
	Mailbox   string
	Date      time.Time
	From      Address
	To        []Address
	Subject   string
	Size      int64 // size of the whole form in bytes, RFC822.SIZE
	UID       string
	Flags     []string
	Received  time.Time // server receipt timestamp, independent of the Date header
}

// Part describes one leaf of a MIME tree, used by the bounce generator
// and by anything that needs to re-render a stored message without
// re-parsing the whole thing.
type Part struct {
	PartNum                 int
	Path                    string // MIME path, e.g. "1.2.3"
	ContentType             string
	ContentID               string
	ContentTransferEncoding string
	Content                 Buffer
}

func (p *Part) Close() {
	if p.Content != nil {
		p.Content.Close()
		p.Content = nil
	}
}

// Buffer is a seekable, sized content store. It is usually an
// *iox.BufferFile while a message is in flight, or a *sqlite.Blob once
// committed to the repository.
type Buffer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Size() int64
}
