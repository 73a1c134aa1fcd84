// Package mailqueue is the flat-file outbound relay queue: one
// `.outg` file per accepted message with at least one alien
// recipient, renamed to `.sent` or `.fail` once every relay-task for
// it reaches a terminal state. Per spec's data model, a queue entry
// carries a small structured header (sender, time due, one `rcpt`
// line per alien recipient), a blank line, then the verbatim message
// body — the relay scheduler (thread S) drives delivery from this
// file alone, rereading the directory rather than the database or
// the binary repository.
package mailqueue

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Item describes one queued mail-item: an envelope sender and the
// recipients still named in its `.outg` file, plus the location of
// its verbatim body once Load or List has parsed the header block.
type Item struct {
	MsgID      int64
	Sender     string
	Hash       string
	Recipients []string
	TimeDue    time.Time

	bodyOffset int64
	bodySize   int64
}

func outgPath(dir string, msgID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.outg", msgID))
}

// Enqueue writes item's `.outg` file — the header block, a blank
// line, then body read whole — overwriting any prior file for the
// same MsgID (the resend-on-retry case). The write lands under a
// temporary name and is renamed into place atomically so a reader
// scanning the directory never observes a partial file.
func Enqueue(dir string, item Item, body io.Reader) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d.outg.tmp", item.MsgID))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "sender %s\n", item.Sender)
	fmt.Fprintf(w, "hash %s\n", item.Hash)
	fmt.Fprintf(w, "time_due %d\n", item.TimeDue.Unix())
	for _, r := range item.Recipients {
		fmt.Fprintf(w, "rcpt %s\n", r)
	}
	fmt.Fprint(w, "\n")
	if _, err := io.Copy(w, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), outgPath(dir, item.MsgID))
}

// Load parses msgID's `.outg` header block (not its body) and records
// where the body begins for a later Body call.
func Load(dir string, msgID int64) (Item, bool, error) {
	if dir == "" {
		return Item{}, false, nil
	}
	f, err := os.Open(outgPath(dir, msgID))
	if os.IsNotExist(err) {
		return Item{}, false, nil
	} else if err != nil {
		return Item{}, false, err
	}
	defer f.Close()

	item := Item{MsgID: msgID}
	r := bufio.NewReader(f)
	var offset int64
	for {
		line, rerr := r.ReadString('\n')
		offset += int64(len(line))
		trimmed := strings.TrimSuffix(line, "\n")
		if trimmed == "" {
			break
		}
		if sp := strings.IndexByte(trimmed, ' '); sp >= 0 {
			key, value := trimmed[:sp], trimmed[sp+1:]
			switch key {
			case "sender":
				item.Sender = value
			case "hash":
				item.Hash = value
			case "time_due":
				secs, perr := strconv.ParseInt(value, 10, 64)
				if perr != nil {
					return Item{}, false, perr
				}
				item.TimeDue = time.Unix(secs, 0)
			case "rcpt":
				item.Recipients = append(item.Recipients, value)
			}
		}
		if rerr != nil {
			break
		}
	}

	info, err := f.Stat()
	if err != nil {
		return Item{}, false, err
	}
	item.bodyOffset = offset
	if item.bodySize = info.Size() - offset; item.bodySize < 0 {
		item.bodySize = 0
	}
	return item, true, nil
}

// List parses the header block of every `.outg` file in dir, for the
// relay scheduler's directory scan.
func List(dir string) ([]Item, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var items []Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".outg") {
			continue
		}
		msgID, perr := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".outg"), 10, 64)
		if perr != nil {
			continue
		}
		item, ok, lerr := Load(dir, msgID)
		if lerr != nil || !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// bodyReaderAt adapts an *os.File to an io.ReaderAt whose offset 0 is
// the start of the queue entry's verbatim body, for
// smtpclient.Client.Send's io.ReaderAt contract.
type bodyReaderAt struct {
	f      *os.File
	offset int64
}

func (b *bodyReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, b.offset+off)
}

// Body opens item's `.outg` file for reading its verbatim message
// body, returning an io.ReaderAt positioned so ReadAt(p, 0) begins at
// the body, its size, and a Closer for the underlying file.
func (item Item) Body(dir string) (io.ReaderAt, int64, io.Closer, error) {
	f, err := os.Open(outgPath(dir, item.MsgID))
	if err != nil {
		return nil, 0, nil, err
	}
	return &bodyReaderAt{f: f, offset: item.bodyOffset}, item.bodySize, f, nil
}

// Retire renames msgID's `.outg` file to `.sent` or `.fail` depending
// on success, and is a no-op if no `.outg` file exists (dir disabled,
// or the item was never written to disk).
func Retire(dir string, msgID int64, success bool) error {
	if dir == "" {
		return nil
	}
	ext := ".fail"
	if success {
		ext = ".sent"
	}
	src := outgPath(dir, msgID)
	dst := filepath.Join(dir, fmt.Sprintf("%d%s", msgID, ext))
	err := os.Rename(src, dst)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
