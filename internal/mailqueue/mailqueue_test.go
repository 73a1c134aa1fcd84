package mailqueue_test

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epistula-mail/epistula/internal/mailqueue"
)

func TestEnqueueLoadBody(t *testing.T) {
	dir, err := ioutil.TempDir("", "mailqueue-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	body := "From: a@example.com\r\nTo: b@example.org\r\n\r\nhello there\r\n"
	due := time.Unix(1700000000, 0)
	item := mailqueue.Item{
		MsgID:      42,
		Sender:     "a@example.com",
		Hash:       "deadbeef",
		Recipients: []string{"b@example.org", "c@example.org"},
		TimeDue:    due,
	}
	if err := mailqueue.Enqueue(dir, item, strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}

	loaded, ok, err := mailqueue.Load(dir, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Load: item not found")
	}
	if loaded.Sender != item.Sender || loaded.Hash != item.Hash {
		t.Errorf("Load: got sender=%q hash=%q, want sender=%q hash=%q", loaded.Sender, loaded.Hash, item.Sender, item.Hash)
	}
	if !loaded.TimeDue.Equal(due) {
		t.Errorf("Load: TimeDue = %v, want %v", loaded.TimeDue, due)
	}
	if len(loaded.Recipients) != 2 || loaded.Recipients[0] != "b@example.org" || loaded.Recipients[1] != "c@example.org" {
		t.Errorf("Load: Recipients = %v, want [b@example.org c@example.org]", loaded.Recipients)
	}

	r, size, closer, err := loaded.Body(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if size != int64(len(body)) {
		t.Errorf("Body: size = %d, want %d", size, len(body))
	}
	got := make([]byte, size)
	if _, err := r.ReadAt(got, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("Body: got %q, want %q", got, body)
	}
}

func TestList(t *testing.T) {
	dir, err := ioutil.TempDir("", "mailqueue-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	for _, msgID := range []int64{1, 2, 3} {
		item := mailqueue.Item{
			MsgID:      msgID,
			Sender:     "a@example.com",
			Recipients: []string{"b@example.org"},
			TimeDue:    time.Unix(1700000000, 0),
		}
		if err := mailqueue.Enqueue(dir, item, strings.NewReader("body\r\n")); err != nil {
			t.Fatal(err)
		}
	}

	items, err := mailqueue.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("List: got %d items, want 3", len(items))
	}
}

func TestRetire(t *testing.T) {
	dir, err := ioutil.TempDir("", "mailqueue-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	item := mailqueue.Item{MsgID: 7, Sender: "a@example.com", Recipients: []string{"b@example.org"}, TimeDue: time.Now()}
	if err := mailqueue.Enqueue(dir, item, bytes.NewReader(nil)); err != nil {
		t.Fatal(err)
	}
	if err := mailqueue.Retire(dir, 7, true); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := mailqueue.Load(dir, 7); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("Load: still found .outg after Retire")
	}
	if _, err := os.Stat(filepath.Join(dir, "7.sent")); err != nil {
		t.Errorf("Retire: expected 7.sent: %v", err)
	}
}
