package store_test

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/epistula-mail/epistula/internal/store"
)

func TestLog(t *testing.T) {
	now := time.Now()
	l := store.Log{
		Where:    "here",
		What:     "it",
		When:     now,
		Duration: 57 * time.Millisecond,
	}
	data := make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["where"], "here"; got != want {
		t.Errorf("where=%q, want %q", got, want)
	}
	if got, want := data["what"], "it"; got != want {
		t.Errorf("where=%q, want %q", got, want)
	}
	if got, want := data["when"], now.Format(time.RFC3339Nano); got != want {
		t.Errorf("when=%q, want %q", got, want)
	}
	if got, want := data["duration"], "57ms"; got != want {
		t.Errorf("duration=%q, want %q", got, want)
	}

	l.Err = errors.New("an error msg")
	data = make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["err"], l.Err.Error(); got != want {
		t.Errorf("err=%q, want %q", got, want)
	}

	l.Data = map[string]interface{}{"data1": 42}
	data = make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["data"].(map[string]interface{})["data1"], float64(42); got != want {
		t.Errorf("data=%f, want %f", got, want)
	}
}

func TestAddSubscriber(t *testing.T) {
	dir, err := ioutil.TempDir("", "store-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("data store tempdir: %s", dir)
	dbpool, err := store.Open(filepath.Join(dir, "epistula.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	const addr = "foo@example.com"
	subscriberID, err := store.AddSubscriber(conn, store.SubscriberDetails{
		EmailAddr: addr,
		Password:  "agenericpassword",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.AddLocalAddress(conn, subscriberID, "bar@example.com", false); err != nil {
		t.Fatal(err)
	}
	if err := store.AddLocalAddress(conn, subscriberID, "baz@example.com", false); err != nil {
		t.Fatal(err)
	}

	wantOtherAddrs := []string{"bar@example.com", "baz@example.com"}
	var gotOtherAddrs []string
	stmt := conn.Prep("SELECT Address, PrimaryAddr FROM LocalAddresses WHERE SubscriberID = $subscriberID ORDER BY Address;")
	stmt.SetInt64("$subscriberID", subscriberID)
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			t.Fatal(err)
		}
		if !hasNext {
			break
		}
		if stmt.GetInt64("PrimaryAddr") != 0 {
			if got, want := stmt.GetText("Address"), "foo@example.com"; got != want {
				t.Errorf("primary addr is %q, want %q", got, want)
			}
			continue
		}
		gotOtherAddrs = append(gotOtherAddrs, stmt.GetText("Address"))
	}
	if !reflect.DeepEqual(wantOtherAddrs, gotOtherAddrs) {
		t.Errorf("other addrs: %v, want %v", gotOtherAddrs, wantOtherAddrs)
	}

	if err := store.AddLocalAddress(conn, subscriberID, "bop@example.com", true); err != nil {
		t.Fatal(err)
	}

	wantOtherAddrs = []string{"bar@example.com", "baz@example.com", "foo@example.com"}
	gotOtherAddrs = nil
	stmt = conn.Prep("SELECT Address, PrimaryAddr FROM LocalAddresses WHERE SubscriberID = $subscriberID ORDER BY Address;")
	stmt.SetInt64("$subscriberID", subscriberID)
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			t.Fatal(err)
		}
		if !hasNext {
			break
		}
		if stmt.GetInt64("PrimaryAddr") != 0 {
			if got, want := stmt.GetText("Address"), "bop@example.com"; got != want {
				t.Errorf("primary addr is %q, want %q", got, want)
			}
			continue
		}
		gotOtherAddrs = append(gotOtherAddrs, stmt.GetText("Address"))
	}
	if !reflect.DeepEqual(wantOtherAddrs, gotOtherAddrs) {
		t.Errorf("other addrs: %v, want %v", gotOtherAddrs, wantOtherAddrs)
	}
}
