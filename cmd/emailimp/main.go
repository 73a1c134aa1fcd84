// Command emailimp imports legacy POP3-formatted mailbox files into
// the store by driving the same persistence pipeline ingress uses,
// without an SMTP conversation. Each file under -dir is a Unix
// mbox-style concatenation of messages for one account, named
// "<account-address>.mbox"; every message in it is delivered to that
// account only.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"crawshaw.io/iox"

	"github.com/epistula-mail/epistula/internal/engine"
	"github.com/epistula-mail/epistula/internal/ingress"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("emailimp", flag.ContinueOnError)
	dir := fs.String("dir", "", "directory of legacy POP3-formatted mbox files to import")
	dbdir := fs.String("dbdir", "", "database, mailbox, and queue directory to import into")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: emailimp -dir=<path> [-dbdir=<path>]")
		return 1
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emailimp: %v\n", err)
		return 2
	}

	filer := iox.NewFiler(0)
	s, err := engine.New(filer, *dbdir, "localhost")
	if err != nil {
		log.Fatal(err)
	}
	defer s.DB.Close()

	ctx := context.Background()
	imported, failed := 0, 0
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		account := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		path := filepath.Join(*dir, ent.Name())
		n, err := importMboxFile(ctx, s, path, account)
		imported += n
		if err != nil {
			fmt.Fprintf(os.Stderr, "emailimp: %s: %v\n", path, err)
			failed++
		}
	}

	fmt.Printf("emailimp: imported %d message(s) from %s\n", imported, *dir)
	if failed > 0 {
		return 100
	}
	return 0
}

// importMboxFile splits path on Unix "From " envelope lines and hands
// each message to the persistence pipeline in turn.
func importMboxFile(ctx context.Context, s *engine.Server, path, account string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	msgMaker := ingress.New(ctx, s.DB, s.Filer, s.Logf, s.LocalDeliver.Notify)

	var cur *bytes.Buffer
	count := 0

	flush := func() error {
		if cur == nil || cur.Len() == 0 {
			return nil
		}
		if err := importOne(msgMaker, account, cur.Bytes()); err != nil {
			return err
		}
		count++
		return nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "From ") {
			if err := flush(); err != nil {
				return count, err
			}
			cur = &bytes.Buffer{}
			continue
		}
		if cur == nil {
			cur = &bytes.Buffer{}
		}
		cur.WriteString(line)
		cur.WriteString("\r\n")
	}
	if err := sc.Err(); err != nil {
		return count, err
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, nil
}

// importOne delivers one legacy message to account, using account
// itself as the synthetic envelope sender since the originator of an
// archived message is unknown.
func importOne(msgMaker *ingress.MsgMaker, account string, raw []byte) error {
	addr := []byte(account)

	msg, err := msgMaker.NewMessage(&net.IPAddr{}, addr, 0)
	if err != nil {
		return fmt.Errorf("new message: %v", err)
	}
	ok, err := msg.AddRecipient(addr)
	if err != nil {
		msg.Cancel()
		return fmt.Errorf("add recipient %s: %v", account, err)
	}
	if !ok {
		msg.Cancel()
		return fmt.Errorf("recipient %s is not a local address", account)
	}
	if err := msg.Write(raw); err != nil {
		msg.Cancel()
		return fmt.Errorf("write body: %v", err)
	}
	return msg.Close()
}
