// Command epismail is a thin external submission client: it reads a
// message (or builds one) and hands it to the submission SMTP port
// via AUTH LOGIN, exactly the transaction smtp/smtpserver's MSA
// listener expects.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/epistula-mail/epistula/email"
	"github.com/epistula-mail/epistula/internal/chain"
	"github.com/epistula-mail/epistula/third_party/imf"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	server := os.Getenv("EPISMAIL_SERVER")
	if server == "" {
		server = "localhost:587"
	}
	user := os.Getenv("EPISMAIL_USER")
	pass := os.Getenv("EPISMAIL_PASS")

	var err error
	switch args[0] {
	case "-t":
		ignoreDot := len(args) > 1 && args[1] == "-i"
		err = submitStdin(server, user, pass, ignoreDot)
	case "-x":
		if len(args) < 2 {
			usage()
			return 1
		}
		err = submitFromFile(server, user, pass, args[1], args[2:])
	case "-m":
		if len(args) < 3 {
			usage()
			return 1
		}
		err = submitBulk(server, user, pass, args[1], args[2])
	default:
		usage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "epismail: %v\n", err)
		return 100
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: epismail -t [-i] | -x <headers_file> [attach...] | -m <recipient_list> <body>")
}

// submitStdin reads a complete IMF message from stdin and submits it
// as-is. With ignoreDot, a lone "." line in the body is passed through
// literally instead of being treated as a dot-stuffing escape.
func submitStdin(server, user, pass string, ignoreDot bool) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if !ignoreDot {
		raw = unstuffDots(raw)
	}
	from, to, err := parseEnvelope(raw)
	if err != nil {
		return err
	}
	return send(server, user, pass, from, to, raw)
}

// submitFromFile builds a message from a headers file plus optional
// attachment files, MIME-encoding the attachments as a
// multipart/mixed message when any are given.
func submitFromFile(server, user, pass, headersFile string, attachments []string) error {
	hdrBytes, err := os.ReadFile(headersFile)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(hdrBytes)
	if len(hdrBytes) > 0 && hdrBytes[len(hdrBytes)-1] != '\n' {
		buf.WriteString("\r\n")
	}

	if len(attachments) == 0 {
		buf.WriteString("\r\n")
		buf.Write(body)
	} else {
		mw := multipart.NewWriter(&buf)
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

		bodyPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
		if err != nil {
			return err
		}
		if _, err := bodyPart.Write(body); err != nil {
			return err
		}

		for _, path := range attachments {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			ctype := mime.TypeByExtension(filepath.Ext(path))
			if ctype == "" {
				ctype = "application/octet-stream"
			}
			hdr := textproto.MIMEHeader{
				"Content-Type":              {ctype},
				"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", filepath.Base(path))},
				"Content-Transfer-Encoding": {"base64"},
			}
			part, err := mw.CreatePart(hdr)
			if err != nil {
				return err
			}
			if err := chain.Base64EncodeWrapped(part, data); err != nil {
				return err
			}
		}
		if err := mw.Close(); err != nil {
			return err
		}
	}

	raw := buf.Bytes()
	from, to, err := parseEnvelope(raw)
	if err != nil {
		return err
	}
	return send(server, user, pass, from, to, raw)
}

// submitBulk sends body (read whole from a file) to every address
// listed one-per-line in recipientListFile, as separate transactions
// sharing one authenticated connection.
func submitBulk(server, user, pass, recipientListFile, bodyFile string) error {
	body, err := os.ReadFile(bodyFile)
	if err != nil {
		return err
	}
	f, err := os.Open(recipientListFile)
	if err != nil {
		return err
	}
	defer f.Close()

	from := user
	if from == "" {
		from = "bulk@localhost"
	}

	var recipients []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		addr := strings.TrimSpace(sc.Text())
		if addr == "" || strings.HasPrefix(addr, "#") {
			continue
		}
		recipients = append(recipients, addr)
	}
	if err := sc.Err(); err != nil {
		return err
	}

	var lastErr error
	for _, to := range recipients {
		if err := send(server, user, pass, from, []string{to}, body); err != nil {
			fmt.Fprintf(os.Stderr, "epismail: %s: %v\n", to, err)
			lastErr = err
		}
	}
	return lastErr
}

func send(server, user, pass, from string, to []string, msg []byte) error {
	var auth smtp.Auth
	if user != "" {
		host := server
		if i := strings.IndexByte(server, ':'); i >= 0 {
			host = server[:i]
		}
		auth = smtp.PlainAuth("", user, pass, host)
	}
	return smtp.SendMail(server, auth, from, to, msg)
}

// parseEnvelope extracts the envelope sender and recipient list from
// a raw message's From/To/Cc/Bcc headers, for submissions that don't
// specify the envelope explicitly.
func parseEnvelope(raw []byte) (from string, to []string, err error) {
	r := imf.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil {
		return "", nil, err
	}

	fromAddrs, err := imf.ParseAddressList(string(hdr.Get(email.Key("From"))))
	if err != nil || len(fromAddrs) == 0 {
		return "", nil, fmt.Errorf("no From header")
	}
	from = fromAddrs[0].Addr

	for _, key := range []email.Key{"To", "Cc", "Bcc"} {
		v := hdr.Get(key)
		if len(v) == 0 {
			continue
		}
		addrs, err := imf.ParseAddressList(string(v))
		if err != nil {
			return "", nil, err
		}
		for _, a := range addrs {
			to = append(to, a.Addr)
		}
	}
	if len(to) == 0 {
		return "", nil, fmt.Errorf("no recipients")
	}
	return from, to, nil
}

// unstuffDots reverses SMTP DATA dot-stuffing on a buffer read
// straight from a file or pipe rather than off the wire, so stdin
// input written by another dot-stuffing-unaware tool round-trips.
func unstuffDots(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\n..")) {
		return raw
	}
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("..")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

