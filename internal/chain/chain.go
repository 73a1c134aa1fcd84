// Package chain supplies the byte-level primitives every protocol
// handler and message assembler shares: case-insensitive literal
// matching, CRLF line scanning, and the codec set (base64, quoted-
// printable, gzip, MD5) spec's byte-container model names. The
// block-buffer role itself is filled directly by
// crawshaw.io/iox.BufferFile wherever a message body is assembled;
// this package only holds the primitives layered on top of it.
package chain

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
)

// HasLiteralPrefix reports whether b starts with literal, compared
// ASCII case-insensitively, the way a protocol dispatcher matches a
// command keyword ("MAIL FROM", "DATA", ...) without caring about the
// client's casing.
func HasLiteralPrefix(b []byte, literal string) bool {
	if len(b) < len(literal) {
		return false
	}
	return EqualFoldASCII(b[:len(literal)], literal)
}

// EqualFoldASCII is bytes.EqualFold restricted to ASCII, avoiding the
// unicode case-folding table for a comparison that is always on
// protocol keywords.
func EqualFoldASCII(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c1, c2 := b[i], s[i]
		if 'A' <= c1 && c1 <= 'Z' {
			c1 += 'a' - 'A'
		}
		if 'A' <= c2 && c2 <= 'Z' {
			c2 += 'a' - 'A'
		}
		if c1 != c2 {
			return false
		}
	}
	return true
}

// CutLine splits buf on the first CRLF, returning the line (without
// the terminator) and the remainder. ok is false if buf contains no
// complete CRLF-terminated line yet, the case a reader must wait for
// more input (or, at end of stream, treat what remains as partial).
func CutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\r\n"))
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+2:], true
}

// Base64EncodeWrapped writes data to w as standard base64, wrapped at
// 76 columns with CRLF, the outbound encoding spec requires for
// attachment bodies.
func Base64EncodeWrapped(w io.Writer, data []byte) error {
	const lineLen = 76
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > lineLen {
		if _, err := io.WriteString(w, enc[:lineLen]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		enc = enc[lineLen:]
	}
	if len(enc) > 0 {
		if _, err := io.WriteString(w, enc); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// Base64DecodeTolerant decodes standard base64 after stripping CRLFs
// and restoring missing padding, tolerating the malformed input some
// SMTP/POP3 AUTH clients send (spec requires inbound base64 decoding
// survive a lack of padding and embedded line breaks).
func Base64DecodeTolerant(b []byte) ([]byte, error) {
	b = bytes.ReplaceAll(b, []byte("\r"), nil)
	b = bytes.ReplaceAll(b, []byte("\n"), nil)
	if n := len(b) % 4; n != 0 {
		b = append(b, bytes.Repeat([]byte("="), 4-n)...)
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// QuotedPrintableDecode decodes a quoted-printable body part in full.
func QuotedPrintableDecode(r io.Reader) ([]byte, error) {
	return io.ReadAll(quotedprintable.NewReader(r))
}

// GzipCompress and GzipDecompress round-trip the gzip wrapper spec
// names for HTTP response bodies.
func GzipCompress(w io.Writer, data []byte) error {
	gw := gzip.NewWriter(w)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func GzipDecompress(r io.Reader) ([]byte, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// MD5Digest computes a non-cryptographic checksum of data, for
// integrity comparison only, never as a content identifier (the
// binary repository uses SHA-256 for that).
func MD5Digest(data []byte) [md5.Size]byte {
	return md5.Sum(data)
}
