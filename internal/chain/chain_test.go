package chain

import (
	"bytes"
	"strings"
	"testing"
)

func TestHasLiteralPrefix(t *testing.T) {
	if !HasLiteralPrefix([]byte("MaIl FrOm:<a@b>"), "MAIL FROM") {
		t.Fatal("expected case-insensitive match")
	}
	if HasLiteralPrefix([]byte("RCPT"), "MAIL FROM") {
		t.Fatal("expected no match on short input")
	}
}

func TestCutLine(t *testing.T) {
	line, rest, ok := CutLine([]byte("HELO there\r\nMAIL FROM:<a>\r\n"))
	if !ok || string(line) != "HELO there" {
		t.Fatalf("got %q, %v", line, ok)
	}
	if string(rest) != "MAIL FROM:<a>\r\n" {
		t.Fatalf("rest = %q", rest)
	}
	if _, _, ok := CutLine([]byte("no terminator")); ok {
		t.Fatal("expected ok=false without CRLF")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("hello world, this is a test attachment body "), 4)

	var buf bytes.Buffer
	if err := Base64EncodeWrapped(&buf, data); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\r\n") {
		if len(line) > 76 {
			t.Fatalf("line exceeds 76 columns: %d", len(line))
		}
	}

	decoded, err := Base64DecodeTolerant(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBase64DecodeTolerantMissingPadding(t *testing.T) {
	// "hi" without its trailing "=" padding.
	decoded, err := Base64DecodeTolerant([]byte("aGk"))
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "hi" {
		t.Fatalf("got %q", decoded)
	}
}

func TestQuotedPrintableDecode(t *testing.T) {
	out, err := QuotedPrintableDecode(strings.NewReader("Caf=C3=A9 au lait"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "Café au lait" {
		t.Fatalf("got %q", out)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	data := []byte("compress me please, several times over for good measure")

	var buf bytes.Buffer
	if err := GzipCompress(&buf, data); err != nil {
		t.Fatal(err)
	}
	out, err := GzipDecompress(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestMD5Digest(t *testing.T) {
	d1 := MD5Digest([]byte("a"))
	d2 := MD5Digest([]byte("a"))
	d3 := MD5Digest([]byte("b"))
	if d1 != d2 {
		t.Fatal("expected equal digests for equal input")
	}
	if d1 == d3 {
		t.Fatal("expected different digests for different input")
	}
}
