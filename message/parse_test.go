package message

import (
	"strings"
	"testing"

	"github.com/crowmail/crow/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var log = mlog.New("message", nil)

func TestParseSimple(t *testing.T) {
	raw := "From: Mechtilde <mech@example.org>\r\n" +
		"To: <mjl@example.org>, Other One <other@example.org>\r\n" +
		"Subject: =?utf-8?q?hi_there?=\r\n" +
		"Message-Id: <abc@example.org>\r\n" +
		"Date: Mon, 7 Feb 2022 12:00:00 +0100\r\n" +
		"\r\n" +
		"hello world\r\n"

	m, err := Parse(log, []byte(raw))
	tcheck(t, err, "parse")
	if m.Subject != "hi there" {
		t.Fatalf("subject: got %q", m.Subject)
	}
	if m.From != "Mechtilde <mech@example.org>" {
		t.Fatalf("from: got %q", m.From)
	}
	if len(m.To) != 2 || m.To[1] != "Other One <other@example.org>" {
		t.Fatalf("to: got %v", m.To)
	}
	if m.MessageID != "<abc@example.org>" {
		t.Fatalf("message-id: got %q", m.MessageID)
	}
	if m.SentDate.IsZero() {
		t.Fatalf("date not parsed")
	}
	if !strings.Contains(m.BodyText, "hello world") {
		t.Fatalf("body: got %q", m.BodyText)
	}
	if m.Size != Compose(log, m).Size() {
		t.Fatalf("size: got %d, expected rendered size %d", m.Size, Compose(log, m).Size())
	}
	if m.Size == 0 {
		t.Fatalf("size: got 0")
	}
}

func TestParseMultipart(t *testing.T) {
	raw := "From: <a@example.org>\r\n" +
		"To: <b@example.org>\r\n" +
		"Subject: mixed\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=us-ascii\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=us-ascii\r\n" +
		"\r\n" +
		"<p>html body</p>\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: image/png; name=\"pix.png\"\r\n" +
		"Content-Id: <pix1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Disposition: attachment; filename=\"pix.png\"\r\n" +
		"\r\n" +
		"aGVsbG8=\r\n" +
		"--outer\r\n" +
		"Content-Type: application/x-msdownload; name=\"evil.exe\"\r\n" +
		"Content-Disposition: attachment; filename=\"evil.exe\"\r\n" +
		"\r\n" +
		"MZbogus\r\n" +
		"--outer--\r\n"

	m, err := Parse(log, []byte(raw))
	tcheck(t, err, "parse multipart")
	if !strings.Contains(m.BodyText, "plain body") {
		t.Fatalf("text body: got %q", m.BodyText)
	}
	if !strings.Contains(m.BodyHTML, "html body") {
		t.Fatalf("html body: got %q", m.BodyHTML)
	}
	// The exe is dropped, the png kept with its base64 decoded.
	if len(m.Attachments) != 1 {
		t.Fatalf("attachments: got %d, expected 1", len(m.Attachments))
	}
	a := m.Attachments[0]
	if a.Filename != "pix.png" || a.ContentID != "pix1" || string(a.Data) != "hello" {
		t.Fatalf("attachment: got %+v", a)
	}
}

func TestParseBad(t *testing.T) {
	_, err := Parse(log, []byte("not a message"))
	if err == nil {
		t.Fatalf("parse of garbage did not fail")
	}
}

func TestAttachmentPolicy(t *testing.T) {
	checks := []struct {
		ct, filename string
		exp          bool
	}{
		{"image/png", "p.png", true},
		{"application/pdf", "doc.pdf", true},
		{"application/pdf", "doc.exe", false},
		{"image/png", "p.JS", false},
		{"application/x-msdownload", "setup.bin", false},
		{"video/mp4", "clip.mp4", true},
	}
	for _, c := range checks {
		if got := attachmentAllowed(c.ct, c.filename); got != c.exp {
			t.Errorf("attachmentAllowed(%q, %q): got %v, expected %v", c.ct, c.filename, got, c.exp)
		}
	}
}

func TestAddresses(t *testing.T) {
	l := ParseAddressList(log, "Gopher <gopher@example.org>, plain@example.org")
	if len(l) != 2 {
		t.Fatalf("got %d addresses", len(l))
	}
	if l[0].Name != "Gopher" || l[0].User != "gopher" || l[0].Host != "example.org" {
		t.Fatalf("first address: got %+v", l[0])
	}
	if l[1].Name != "" || l[1].User != "plain" || l[1].Host != "example.org" {
		t.Fatalf("second address: got %+v", l[1])
	}
	if l := ParseAddressList(log, "total garbage <"); l != nil {
		t.Fatalf("garbage address list: got %v", l)
	}
}
