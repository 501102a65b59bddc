package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/store"
)

// Rendered is a composed RFC822 form of a stored message, split so FETCH can
// serve BODY[HEADER] and BODY[TEXT] without re-rendering. Header includes the
// blank separator line.
type Rendered struct {
	Header []byte
	Body   []byte
}

// Full returns the complete message, headers and body.
func (r Rendered) Full() []byte {
	return append(append([]byte{}, r.Header...), r.Body...)
}

// Size returns the byte size of the full message.
func (r Rendered) Size() int64 {
	return int64(len(r.Header) + len(r.Body))
}

// Compose renders the RFC822 form of a stored message, choosing the MIME
// shape the content needs: single-part text or html, multipart/alternative
// for both, and multipart/mixed when attachments are present. Boundaries are
// generated fresh on each call. Inline attachments referenced from the html
// body with cid: are rendered as data: URIs.
func Compose(log mlog.Log, m store.Message) Rendered {
	var hdr bytes.Buffer
	writeHeader := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&hdr, "%s: %s\r\n", k, v)
		}
	}

	date := m.SentDate
	if date.IsZero() {
		date = m.Received
	}
	writeHeader("Date", date.Format(time.RFC1123Z))
	writeHeader("From", encodeAddressHeader(m.From))
	writeHeader("To", encodeAddressHeader(strings.Join(m.To, ", ")))
	writeHeader("Cc", encodeAddressHeader(strings.Join(m.Cc, ", ")))
	writeHeader("Subject", encodeHeaderWord(m.Subject))
	writeHeader("Message-Id", m.MessageID)
	writeHeader("In-Reply-To", m.InReplyTo)
	writeHeader("MIME-Version", "1.0")

	html := htmlWithDataURIs(m)

	var body bytes.Buffer
	switch {
	case len(m.Attachments) > 0:
		mw := multipart.NewWriter(&body)
		writeHeader("Content-Type", fmt.Sprintf(`multipart/mixed; boundary=%q`, mw.Boundary()))
		hdr.WriteString("\r\n")
		writeInlineParts(mw, m.BodyText, html)
		for _, a := range m.Attachments {
			writeAttachment(mw, a)
		}
		mw.Close()

	case m.BodyText != "" && html != "":
		mw := multipart.NewWriter(&body)
		writeHeader("Content-Type", fmt.Sprintf(`multipart/alternative; boundary=%q`, mw.Boundary()))
		hdr.WriteString("\r\n")
		writeTextPart(mw, "text/plain", m.BodyText)
		writeTextPart(mw, "text/html", html)
		mw.Close()

	case html != "":
		writeHeader("Content-Type", `text/html; charset=utf-8`)
		writeHeader("Content-Transfer-Encoding", "8bit")
		hdr.WriteString("\r\n")
		body.WriteString(crlf(html))

	default:
		writeHeader("Content-Type", `text/plain; charset=utf-8`)
		writeHeader("Content-Transfer-Encoding", "8bit")
		hdr.WriteString("\r\n")
		body.WriteString(crlf(m.BodyText))
	}

	return Rendered{Header: hdr.Bytes(), Body: body.Bytes()}
}

// writeInlineParts writes the message bodies inside a multipart/mixed: a
// nested multipart/alternative when both text and html exist, a single text
// part otherwise.
func writeInlineParts(mw *multipart.Writer, text, html string) {
	if text != "" && html != "" {
		var buf bytes.Buffer
		nested := multipart.NewWriter(&buf)
		writeTextPart(nested, "text/plain", text)
		writeTextPart(nested, "text/html", html)
		nested.Close()

		h := textproto.MIMEHeader{}
		h.Set("Content-Type", fmt.Sprintf(`multipart/alternative; boundary=%q`, nested.Boundary()))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return
		}
		pw.Write(buf.Bytes())
		return
	}
	if html != "" {
		writeTextPart(mw, "text/html", html)
		return
	}
	writeTextPart(mw, "text/plain", text)
}

func writeTextPart(mw *multipart.Writer, ct, s string) {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", ct+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "8bit")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return
	}
	pw.Write([]byte(crlf(s)))
}

func writeAttachment(mw *multipart.Writer, a store.Attachment) {
	h := textproto.MIMEHeader{}
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	if a.Filename != "" {
		h.Set("Content-Type", fmt.Sprintf("%s; name=%q", ct, a.Filename))
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	} else {
		h.Set("Content-Type", ct)
		h.Set("Content-Disposition", "inline")
	}
	if a.ContentID != "" {
		h.Set("Content-Id", "<"+a.ContentID+">")
	}
	h.Set("Content-Transfer-Encoding", "base64")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return
	}
	enc := base64.StdEncoding.EncodeToString(a.Data)
	for len(enc) > 76 {
		pw.Write([]byte(enc[:76]))
		pw.Write([]byte("\r\n"))
		enc = enc[76:]
	}
	pw.Write([]byte(enc))
	pw.Write([]byte("\r\n"))
}

// htmlWithDataURIs replaces cid: references in the html body with data: URIs
// for the matching attachments, so clients that only render the html part
// still show inline images.
func htmlWithDataURIs(m store.Message) string {
	html := m.BodyHTML
	if html == "" || !strings.Contains(html, "cid:") {
		return html
	}
	for _, a := range m.Attachments {
		if a.ContentID == "" {
			continue
		}
		uri := "data:" + a.ContentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
		html = strings.ReplaceAll(html, "cid:"+a.ContentID, uri)
	}
	return html
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func encodeHeaderWord(s string) string {
	if isASCII(s) {
		return s
	}
	return mime.QEncoding.Encode("utf-8", s)
}

// encodeAddressHeader word-encodes only the display-name phrases, leaving the
// address specs alone.
func encodeAddressHeader(s string) string {
	if isASCII(s) {
		return s
	}
	// A full address re-parse is overkill here; Q-encode the whole value per word.
	return mime.QEncoding.Encode("utf-8", s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
