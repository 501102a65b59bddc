// Package message parses RFC822/MIME messages into the structured store form,
// and composes the RFC822 form clients fetch back.
package message

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path/filepath"
	"strings"

	"encoding/base64"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/store"
)

// ErrMessage is returned for messages that cannot be parsed. APPEND fails
// outright on these, a placeholder message is never stored.
var ErrMessage = errors.New("malformed message")

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, r io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		enc, _ := ianaindex.MIME.Encoding(charset)
		if enc == nil {
			enc, _ = ianaindex.IANA.Encoding(charset)
		}
		if enc == nil {
			return r, fmt.Errorf("unknown charset %q", charset)
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

// Attachment content types accepted during APPEND. Everything else is
// dropped, not an error: a message with a rejected attachment is stored
// without it.
var attachmentCTPrefixes = []string{"image/", "audio/", "video/"}
var attachmentCTAllowed = map[string]bool{
	"application/pdf":              true,
	"application/zip":              true,
	"application/gzip":             true,
	"application/json":             true,
	"application/vnd.ms-excel":     true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/csv":      true,
	"text/calendar": true,
	"text/plain":    true,
	"message/rfc822": true,
}

// Filename extensions never accepted, regardless of the declared content type.
var deniedExtensions = map[string]bool{
	".bat": true, ".cmd": true, ".com": true, ".cpl": true, ".dll": true,
	".exe": true, ".hta": true, ".jar": true, ".js": true, ".jse": true,
	".msi": true, ".pif": true, ".ps1": true, ".scr": true, ".sh": true,
	".vbe": true, ".vbs": true, ".wsf": true,
}

func attachmentAllowed(ct, filename string) bool {
	if deniedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return false
	}
	if attachmentCTAllowed[ct] {
		return true
	}
	for _, p := range attachmentCTPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// Parse parses an RFC822 message into its structured form: decoded headers,
// inline text/html bodies, and allowed attachments. Disallowed or unparsable
// subparts are dropped; only a message without a parsable header fails.
func Parse(log mlog.Log, data []byte) (store.Message, error) {
	var m store.Message

	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	h := msg.Header

	m.Subject = decodeHeader(h.Get("Subject"))
	m.From = formatAddressHeader(log, h.Get("From"))
	m.To = formatAddressList(log, h.Get("To"))
	m.Cc = formatAddressList(log, h.Get("Cc"))
	m.Bcc = formatAddressList(log, h.Get("Bcc"))
	m.MessageID = h.Get("Message-Id")
	m.InReplyTo = h.Get("In-Reply-To")
	if date, err := h.Date(); err == nil {
		m.SentDate = date
	}

	ct := h.Get("Content-Type")
	cte := h.Get("Content-Transfer-Encoding")
	disp := h.Get("Content-Disposition")
	cid := h.Get("Content-Id")
	if err := walkPart(log, &m, ct, cte, disp, cid, msg.Body, 0); err != nil {
		return m, err
	}
	// Size is the rendered RFC822 form, the bytes a fetch will actually return.
	m.Size = Compose(log, m).Size()
	return m, nil
}

// walkPart handles one MIME part, recursing into multiparts. Unparsable
// subparts of a multipart are skipped, keeping what was already gathered.
func walkPart(log mlog.Log, m *store.Message, ct, cte, disp, cid string, r io.Reader, depth int) error {
	if depth > 10 {
		return fmt.Errorf("%w: multipart nesting too deep", ErrMessage)
	}

	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		if ct == "" {
			mt = "text/plain"
			params = map[string]string{}
		} else {
			log.Debugx("unparsable content-type, skipping part", err)
			return nil
		}
	}

	if strings.HasPrefix(mt, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%w: multipart without boundary", ErrMessage)
		}
		mr := multipart.NewReader(r, boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if depth == 0 {
					return fmt.Errorf("%w: reading multipart: %v", ErrMessage, err)
				}
				log.Debugx("reading nested multipart, skipping remainder", err)
				return nil
			}
			pcid := p.Header.Get("Content-Id")
			err = walkPart(log, m, p.Header.Get("Content-Type"), p.Header.Get("Content-Transfer-Encoding"), p.Header.Get("Content-Disposition"), pcid, p, depth+1)
			if err != nil {
				return err
			}
		}
	}

	filename := partFilename(disp, params)
	inline := filename == "" && !strings.HasPrefix(strings.ToLower(disp), "attachment")

	body, err := io.ReadAll(decodeTransfer(cte, r))
	if err != nil {
		log.Debugx("reading part body, skipping part", err)
		return nil
	}

	switch {
	case inline && mt == "text/plain" && m.BodyText == "":
		m.BodyText = decodeCharset(params["charset"], body)
	case inline && mt == "text/html" && m.BodyHTML == "":
		m.BodyHTML = decodeCharset(params["charset"], body)
	default:
		if !attachmentAllowed(mt, filename) {
			log.Debug("dropping disallowed attachment")
			return nil
		}
		m.Attachments = append(m.Attachments, store.Attachment{
			ContentType: mt,
			Filename:    filename,
			ContentID:   strings.Trim(cid, "<>"),
			Data:        body,
		})
	}
	return nil
}

func partFilename(disp string, ctParams map[string]string) string {
	if disp != "" {
		if _, params, err := mime.ParseMediaType(disp); err == nil {
			if fn := params["filename"]; fn != "" {
				return decodeHeader(fn)
			}
		}
	}
	return decodeHeader(ctParams["name"])
}

func decodeTransfer(cte string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, newlineStripper{r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

// newlineStripper removes CR/LF so base64 bodies with line breaks decode.
type newlineStripper struct {
	r io.Reader
}

func (s newlineStripper) Read(buf []byte) (int, error) {
	n, err := s.r.Read(buf)
	o := 0
	for _, c := range buf[:n] {
		if c == '\r' || c == '\n' {
			continue
		}
		buf[o] = c
		o++
	}
	return o, err
}

func decodeCharset(charset string, buf []byte) string {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8":
		return string(buf)
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return string(buf)
	}
	s, err := enc.NewDecoder().Bytes(buf)
	if err != nil {
		return string(buf)
	}
	return string(s)
}

func decodeHeader(s string) string {
	if d, err := wordDecoder.DecodeHeader(s); err == nil {
		return d
	}
	return s
}
