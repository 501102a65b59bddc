package imapserver

import (
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/crowmail/crow/message"
	"github.com/crowmail/crow/store"
)

// Fetch, request attributes of messages.
//
// State: selected
func (c *conn) cmdxFetch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()
	p.xempty()

	fa := c.xcheckFolder()
	uids := c.xnumSetUIDs(isUID, nums)

	for _, uid := range uids {
		m, err := c.account.MessageGet(c.xctx(), int64(uid))
		if err != nil {
			continue
		}
		seq := c.xsequence(uid)

		mf := &msgfetch{conn: c, m: m, fa: fa}
		items := listspace{}
		haveUID := false
		haveFlags := false
		for _, a := range atts {
			if a.field == "UID" {
				haveUID = true
			}
			if a.field == "FLAGS" {
				haveFlags = true
			}
			items = append(items, mf.xitem(a)...)
		}
		if isUID && !haveUID {
			items = append(listspace{bare("UID"), number(uid)}, items...)
		}

		if mf.markSeen && !c.readonly && !m.Seen {
			m.Seen = true
			c.account.WithWLock(func() {
				err := c.account.MessageUpdate(c.xctx(), m)
				xcheckf(err, "marking message seen")
				c.comm.Broadcast([]store.Change{store.ChangeFlags{Message: m}})
			})
			if !haveFlags {
				items = append(items, bare("FLAGS"), flagList(m, fa))
			}
		}

		c.bwritelinef("* %d FETCH %s", seq, items.pack(c))
	}

	c.ok(tag, cmd)
}

// msgfetch builds fetch items for one message, rendering the rfc 822 form
// and the part tree once and serving all requested attributes from them.
type msgfetch struct {
	conn     *conn
	m        store.Message
	fa       store.Attrs
	markSeen bool

	rendered *message.Rendered
	parts    *mpart
}

func (f *msgfetch) render() message.Rendered {
	if f.rendered == nil {
		r := message.Compose(f.conn.log, f.m)
		f.rendered = &r
	}
	return *f.rendered
}

func (f *msgfetch) tree() *mpart {
	if f.parts == nil {
		f.parts = composeParts(f.m)
	}
	return f.parts
}

// xitem returns the response tokens for one fetch attribute.
func (f *msgfetch) xitem(a fetchAtt) []token {
	m := f.m

	switch a.field {
	case "UID":
		return []token{bare("UID"), number(m.UID())}
	case "FLAGS":
		return []token{bare("FLAGS"), flagList(m, f.fa)}
	case "INTERNALDATE":
		return []token{bare("INTERNALDATE"), dquote(m.Received.Format("02-Jan-2006 15:04:05 -0700"))}
	case "RFC822.SIZE":
		return []token{bare("RFC822.SIZE"), number(uint32(m.Size))}
	case "ENVELOPE":
		return []token{bare("ENVELOPE"), f.envelope()}
	case "BODYSTRUCTURE":
		return []token{bare("BODYSTRUCTURE"), bodystructure(f.tree(), true)}
	case "RFC822.HEADER":
		return []token{bare("RFC822.HEADER"), syncliteral(f.render().Header)}
	case "RFC822.TEXT":
		f.markSeen = true
		return []token{bare("RFC822.TEXT"), syncliteral(f.render().Body)}
	case "RFC822":
		f.markSeen = true
		return []token{bare("RFC822"), syncliteral(f.render().Full())}
	case "PREVIEW":
		return []token{bare("PREVIEW"), nilOrString(message.Preview(m))}
	case "EMAILID":
		return []token{bare("EMAILID"), listspace{bare(fmt.Sprintf("M%d", m.ID))}}
	case "THREADID":
		return []token{bare("THREADID"), listspace{bare(fmt.Sprintf("T%d", m.ID))}}
	case "MODSEQ":
		// No per-change modseq bookkeeping, the UID is a usable stand-in:
		// it only has to be a permanent positive integer here.
		return []token{bare("MODSEQ"), listspace{number(uint32(m.ID))}}
	case "BODY":
		if a.section == nil {
			// BODYSTRUCTURE without extension data.
			return []token{bare("BODY"), bodystructure(f.tree(), false)}
		}
		if !a.peek {
			f.markSeen = true
		}
		label, data := f.xsection(a.section)
		if a.partial != nil {
			o := int(a.partial.offset)
			if o > len(data) {
				o = len(data)
			}
			e := o + int(a.partial.count)
			if e > len(data) {
				e = len(data)
			}
			data = data[o:e]
			label += fmt.Sprintf("<%d>", a.partial.offset)
		}
		return []token{bare(label), syncliteral(data)}
	}
	xserverErrorf("missing fetch attribute case %q", a.field)
	return nil
}

// xsection returns the response label (e.g. "BODY[HEADER]") and the data for
// a BODY[...] section.
func (f *msgfetch) xsection(s *sectionSpec) (string, string) {
	if s.msgtext == nil && s.part == nil {
		return "BODY[]", string(f.render().Full())
	}
	if s.msgtext != nil {
		label, data := f.msgtext(s.msgtext, f.render().Header, f.render().Body)
		return "BODY[" + label + "]", data
	}

	// Part addressing.
	part := f.tree()
	label := ""
	for _, n := range s.part.part {
		if label != "" {
			label += "."
		}
		label += fmt.Sprintf("%d", n)
		if len(part.children) == 0 {
			// BODY[1] of a non-multipart message is the message body.
			if n == 1 && part == f.tree() {
				continue
			}
			return "BODY[" + label + "]", ""
		} else if int(n) > len(part.children) {
			return "BODY[" + label + "]", ""
		} else {
			part = part.children[n-1]
		}
	}
	if s.part.text == nil {
		return "BODY[" + label + "]", string(part.render())
	}
	if s.part.text.mime {
		return "BODY[" + label + ".MIME]", string(part.mimeHeader())
	}
	// HEADER/TEXT on a part only applies to message/rfc822 parts, which this
	// data model never produces.
	sublabel, data := f.msgtext(s.part.text.msgtext, part.mimeHeader(), part.render())
	return "BODY[" + label + "." + sublabel + "]", data
}

func (f *msgfetch) msgtext(s *sectionMsgtext, header, body []byte) (string, string) {
	switch s.s {
	case "HEADER":
		return "HEADER", string(header)
	case "TEXT":
		return "TEXT", string(body)
	case "HEADER.FIELDS":
		return fmt.Sprintf("HEADER.FIELDS (%s)", strings.Join(upper(s.headers), " ")), filterHeader(header, s.headers, false)
	case "HEADER.FIELDS.NOT":
		return fmt.Sprintf("HEADER.FIELDS.NOT (%s)", strings.Join(upper(s.headers), " ")), filterHeader(header, s.headers, true)
	}
	xserverErrorf("missing section-msgtext case %q", s.s)
	return "", ""
}

func upper(l []string) []string {
	r := make([]string, len(l))
	for i, s := range l {
		r[i] = strings.ToUpper(s)
	}
	return r
}

// filterHeader returns the header lines whose field name is (not, when
// negate) in fields, keeping continuation lines with their field. The
// trailing blank line is always included.
func filterHeader(header []byte, fields []string, negate bool) string {
	want := map[string]bool{}
	for _, s := range fields {
		want[strings.ToLower(s)] = true
	}
	var b strings.Builder
	include := false
	for _, line := range strings.SplitAfter(string(header), "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if include {
				b.WriteString(line)
			}
			continue
		}
		name, _, ok := strings.Cut(trimmed, ":")
		include = ok && want[strings.ToLower(strings.TrimSpace(name))] != negate
		if include {
			b.WriteString(line)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

// envelope builds the ENVELOPE response: date, subject, from, sender,
// reply-to, to, cc, bcc, in-reply-to, message-id.
func (f *msgfetch) envelope() token {
	m := f.m

	addresses := func(s string) token {
		l := message.ParseAddressList(f.conn.log, s)
		if len(l) == 0 {
			return nilt
		}
		r := listspace{}
		for _, a := range l {
			r = append(r, listspace{nilOrString(a.Name), nilt, nilOrString(a.User), nilOrString(a.Host)})
		}
		return r
	}

	date := m.SentDate
	if date.IsZero() {
		date = m.Received
	}
	var datet token = nilt
	if !date.IsZero() {
		datet = dquote(date.Format(time.RFC1123Z))
	}

	from := addresses(m.From)
	return listspace{
		datet,
		nilOrString(m.Subject),
		from,
		from, // Sender.
		from, // Reply-To.
		addresses(strings.Join(m.To, ", ")),
		addresses(strings.Join(m.Cc, ", ")),
		addresses(strings.Join(m.Bcc, ", ")),
		nilOrString(m.InReplyTo),
		nilOrString(m.MessageID),
	}
}

// mpart is a node in the MIME shape the message renders to, mirroring the
// shapes message.Compose produces: single part, multipart/alternative for
// text+html, multipart/mixed with the inline part first and attachments
// after.
type mpart struct {
	mediaType    string // Upper case, e.g. "TEXT", "MULTIPART".
	mediaSubtype string // Upper case, e.g. "PLAIN", "MIXED".
	charset      string // For text parts.
	cte          string // Content-Transfer-Encoding.
	filename     string
	contentID    string
	body         []byte // Leaf parts only.
	children     []*mpart
}

func textPart(subtype, s string) *mpart {
	return &mpart{
		mediaType:    "TEXT",
		mediaSubtype: subtype,
		charset:      "utf-8",
		cte:          "8bit",
		body:         []byte(crlf(s)),
	}
}

func attachmentPart(a store.Attachment) *mpart {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	mt, st, _ := strings.Cut(ct, "/")
	enc := base64.StdEncoding.EncodeToString(a.Data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
	return &mpart{
		mediaType:    strings.ToUpper(mt),
		mediaSubtype: strings.ToUpper(st),
		cte:          "base64",
		filename:     a.Filename,
		contentID:    a.ContentID,
		body:         []byte(b.String()),
	}
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// composeParts builds the part tree for a message, with the same shape
// message.Compose renders.
func composeParts(m store.Message) *mpart {
	inline := func() *mpart {
		if m.BodyText != "" && m.BodyHTML != "" {
			return &mpart{
				mediaType:    "MULTIPART",
				mediaSubtype: "ALTERNATIVE",
				children:     []*mpart{textPart("PLAIN", m.BodyText), textPart("HTML", m.BodyHTML)},
			}
		}
		if m.BodyHTML != "" {
			return textPart("HTML", m.BodyHTML)
		}
		return textPart("PLAIN", m.BodyText)
	}

	if len(m.Attachments) == 0 {
		return inline()
	}
	root := &mpart{
		mediaType:    "MULTIPART",
		mediaSubtype: "MIXED",
		children:     []*mpart{inline()},
	}
	for _, a := range m.Attachments {
		root.children = append(root.children, attachmentPart(a))
	}
	return root
}

// mimeHeader returns the part's MIME header lines, including the blank
// separator. Boundaries for nested multiparts are generated at render time,
// so a multipart's own header here carries no boundary parameter; clients
// fetching [n.MIME] of a multipart get the content type only.
func (p *mpart) mimeHeader() []byte {
	var b strings.Builder
	if p.mediaType == "MULTIPART" {
		fmt.Fprintf(&b, "Content-Type: %s/%s\r\n", strings.ToLower(p.mediaType), strings.ToLower(p.mediaSubtype))
	} else {
		ct := strings.ToLower(p.mediaType) + "/" + strings.ToLower(p.mediaSubtype)
		if p.charset != "" {
			ct += "; charset=" + p.charset
		} else if p.filename != "" {
			ct += fmt.Sprintf("; name=%q", p.filename)
		}
		fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
		if p.filename != "" {
			fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", p.filename)
		}
		if p.contentID != "" {
			fmt.Fprintf(&b, "Content-Id: <%s>\r\n", p.contentID)
		}
		if p.cte != "" {
			fmt.Fprintf(&b, "Content-Transfer-Encoding: %s\r\n", p.cte)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// render returns the part's body. Multiparts are assembled with a fresh
// boundary each time.
func (p *mpart) render() []byte {
	if len(p.children) == 0 {
		return p.body
	}
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	for _, child := range p.children {
		h := textproto.MIMEHeader{}
		for _, line := range strings.Split(strings.TrimRight(string(child.mimeHeader()), "\r\n"), "\r\n") {
			if k, v, ok := strings.Cut(line, ": "); ok {
				h.Set(k, v)
			}
		}
		if len(child.children) > 0 {
			// The nested multipart needs its boundary in the header.
			nested := child.render()
			boundary := multipartBoundary(nested)
			h.Set("Content-Type", fmt.Sprintf("multipart/%s; boundary=%q", strings.ToLower(child.mediaSubtype), boundary))
			pw, err := mw.CreatePart(h)
			xcheckf(err, "adding nested multipart")
			_, err = pw.Write(nested)
			xcheckf(err, "writing nested multipart")
			continue
		}
		pw, err := mw.CreatePart(h)
		xcheckf(err, "adding part")
		_, err = pw.Write(child.body)
		xcheckf(err, "writing part")
	}
	err := mw.Close()
	xcheckf(err, "closing multipart")
	return []byte(buf.String())
}

// multipartBoundary extracts the boundary from a rendered multipart body,
// which starts with the "--boundary" dash line.
func multipartBoundary(body []byte) string {
	line, _, _ := strings.Cut(string(body), "\r\n")
	return strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "--")
}

// size and line count of a body, for BODYSTRUCTURE.
func bodyCounts(body []byte) (number, number) {
	lines := 0
	for _, c := range body {
		if c == '\n' {
			lines++
		}
	}
	return number(len(body)), number(lines)
}

// bodystructure builds the BODY or BODYSTRUCTURE (extensible=true) response
// for a part tree.
func bodystructure(p *mpart, extensible bool) token {
	if p.mediaType == "MULTIPART" {
		t := listspace{}
		children := concat{}
		for _, child := range p.children {
			children = append(children, bodystructure(child, extensible))
		}
		t = append(t, children, dquote(p.mediaSubtype))
		if extensible {
			// Body parameters, disposition, language, location. The boundary
			// is generated per render, so it is not reported.
			t = append(t, nilt, nilt, nilt, nilt)
		}
		return t
	}

	var params token = nilt
	if p.charset != "" {
		params = listspace{dquote("CHARSET"), dquote(strings.ToUpper(p.charset))}
	} else if p.filename != "" {
		params = listspace{dquote("NAME"), string0(p.filename)}
	}
	var cid token = nilt
	if p.contentID != "" {
		cid = string0("<" + p.contentID + ">")
	}
	size, lines := bodyCounts(p.body)
	t := listspace{
		dquote(p.mediaType),
		dquote(p.mediaSubtype),
		params,
		cid,
		nilt, // Content-Description.
		dquote(strings.ToUpper(p.cte)),
		size,
	}
	if p.mediaType == "TEXT" {
		t = append(t, lines)
	}
	if extensible {
		var disp token = nilt
		if p.filename != "" {
			disp = listspace{dquote("ATTACHMENT"), listspace{dquote("FILENAME"), string0(p.filename)}}
		}
		// MD5, disposition, language, location.
		t = append(t, nilt, disp, nilt, nilt)
	}
	return t
}
