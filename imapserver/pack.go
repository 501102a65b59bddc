package imapserver

import (
	"fmt"
	"io"
)

// Tokens write technical elements of IMAP responses: atoms, quoted strings,
// literals, lists. Response lines are built as token trees and packed when
// written.
type token interface {
	pack(c *conn) string
	xwriteTo(c *conn, xw io.Writer) // Writes to xw panic on error.
}

type bare string

func (t bare) pack(c *conn) string {
	return string(t)
}

func (t bare) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

type niltoken struct{}

var nilt niltoken

func (t niltoken) pack(c *conn) string {
	return "NIL"
}

func (t niltoken) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

func nilOrString(s string) token {
	if s == "" {
		return nilt
	}
	return string0(s)
}

type string0 string

// Quoted string, or a literal when the value contains characters a quoted
// string cannot carry. We don't announce UTF8=ACCEPT, so non-ASCII goes out as
// a literal too.
func (t string0) pack(c *conn) string {
	r := `"`
	for _, ch := range t {
		if ch == '\x00' || ch == '\r' || ch == '\n' || ch > 0x7f {
			return syncliteral(t).pack(c)
		}
		if ch == '\\' || ch == '"' {
			r += `\`
		}
		r += string(ch)
	}
	r += `"`
	return r
}

func (t string0) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

// Quoted string without literal fallback, for values we construct ourselves,
// like dates.
type dquote string

func (t dquote) pack(c *conn) string {
	r := `"`
	for _, c := range t {
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	r += `"`
	return r
}

func (t dquote) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

type syncliteral string

func (t syncliteral) pack(c *conn) string {
	return fmt.Sprintf("{%d}\r\n", len(t)) + string(t)
}

func (t syncliteral) xwriteTo(c *conn, xw io.Writer) {
	fmt.Fprintf(xw, "{%d}\r\n", len(t))
	xw.Write([]byte(t))
}

// list with tokens space-separated
type listspace []token

func (t listspace) pack(c *conn) string {
	s := "("
	for i, e := range t {
		if i > 0 {
			s += " "
		}
		s += e.pack(c)
	}
	s += ")"
	return s
}

func (t listspace) xwriteTo(c *conn, xw io.Writer) {
	fmt.Fprint(xw, "(")
	for i, e := range t {
		if i > 0 {
			fmt.Fprint(xw, " ")
		}
		e.xwriteTo(c, xw)
	}
	fmt.Fprint(xw, ")")
}

// Concatenated tokens, no spaces or list syntax.
type concat []token

func (t concat) pack(c *conn) string {
	var s string
	for _, e := range t {
		s += e.pack(c)
	}
	return s
}

func (t concat) xwriteTo(c *conn, xw io.Writer) {
	for _, e := range t {
		e.xwriteTo(c, xw)
	}
}

type astring string

func (t astring) pack(c *conn) string {
	if len(t) == 0 {
		return string0(t).pack(c)
	}
next:
	for _, ch := range t {
		for _, x := range atomChar {
			if ch == x {
				continue next
			}
		}
		return string0(t).pack(c)
	}
	return string(t)
}

func (t astring) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

type number uint32

func (t number) pack(c *conn) string {
	return fmt.Sprintf("%d", t)
}

func (t number) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}
