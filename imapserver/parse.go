package imapserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	listWildcards  = "%*"
	char           = charRange('\x01', '\x7f')
	ctl            = charRange('\x01', '\x19')
	quotedSpecials = `"\`
	respSpecials   = "]"
	atomChar       = charRemove(char, "(){ "+ctl+listWildcards+quotedSpecials+respSpecials)
	astringChar    = atomChar + respSpecials
)

func charRange(first, last rune) string {
	r := ""
	c := first
	r += string(c)
	for c < last {
		c++
		r += string(c)
	}
	return r
}

func charRemove(s string, remove string) string {
	r := ""
next:
	for _, c := range s {
		for _, x := range remove {
			if c == x {
				continue next
			}
		}
		r += string(c)
	}
	return r
}

type parser struct {
	upper    string // Like orig, but upper case, for easy case-insensitive parsing.
	orig     string
	o        int      // Current offset in parsing.
	contexts []string // What we're parsing, for error messages.
	conn     *conn
}

func newParser(s string, conn *conn) *parser {
	return &parser{toUpper(s), s, 0, nil, conn}
}

// toUpper upper cases only bytes a-z. strings.ToUpper would replace invalid
// utf-8 with replacement characters, breaking the requirement that offsets
// into orig and upper are the same.
func toUpper(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'a' && c <= 'z' {
			r[i] = c - 0x20
		}
	}
	return string(r)
}

func (p *parser) xerrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	remaining := fmt.Sprintf("remaining %q", p.orig[p.o:])
	if len(p.contexts) > 0 {
		remaining += ", context " + strings.Join(p.contexts, ",")
	}
	remaining = " (" + remaining + ")"
	if p.conn != nil && p.conn.account != nil {
		errmsg += remaining
	}
	panic(syntaxError{"", "", errmsg, errors.New(errmsg + remaining)})
}

func (p *parser) context(s string) func() {
	p.contexts = append(p.contexts, s)
	return func() {
		p.contexts = p.contexts[:len(p.contexts)-1]
	}
}

func (p *parser) empty() bool {
	return p.o == len(p.orig)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) xnonempty() {
	if p.empty() {
		p.xerrorf("unexpected end")
	}
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.upper[p.o:], s)
}

func (p *parser) take(s string) bool {
	if !p.hasPrefix(s) {
		return false
	}
	p.o += len(s)
	return true
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

// xtaken returns the next n bytes, consuming them.
func (p *parser) xtaken(n int) string {
	if p.o+n > len(p.orig) {
		p.xerrorf("not enough data")
	}
	r := p.orig[p.o : p.o+n]
	p.o += n
	return r
}

func (p *parser) peek(c byte) bool {
	return p.o < len(p.upper) && p.upper[p.o] == c
}

func (p *parser) space() bool {
	return p.take(" ")
}

func (p *parser) xspace() {
	if !p.space() {
		p.xerrorf("expected space")
	}
}

func (p *parser) digits() string {
	o := p.o
	for o < len(p.orig) && p.orig[o] >= '0' && p.orig[o] <= '9' {
		o++
	}
	r := p.orig[p.o:o]
	p.o = o
	return r
}

func (p *parser) nzdigits() string {
	o := p.o
	if o < len(p.orig) && p.orig[o] >= '1' && p.orig[o] <= '9' {
		o++
		for o < len(p.orig) && p.orig[o] >= '0' && p.orig[o] <= '9' {
			o++
		}
	}
	r := p.orig[p.o:o]
	p.o = o
	return r
}

func (p *parser) xdigits() string {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected digits")
	}
	return s
}

func (p *parser) xnumber() uint32 {
	s := p.xdigits()
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return uint32(v)
}

func (p *parser) xnznumber() uint32 {
	s := p.nzdigits()
	if s == "" {
		p.xerrorf("expected non-zero number")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return uint32(v)
}

func (p *parser) xnumber64() int64 {
	s := p.xdigits()
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return v
}

func (p *parser) xtakefn1(what string, fn func(c rune, i int) bool) string {
	p.xnonempty()
	for i, c := range p.orig[p.o:] {
		if !fn(c, i) {
			if i == 0 {
				p.xerrorf("expected %s", what)
			}
			return p.xtaken(i)
		}
	}
	return p.xtaken(len(p.orig) - p.o)
}

func (p *parser) xtag() string {
	return p.xtakefn1("tag", func(c rune, i int) bool {
		return c != '+' && strings.ContainsRune(astringChar, c)
	})
}

func (p *parser) xcommand() string {
	for i, c := range p.upper[p.o:] {
		if c >= 'A' && c <= 'Z' {
			continue
		}
		if c == ' ' && p.upper[p.o:p.o+i] == "UID" && p.uidCommandFollows() {
			continue
		}
		if i == 0 {
			p.xerrorf("expected command")
		}
		return p.xtaken(i)
	}
	return p.xtaken(len(p.orig) - p.o)
}

func (p *parser) uidCommandFollows() bool {
	for _, s := range []string{"UID EXPUNGE", "UID COPY", "UID MOVE", "UID FETCH", "UID SEARCH", "UID SORT", "UID STORE"} {
		if p.hasPrefix(s) {
			return true
		}
	}
	return false
}

// xastring parses an atom, quoted string or literal.
func (p *parser) xastring() string {
	if p.hasPrefix(`"`) {
		return p.xquoted()
	} else if p.hasPrefix("{") {
		return p.xliteral()
	}
	return p.xtakefn1("astring", func(c rune, i int) bool {
		return strings.ContainsRune(astringChar, c)
	})
}

// xstring parses a quoted string or literal.
func (p *parser) xstring() string {
	if p.hasPrefix("{") {
		return p.xliteral()
	}
	return p.xquoted()
}

func (p *parser) xquoted() string {
	p.xtake(`"`)
	r := ""
	for !p.take(`"`) {
		p.xnonempty()
		c := p.orig[p.o]
		if c == '\\' {
			p.o++
			p.xnonempty()
			c = p.orig[p.o]
			if c != '\\' && c != '"' {
				p.xerrorf("invalid escaped char %q in quoted string", c)
			}
		} else if c == '\r' || c == '\n' {
			p.xerrorf("cr/lf not allowed in quoted string")
		}
		r += string(c)
		p.o++
	}
	return r
}

// maxLiteralSize is the limit for literals in command parameters other than
// the message data of APPEND.
const maxLiteralSize = 64 * 1024

// xliteral parses a literal string, sending a continuation request when
// needed. The remainder of the command continues on the next line, which
// replaces the parser input.
func (p *parser) xliteral() string {
	size, sync := p.xliteralSize(maxLiteralSize, false)
	s := p.conn.xreadliteral(size, sync)
	line := p.conn.readline(false)
	p.orig, p.upper, p.o = line, toUpper(line), 0
	return s
}

// xliteralSize parses "{" number ["+"] "}" at the end of a line. With
// maxSize > 0, a larger literal results in a TOOBIG error.
func (p *parser) xliteralSize(maxSize int64, lit8 bool) (size int64, sync bool) {
	p.xtake("{")
	size = p.xnumber64()
	sync = true
	if p.take("+") {
		sync = false
	}
	p.xtake("}")
	p.xempty()
	if maxSize > 0 && size > maxSize {
		xusercodeErrorf("TOOBIG", "literal too large")
	}
	return size, sync
}

func (p *parser) xflag() string {
	return p.xtakefn1("flag", func(c rune, i int) bool {
		return c == '\\' && i == 0 || strings.ContainsRune(atomChar, c)
	})
}

func (p *parser) xflagList() (l []string) {
	p.xtake("(")
	if !p.hasPrefix(")") {
		l = append(l, p.xflag())
		for p.space() {
			l = append(l, p.xflag())
		}
	}
	p.xtake(")")
	return
}

func (p *parser) xatom() string {
	return p.xtakefn1("atom", func(c rune, i int) bool {
		return strings.ContainsRune(atomChar, c)
	})
}

// xmailbox parses a mailbox name. INBOX is case-insensitive, any other
// canonicalization of system folder names happens in the store layer.
func (p *parser) xmailbox() string {
	s := p.xastring()
	if strings.EqualFold(s, "Inbox") {
		return "Inbox"
	}
	return s
}

// xlistMailbox parses a mailbox name possibly containing the % and *
// wildcards, for LIST and LSUB.
func (p *parser) xlistMailbox() string {
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		return p.xmailbox()
	}
	s := p.xtakefn1("list-char", func(c rune, i int) bool {
		return strings.ContainsRune(atomChar+listWildcards+respSpecials, c)
	})
	if strings.EqualFold(s, "Inbox") {
		return "Inbox"
	}
	return s
}

func (p *parser) xstatusAtt() string {
	w := p.xtakefn1("status-att", func(c rune, i int) bool {
		return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
	})
	W := strings.ToUpper(w)
	switch W {
	case "MESSAGES", "UIDNEXT", "UIDVALIDITY", "UNSEEN", "RECENT", "APPENDLIMIT":
		return W
	}
	p.xerrorf("unknown status attribute %q", w)
	return ""
}

func (p *parser) xnumSet() (r numSet) {
	defer p.context("numSet")()
	if p.take("$") {
		return numSet{searchResult: true}
	}
	r.ranges = append(r.ranges, p.xnumRange())
	for p.take(",") {
		r.ranges = append(r.ranges, p.xnumRange())
	}
	return r
}

func (p *parser) xnumRange() (r numRange) {
	if p.take("*") {
		r.first.star = true
	} else {
		r.first.number = p.xnznumber()
	}
	if p.take(":") {
		r.last = &setNumber{}
		if p.take("*") {
			r.last.star = true
		} else {
			r.last.number = p.xnznumber()
		}
	} else if r.first.star {
		// Bare "*" means the last message, equivalent to *:*.
		r.last = &setNumber{star: true}
	}
	return
}

// xsection parses the section of a BODY[...] fetch attribute.
func (p *parser) xsection() *sectionSpec {
	p.xtake("[")
	s := &sectionSpec{}
	if !p.take("]") {
		if p.peek('H') || p.peek('T') {
			s.msgtext = p.xsectionMsgtext()
		} else {
			s.part = p.xsectionPart()
		}
		p.xtake("]")
	}
	return s
}

func (p *parser) xsectionMsgtext() *sectionMsgtext {
	s := &sectionMsgtext{}
	if p.take("HEADER.FIELDS") {
		s.s = "HEADER.FIELDS"
		if p.take(".NOT") {
			s.s = "HEADER.FIELDS.NOT"
		}
		p.xspace()
		p.xtake("(")
		s.headers = append(s.headers, p.xastring())
		for p.space() {
			s.headers = append(s.headers, p.xastring())
		}
		p.xtake(")")
	} else if p.take("HEADER") {
		s.s = "HEADER"
	} else if p.take("TEXT") {
		s.s = "TEXT"
	} else {
		p.xerrorf("expected section-msgtext")
	}
	return s
}

func (p *parser) xsectionPart() *sectionPart {
	s := &sectionPart{}
	s.part = append(s.part, p.xnznumber())
	for p.take(".") {
		if p.peek('M') || p.peek('H') || p.peek('T') {
			s.text = p.xsectionText()
			return s
		}
		s.part = append(s.part, p.xnznumber())
	}
	return s
}

func (p *parser) xsectionText() *sectionText {
	s := &sectionText{}
	if p.take("MIME") {
		s.mime = true
	} else {
		s.msgtext = p.xsectionMsgtext()
	}
	return s
}

func (p *parser) xpartial() *partial {
	p.xtake("<")
	offset := p.xnumber()
	p.xtake(".")
	count := p.xnznumber()
	p.xtake(">")
	return &partial{offset, count}
}

// peekWord returns the upcoming run of letters, digits and dots, upper cased,
// without consuming it.
func (p *parser) peekWord() (string, bool) {
	for i, c := range p.upper[p.o:] {
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' {
			continue
		}
		if i == 0 {
			return "", false
		}
		return p.upper[p.o : p.o+i], true
	}
	if p.o == len(p.upper) {
		return "", false
	}
	return p.upper[p.o:], true
}

// xfetchAtts parses fetch attributes, or one of the ALL/FAST/FULL macros.
func (p *parser) xfetchAtts() []fetchAtt {
	defer p.context("fetchAtts")()

	if w, ok := p.peekWord(); ok {
		switch w {
		case "ALL":
			p.o += len(w)
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}, {field: "ENVELOPE"}}
		case "FAST":
			p.o += len(w)
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}}
		case "FULL":
			p.o += len(w)
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}, {field: "ENVELOPE"}, {field: "BODY"}}
		}
	}

	if !p.hasPrefix("(") {
		return []fetchAtt{p.xfetchAtt()}
	}

	l := []fetchAtt{}
	p.xtake("(")
	for {
		l = append(l, p.xfetchAtt())
		if !p.space() {
			break
		}
	}
	p.xtake(")")
	return l
}

func (p *parser) xfetchAtt() (r fetchAtt) {
	defer p.context("fetchAtt")()
	w, _ := p.peekWord()
	switch w {
	case "ENVELOPE", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "RFC822.HEADER", "RFC822.TEXT", "RFC822", "BODYSTRUCTURE", "UID", "PREVIEW", "EMAILID", "THREADID", "MODSEQ":
		p.o += len(w)
		r.field = w
	case "BODY.PEEK", "BODY":
		p.o += len(w)
		r.field = "BODY"
		r.peek = w == "BODY.PEEK"
		if p.hasPrefix("[") {
			r.section = p.xsection()
			if p.hasPrefix("<") {
				r.partial = p.xpartial()
			}
		} else if r.peek {
			p.xerrorf("BODY.PEEK requires a section")
		}
	default:
		p.xerrorf("unknown fetch attribute %q", w)
	}
	return
}

func (p *parser) xdateDay() int {
	d := p.digits()
	if len(d) != 1 && len(d) != 2 {
		p.xerrorf("expected day")
	}
	day, err := strconv.Atoi(d)
	if err != nil {
		p.xerrorf("parsing day %q: %v", d, err)
	}
	return day
}

func (p *parser) xdateMonth() time.Month {
	m := p.xtaken(3)
	t, err := time.Parse("Jan", m)
	if err != nil {
		p.xerrorf("parsing month %q: %v", m, err)
	}
	return t.Month()
}

func (p *parser) xdateYear() int {
	y := p.xtaken(4)
	year, err := strconv.Atoi(y)
	if err != nil {
		p.xerrorf("parsing year %q: %v", y, err)
	}
	return year
}

// xdate parses a possibly quoted date, e.g. 1-Feb-2026.
func (p *parser) xdate() time.Time {
	quoted := p.take(`"`)
	day := p.xdateDay()
	p.xtake("-")
	mon := p.xdateMonth()
	p.xtake("-")
	year := p.xdateYear()
	if quoted {
		p.xtake(`"`)
	}
	return time.Date(year, mon, day, 0, 0, 0, 0, time.UTC)
}

func (p *parser) xtime() (int, int, int) {
	h := p.xtaken(2)
	p.xtake(":")
	m := p.xtaken(2)
	p.xtake(":")
	s := p.xtaken(2)
	hour, err := strconv.Atoi(h)
	if err != nil {
		p.xerrorf("parsing hour %q: %v", h, err)
	}
	min, err := strconv.Atoi(m)
	if err != nil {
		p.xerrorf("parsing minute %q: %v", m, err)
	}
	sec, err := strconv.Atoi(s)
	if err != nil {
		p.xerrorf("parsing second %q: %v", s, err)
	}
	return hour, min, sec
}

func (p *parser) xzone() *time.Location {
	sign := 1
	if p.take("-") {
		sign = -1
	} else {
		p.xtake("+")
	}
	s := p.xtaken(4)
	v, err := strconv.Atoi(s)
	if err != nil {
		p.xerrorf("parsing zone %q: %v", s, err)
	}
	seconds := sign * (v/100*3600 + v%100*60)
	c := byte('+')
	if sign < 0 {
		c = '-'
	}
	return time.FixedZone(fmt.Sprintf("%c%04d", c, v), seconds)
}

// xdateTime parses a date-time, e.g. "1-Feb-2026 12:00:00 +0100".
func (p *parser) xdateTime() time.Time {
	p.xtake(`"`)
	// A single-digit day is space padded.
	p.take(" ")
	day := p.xdateDay()
	p.xtake("-")
	mon := p.xdateMonth()
	p.xtake("-")
	year := p.xdateYear()
	p.xspace()
	hour, min, sec := p.xtime()
	p.xspace()
	loc := p.xzone()
	p.xtake(`"`)
	return time.Date(year, mon, day, hour, min, sec, 0, loc)
}

// xsearchKey parses a single search key. Unknown atoms become a key matching
// all messages, so clients using extension keys get usable results instead of
// errors.
func (p *parser) xsearchKey() *searchKey {
	if p.take("(") {
		sk := p.xsearchKey()
		l := []searchKey{*sk}
		for p.space() {
			l = append(l, *p.xsearchKey())
		}
		p.xtake(")")
		return &searchKey{searchKeys: l}
	}

	w, ok := p.peekWord()
	if !ok {
		if p.peek('$') || p.peek('*') {
			ss := p.xnumSet()
			return &searchKey{seqSet: &ss}
		}
		p.xerrorf("expected search key")
	}
	if w[0] >= '0' && w[0] <= '9' {
		ss := p.xnumSet()
		return &searchKey{seqSet: &ss}
	}
	p.o += len(w)

	sk := &searchKey{op: w}
	switch w {
	case "ALL", "ANSWERED", "DELETED", "FLAGGED", "SEEN", "UNANSWERED", "UNDELETED", "UNFLAGGED", "UNSEEN", "DRAFT", "UNDRAFT", "NEW", "OLD", "RECENT":
	case "BCC", "BODY", "CC", "FROM", "SUBJECT", "TEXT", "TO":
		p.xspace()
		sk.astring = p.xastring()
	case "KEYWORD", "UNKEYWORD":
		p.xspace()
		sk.atom = p.xatom()
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		p.xspace()
		sk.date = p.xdate()
	case "HEADER":
		p.xspace()
		sk.headerField = p.xastring()
		p.xspace()
		sk.astring = p.xastring()
	case "LARGER", "SMALLER":
		p.xspace()
		sk.number = p.xnumber64()
	case "NOT":
		p.xspace()
		sk.searchKey = p.xsearchKey()
	case "OR":
		p.xspace()
		sk.searchKey = p.xsearchKey()
		p.xspace()
		sk.searchKey2 = p.xsearchKey()
	case "UID":
		p.xspace()
		sk.uidSet = p.xnumSet()
	default:
		// Consume argument-like tokens so the rest of the program still
		// parses, then match everything.
		sk.op = "UNKNOWN"
		for p.hasPrefix(" ") {
			if !p.skipSearchArg() {
				break
			}
		}
	}
	return sk
}

// skipSearchArg consumes " " and one argument-like token after an unknown
// search key. Returns false when the upcoming token looks like another search
// key, leaving the space unconsumed.
func (p *parser) skipSearchArg() bool {
	o := p.o
	p.xtake(" ")
	if w, ok := p.peekWord(); ok {
		if searchKeyWords[w] {
			p.o = o
			return false
		}
		p.o += len(w)
		return true
	}
	if p.hasPrefix(`"`) {
		p.xquoted()
		return true
	}
	p.o = o
	return false
}

var searchKeyWords = map[string]bool{
	"ALL": true, "ANSWERED": true, "DELETED": true, "FLAGGED": true, "SEEN": true,
	"UNANSWERED": true, "UNDELETED": true, "UNFLAGGED": true, "UNSEEN": true,
	"DRAFT": true, "UNDRAFT": true, "NEW": true, "OLD": true, "RECENT": true,
	"BCC": true, "BODY": true, "CC": true, "FROM": true, "SUBJECT": true,
	"TEXT": true, "TO": true, "KEYWORD": true, "UNKEYWORD": true,
	"BEFORE": true, "ON": true, "SINCE": true, "SENTBEFORE": true,
	"SENTON": true, "SENTSINCE": true, "HEADER": true, "LARGER": true,
	"SMALLER": true, "NOT": true, "OR": true, "UID": true,
}

// xsortKeys parses a parenthesized sort program, e.g. (REVERSE DATE FROM).
func (p *parser) xsortKeys() []sortKey {
	defer p.context("sortKeys")()
	p.xtake("(")
	var l []sortKey
	for {
		var k sortKey
		if p.take("REVERSE") {
			k.reverse = true
			p.xspace()
		}
		w, ok := p.peekWord()
		if !ok {
			p.xerrorf("expected sort key")
		}
		switch w {
		case "ARRIVAL", "DATE", "FROM", "TO", "SUBJECT", "SIZE", "CC":
			k.field = w
			p.o += len(w)
		default:
			p.xerrorf("unknown sort key %q", w)
		}
		l = append(l, k)
		if !p.space() {
			break
		}
	}
	p.xtake(")")
	return l
}
