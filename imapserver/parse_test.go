package imapserver

import (
	"testing"
	"time"
)

// xparse runs fn on a fresh parser for s, returning whether parsing
// panicked with a syntax or user error.
func xparse(s string, fn func(p *parser)) (ok bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		switch x.(type) {
		case syntaxError, userError:
			ok = false
		default:
			panic(x)
		}
	}()
	p := newParser(s, nil)
	fn(p)
	return true
}

func TestParseNumSet(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		var ns numSet
		if !xparse(s, func(p *parser) {
			ns = p.xnumSet()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		if got := ns.String(); got != exp {
			t.Fatalf("parsing %q: got %q, expected %q", s, got, exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		if xparse(s, func(p *parser) {
			p.xnumSet()
			p.xempty()
		}) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}

	good("1", "1")
	good("1:3", "1:3")
	good("1,3:5,7", "1,3:5,7")
	good("2:*", "2:*")
	good("*:2", "*:2")
	good("*", "*:*")
	good("$", "$")
	good("3:1", "3:1")

	bad("")
	bad("0")
	bad("1:")
	bad(":3")
	bad("1,,2")
	bad("1 2")
}

func TestParseString(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		var r string
		if !xparse(s, func(p *parser) {
			r = p.xastring()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		if r != exp {
			t.Fatalf("parsing %q: got %q, expected %q", s, r, exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		if xparse(s, func(p *parser) {
			p.xastring()
			p.xempty()
		}) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}

	good("word", "word")
	good("Mixed.Case-1", "Mixed.Case-1")
	good(`"hello world"`, "hello world")
	good(`"a\"b"`, `a"b`)
	good(`"a\\b"`, `a\b`)
	good(`""`, "")

	bad(`"unterminated`)
	bad(`"bad\escape"`)
	bad("")
	bad("(")
}

func TestParseFlagList(t *testing.T) {
	good := func(s string, exp ...string) {
		t.Helper()
		var l []string
		if !xparse(s, func(p *parser) {
			l = p.xflagList()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		if len(l) != len(exp) {
			t.Fatalf("parsing %q: got %v, expected %v", s, l, exp)
		}
		for i := range l {
			if l[i] != exp[i] {
				t.Fatalf("parsing %q: got %v, expected %v", s, l, exp)
			}
		}
	}

	good("()")
	good(`(\Seen)`, `\Seen`)
	good(`(\Seen \Deleted junk)`, `\Seen`, `\Deleted`, "junk")

	if xparse(`(\Seen`, func(p *parser) { p.xflagList(); p.xempty() }) {
		t.Fatalf("unterminated flag list did not fail")
	}
	if xparse(`(\Seen,\Deleted)`, func(p *parser) { p.xflagList(); p.xempty() }) {
		t.Fatalf("comma-separated flag list did not fail")
	}
}

func TestParseDateTime(t *testing.T) {
	var tm time.Time
	if !xparse(`" 7-Feb-1994 21:52:25 -0800"`, func(p *parser) {
		tm = p.xdateTime()
		p.xempty()
	}) {
		t.Fatalf("parsing date-time failed")
	}
	exp := time.Date(1994, time.February, 7, 21, 52, 25, 0, time.FixedZone("-0800", -8*3600))
	if !tm.Equal(exp) {
		t.Fatalf("got %v, expected %v", tm, exp)
	}

	if !xparse(`"17-Jul-2022 01:02:03 +0000"`, func(p *parser) {
		tm = p.xdateTime()
		p.xempty()
	}) {
		t.Fatalf("parsing date-time failed")
	}
	if tm.Day() != 17 || tm.Month() != time.July {
		t.Fatalf("got %v", tm)
	}

	for _, s := range []string{
		`"7-Feb-1994 21:52:25"`,
		`"7-XXX-1994 21:52:25 -0800"`,
		`7-Feb-1994 21:52:25 -0800`,
	} {
		if xparse(s, func(p *parser) { p.xdateTime(); p.xempty() }) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}
}

func TestParseFetchAtts(t *testing.T) {
	parse := func(s string) []fetchAtt {
		t.Helper()
		var atts []fetchAtt
		if !xparse(s, func(p *parser) {
			atts = p.xfetchAtts()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		return atts
	}

	if atts := parse("FAST"); len(atts) != 3 || atts[0].field != "FLAGS" {
		t.Fatalf("got %v", atts)
	}
	if atts := parse("ALL"); len(atts) != 4 {
		t.Fatalf("got %v", atts)
	}
	if atts := parse("FULL"); len(atts) != 5 || atts[4].field != "BODY" {
		t.Fatalf("got %v", atts)
	}

	if atts := parse("ENVELOPE"); len(atts) != 1 || atts[0].field != "ENVELOPE" {
		t.Fatalf("got %v", atts)
	}
	if atts := parse("(UID FLAGS RFC822.SIZE)"); len(atts) != 3 || atts[2].field != "RFC822.SIZE" {
		t.Fatalf("got %v", atts)
	}

	atts := parse("BODY.PEEK[HEADER.FIELDS (SUBJECT DATE)]<10.200>")
	a := atts[0]
	if a.field != "BODY" || !a.peek || a.section == nil || a.section.msgtext == nil {
		t.Fatalf("got %#v", a)
	}
	if a.section.msgtext.s != "HEADER.FIELDS" || len(a.section.msgtext.headers) != 2 {
		t.Fatalf("got %#v", a.section.msgtext)
	}
	if a.partial == nil || a.partial.offset != 10 || a.partial.count != 200 {
		t.Fatalf("got %#v", a.partial)
	}

	atts = parse("BODY[1.2.MIME]")
	a = atts[0]
	if a.section == nil || a.section.part == nil || len(a.section.part.part) != 2 || a.section.part.text == nil || !a.section.part.text.mime {
		t.Fatalf("got %#v", a.section)
	}

	if atts := parse("BODY[]"); atts[0].section == nil || atts[0].section.msgtext != nil || atts[0].section.part != nil {
		t.Fatalf("got %#v", atts[0])
	}

	for _, s := range []string{"", "BOGUS", "(UID", "BODY[", "BODY[]<1>"} {
		if xparse(s, func(p *parser) { p.xfetchAtts(); p.xempty() }) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}
}

func TestParseSearchKey(t *testing.T) {
	parse := func(s string) *searchKey {
		t.Helper()
		var sk *searchKey
		if !xparse(s, func(p *parser) {
			sk = p.xsearchKey()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		return sk
	}

	if sk := parse("unseen"); sk.op != "UNSEEN" {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse(`from "fred"`); sk.op != "FROM" || sk.astring != "fred" {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("or seen answered"); sk.op != "OR" || sk.searchKey.op != "SEEN" || sk.searchKey2.op != "ANSWERED" {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("not larger 100"); sk.op != "NOT" || sk.searchKey.number != 100 {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("header subject meeting"); sk.headerField != "subject" || sk.astring != "meeting" {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("since 1-Feb-2022"); sk.date.IsZero() {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("(seen flagged)"); len(sk.searchKeys) != 2 {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("1,3:5"); sk.seqSet == nil {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("uid 1:*"); sk.op != "UID" || len(sk.uidSet.ranges) != 1 {
		t.Fatalf("got %#v", sk)
	}
	if sk := parse("$"); sk.seqSet == nil || !sk.seqSet.searchResult {
		t.Fatalf("got %#v", sk)
	}

	// Unknown keys parse, with their arguments consumed, and match everything.
	if sk := parse("modseq 12345"); sk.op != "UNKNOWN" {
		t.Fatalf("got %#v", sk)
	}

	for _, s := range []string{"", "or seen", "since", "larger x"} {
		if xparse(s, func(p *parser) { p.xsearchKey(); p.xempty() }) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}
}

func TestParseSortKeys(t *testing.T) {
	parse := func(s string) []sortKey {
		t.Helper()
		var l []sortKey
		if !xparse(s, func(p *parser) {
			l = p.xsortKeys()
			p.xempty()
		}) {
			t.Fatalf("parsing %q failed", s)
		}
		return l
	}

	if l := parse("(ARRIVAL)"); len(l) != 1 || l[0].field != "ARRIVAL" || l[0].reverse {
		t.Fatalf("got %#v", l)
	}
	if l := parse("(REVERSE DATE FROM)"); len(l) != 2 || !l[0].reverse || l[0].field != "DATE" || l[1].field != "FROM" {
		t.Fatalf("got %#v", l)
	}

	for _, s := range []string{"()", "(BOGUS)", "ARRIVAL", "(REVERSE)"} {
		if xparse(s, func(p *parser) { p.xsortKeys(); p.xempty() }) {
			t.Fatalf("parsing %q did not fail", s)
		}
	}
}
