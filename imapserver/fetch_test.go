package imapserver

import (
	"strings"
	"testing"
)

func TestFetch(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.transactf("ok", `append inbox () " 7-Feb-1994 21:52:25 -0800" {%d+}`+"\r\n%s", len(exampleMsg), exampleMsg)
	tc.transactf("ok", "select inbox")

	tc.transactf("ok", "fetch 1 (uid flags)")
	tc.xuntagged("* 1 FETCH (UID 1 FLAGS (NonJunk))")

	tc.transactf("ok", "fetch 1 internaldate")
	tc.xuntagged(`* 1 FETCH (INTERNALDATE "07-Feb-1994 21:52:25 -0800")`)

	tc.transactf("ok", "fetch 1 rfc822.size")
	l := tc.xuntaggedContains("RFC822.SIZE ")
	if !strings.HasPrefix(l, "* 1 FETCH (RFC822.SIZE ") || strings.HasPrefix(l, "* 1 FETCH (RFC822.SIZE 0") {
		t.Fatalf("got %q", l)
	}

	// A stored size of zero would make every message smaller than everything.
	tc.transactf("ok", "search larger 1")
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search smaller 1")
	tc.xuntagged("* SEARCH")

	tc.transactf("ok", "fetch 1 envelope")
	l = tc.xuntaggedContains("ENVELOPE ")
	if !strings.Contains(l, `"afternoon meeting"`) {
		t.Fatalf("envelope without subject: %q", l)
	}
	if !strings.Contains(l, `("Fred Foobar" NIL "foobar" "blurdybloop.example")`) {
		t.Fatalf("envelope without from address: %q", l)
	}

	// Text-only message renders as a single text/plain part.
	tc.transactf("ok", "fetch 1 bodystructure")
	l = tc.xuntaggedContains("BODYSTRUCTURE ")
	if !strings.Contains(l, `("TEXT" "PLAIN" ("CHARSET" "UTF-8") NIL NIL "8BIT" `) {
		t.Fatalf("got bodystructure %q", l)
	}

	// Macros.
	tc.transactf("ok", "fetch 1 fast")
	tc.xuntaggedContains("INTERNALDATE")
	tc.transactf("ok", "fetch 1 all")
	tc.xuntaggedContains("ENVELOPE")
	tc.transactf("ok", "fetch 1 full")
	tc.xuntaggedContains("BODY (")

	tc.transactf("bad", "fetch")
	tc.transactf("bad", "fetch 1")
	tc.transactf("bad", "fetch 1 (bogusatt)")
}

func TestFetchBodyPeek(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// Peek does not set \Seen.
	tc.transactf("ok", "fetch 1 body.peek[header.fields (subject)]")
	l := tc.xuntaggedContains("BODY[HEADER.FIELDS (SUBJECT)]")
	if !strings.Contains(l, "Subject: afternoon meeting") {
		t.Fatalf("got %q", l)
	}
	tc.transactf("ok", "fetch 1 flags")
	tc.xuntagged("* 1 FETCH (FLAGS (NonJunk))")

	// A non-peek body fetch sets \Seen and reports the flag change.
	tc.transactf("ok", "fetch 1 body[header.fields (from)]")
	tc.xuntaggedContains(`FLAGS (\Seen NonJunk)`)
	tc.transactf("ok", "fetch 1 flags")
	tc.xuntagged(`* 1 FETCH (FLAGS (\Seen NonJunk))`)
}

func TestFetchBodySections(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	tc.transactf("ok", "fetch 1 body.peek[]")
	l := tc.xuntaggedContains("BODY[] ")
	if !strings.Contains(l, "Hello Joe") || !strings.Contains(l, "Subject: afternoon meeting") {
		t.Fatalf("got %q", l)
	}

	tc.transactf("ok", "fetch 1 body.peek[header]")
	l = tc.xuntaggedContains("BODY[HEADER] ")
	if !strings.Contains(l, "Subject: afternoon meeting") || strings.Contains(l, "Hello Joe") {
		t.Fatalf("got %q", l)
	}

	tc.transactf("ok", "fetch 1 body.peek[text]")
	l = tc.xuntaggedContains("BODY[TEXT] ")
	if !strings.Contains(l, "Hello Joe") || strings.Contains(l, "Subject:") {
		t.Fatalf("got %q", l)
	}

	// BODY[1] of a non-multipart message is the body.
	tc.transactf("ok", "fetch 1 body.peek[1]")
	l = tc.xuntaggedContains("BODY[1] ")
	if !strings.Contains(l, "Hello Joe") {
		t.Fatalf("got %q", l)
	}

	// Out-of-range parts return empty literals, not errors.
	tc.transactf("ok", "fetch 1 body.peek[2]")
	tc.xuntaggedContains(`BODY[2] {0}`)

	// Partial fetch clamps to the data.
	tc.transactf("ok", "fetch 1 body.peek[text]<0.5>")
	l = tc.xuntaggedContains("BODY[TEXT]<0> ")
	if !strings.Contains(l, "Hello") {
		t.Fatalf("got %q", l)
	}
}

func TestFetchUID(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// UID FETCH includes the UID even when not requested.
	tc.transactf("ok", "uid fetch 2 (flags)")
	tc.xuntagged("* 2 FETCH (UID 2 FLAGS (NonJunk))")

	// Missing uids are skipped.
	tc.transactf("ok", "uid fetch 10:20 (flags)")
	tc.xnountagged()

	// "*" resolves to the last message.
	tc.transactf("ok", "uid fetch *:* (uid)")
	tc.xuntagged("* 2 FETCH (UID 2)")
}
