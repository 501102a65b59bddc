package imapserver

import (
	"strings"
	"testing"
)

func TestIdle(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.transactf("ok", "select inbox")

	tc2 := startNoSwitchboard(t)
	defer tc2.close()
	tc2.login()

	tc.cmdf("idle")
	line := tc.readline()
	if !strings.HasPrefix(line, "+ ") {
		t.Fatalf("got %q, expected continuation", line)
	}

	// Another session delivers a message, the idling connection hears of it.
	tc2.append("inbox", exampleMsg)
	if line = tc.readline(); line != "* 1 EXISTS" {
		t.Fatalf("got %q, expected exists", line)
	}
	if line = tc.readline(); line != "* 1 RECENT" {
		t.Fatalf("got %q, expected recent", line)
	}

	// Flag changes come through as fetch responses.
	tc2.transactf("ok", "select inbox")
	tc2.transactf("ok", `store 1 +flags (\seen)`)
	if line = tc.readline(); line != `* 1 FETCH (UID 1 FLAGS (\Seen NonJunk))` {
		t.Fatalf("got %q, expected flags fetch", line)
	}

	tc.writelinef("done")
	tc.response("ok")
}

func TestIdleDoneOnly(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// Idle works in authenticated state too, without a selected view.
	tc.cmdf("idle")
	line := tc.readline()
	if !strings.HasPrefix(line, "+ ") {
		t.Fatalf("got %q, expected continuation", line)
	}
	tc.writelinef("done")
	tc.response("ok")

	// Anything else than DONE ends the idle with an error.
	tc.cmdf("idle")
	line = tc.readline()
	if !strings.HasPrefix(line, "+ ") {
		t.Fatalf("got %q, expected continuation", line)
	}
	tc.writelinef("bogus")
	tc.response("bad")

	// Arguments are not valid.
	tc.transactf("bad", "idle now")
}
