package imapserver

import (
	"testing"
)

func TestStoreFlags(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	tc.transactf("ok", `store 1 +flags (\seen \flagged)`)
	tc.xuntagged(`* 1 FETCH (FLAGS (\Seen \Flagged NonJunk))`)

	tc.transactf("ok", `store 1 -flags (\flagged)`)
	tc.xuntagged(`* 1 FETCH (FLAGS (\Seen NonJunk))`)

	// Replace clears flags not named.
	tc.transactf("ok", `store 1 flags (\answered)`)
	tc.xuntagged(`* 1 FETCH (FLAGS (\Answered NonJunk))`)

	// Silent suppresses the echo but the change persists.
	tc.transactf("ok", `store 1 +flags.silent (\seen)`)
	tc.xnountagged()
	tc.transactf("ok", "fetch 1 flags")
	tc.xuntagged(`* 1 FETCH (FLAGS (\Seen \Answered NonJunk))`)

	// UID variant includes the UID in the echo.
	tc.transactf("ok", `uid store 1 -flags (\answered)`)
	tc.xuntagged(`* 1 FETCH (UID 1 FLAGS (\Seen NonJunk))`)

	// \Recent and unknown flags cannot be stored.
	tc.transactf("no", `store 1 +flags (\recent)`)
	tc.transactf("no", `store 1 +flags (madeupflag)`)

	// Empty flag list changes nothing.
	tc.transactf("ok", `store 1 +flags ()`)
	tc.xuntagged(`* 1 FETCH (FLAGS (\Seen NonJunk))`)
}

func TestStoreJunkMovesView(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// Adding the Junk keyword moves the message from the Inbox view to the
	// Spam view. The session view shrinks with an EXPUNGE announcement.
	tc.transactf("ok", "uid store 1 +flags (junk)")
	tc.xuntagged("* 1 EXPUNGE")

	tc.transactf("ok", "status spam (messages)")
	tc.xuntagged("* STATUS Spam (MESSAGES 1)")

	// The UID is stable across the move.
	tc.transactf("ok", "select spam")
	tc.transactf("ok", "uid fetch 1 (flags)")
	tc.xuntagged("* 1 FETCH (UID 1 FLAGS (Junk))")

	// NonJunk brings it back to the inbox.
	tc.transactf("ok", "uid store 1 +flags (nonjunk)")
	tc.xuntagged("* 1 EXPUNGE")
	tc.transactf("ok", "status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 2)")
}

func TestStoreJunkOtherSessionRecent(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	tc2 := startNoSwitchboard(t)
	defer tc2.close()
	tc2.login()
	tc2.transactf("ok", "select spam")

	// Junking the message here moves it into the other session's Spam view,
	// announced there as EXISTS with an updated RECENT, like an append.
	tc.transactf("ok", "uid store 1 +flags (junk)")
	tc.xuntagged("* 1 EXPUNGE")

	tc2.transactf("ok", "noop")
	tc2.xuntagged("* 1 EXISTS", "* 1 RECENT")
}

func TestStoreDeletedVisibility(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// \Deleted messages stay visible in the session until expunged, shown
	// with the \Deleted flag.
	tc.transactf("ok", `store 1 +flags (\deleted)`)
	tc.xuntagged(`* 1 FETCH (FLAGS (\Deleted NonJunk))`)
	tc.transactf("ok", "fetch 1:* (uid)")
	tc.xuntagged("* 1 FETCH (UID 1)", "* 2 FETCH (UID 2)")

	// Another session selecting the folder doesn't see it.
	tc2 := startNoSwitchboard(t)
	defer tc2.close()
	tc2.login()
	tc2.transactf("ok", "select inbox")
	tc2.xuntagged("* 1 EXISTS")
	tc2.close()

	// Clearing \Deleted keeps the message, no expunge happened.
	tc.transactf("ok", `store 1 -flags (\deleted)`)
	tc.xuntagged(`* 1 FETCH (FLAGS (NonJunk))`)
	tc.transactf("ok", "expunge")
	tc.xnountagged()
}

func TestStoreDraftStatus(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// +\Draft moves the message to the Drafts view.
	tc.transactf("ok", `store 1 +flags (\draft)`)
	tc.xuntagged("* 1 EXPUNGE")
	tc.transactf("ok", "status drafts (messages)")
	tc.xuntagged("* STATUS Drafts (MESSAGES 1)")

	tc.transactf("ok", "select drafts")
	tc.transactf("ok", "uid fetch 1 (flags)")
	tc.xuntagged(`* 1 FETCH (UID 1 FLAGS (\Draft NonJunk))`)

	// -\Draft turns it back into a received message.
	tc.transactf("ok", `uid store 1 -flags (\draft)`)
	tc.xuntagged("* 1 EXPUNGE")
	tc.transactf("ok", "status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 1)")
}

func TestStoreLenientSequences(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// Sequence numbers beyond the end are clamped, not errors.
	tc.transactf("ok", `store 1:100 +flags.silent (\seen)`)
	tc.transactf("ok", "fetch 1:* (flags)")
	tc.xuntagged(
		`* 1 FETCH (FLAGS (\Seen NonJunk))`,
		`* 2 FETCH (FLAGS (\Seen NonJunk))`,
	)

	// UIDs that don't exist are dropped silently.
	tc.transactf("ok", `uid store 500 +flags.silent (\flagged)`)
	tc.transactf("ok", `uid store 2:600 -flags.silent (\seen)`)
	tc.transactf("ok", "uid fetch 2 (flags)")
	tc.xuntagged(`* 2 FETCH (UID 2 FLAGS (NonJunk))`)
}
