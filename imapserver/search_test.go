package imapserver

import (
	"testing"
)

var searchMsg = tocrlf(`Date: Tue, 1 Mar 2022 10:01:00 +0100
From: Alice Adams <alice@example.org>
Subject: Re: planning
To: bob@example.org
Cc: carol@example.org
Message-Id: <plan-2@example.org>
MIME-Version: 1.0
Content-Type: text/plain; charset=utf-8

About the planning: let's meet on thursday.
`)

func TestSearch(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", searchMsg)
	tc.transactf("ok", "select inbox")
	tc.transactf("ok", `store 1 +flags.silent (\seen \answered)`)

	tc.transactf("ok", "search all")
	tc.xuntagged("* SEARCH 1 2")

	tc.transactf("ok", "search seen")
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search unseen")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search answered")
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search new")
	tc.xuntagged("* SEARCH 2")

	tc.transactf("ok", "search from alice")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", `search subject "afternoon meeting"`)
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search text planning")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search body thursday")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search cc carol")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search header message-id plan-2")
	tc.xuntagged("* SEARCH 2")

	tc.transactf("ok", "search not from alice")
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search or from alice from fred")
	tc.xuntagged("* SEARCH 1 2")
	tc.transactf("ok", "search seen unseen")
	tc.xuntagged("* SEARCH")

	// Sequence and uid sets as criteria.
	tc.transactf("ok", "search 2")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search uid 1")
	tc.xuntagged("* SEARCH 1")

	// Sent dates come from the Date header: the 1994 message sorts before
	// the cutoff, the 2022 message after.
	tc.transactf("ok", "search sentsince 1-Jan-2000")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", "search sentbefore 1-Jan-2000")
	tc.xuntagged("* SEARCH 1")
	tc.transactf("ok", "search senton 1-Mar-2022")
	tc.xuntagged("* SEARCH 2")

	// UID SEARCH returns uids.
	tc.transactf("ok", "uid search from alice")
	tc.xuntagged("* SEARCH 2")

	// Unknown criteria match everything rather than failing.
	tc.transactf("ok", "search x-madeup-key")
	tc.xuntagged("* SEARCH 1 2")

	// Charset negotiation.
	tc.transactf("ok", "search charset utf-8 all")
	tc.xuntagged("* SEARCH 1 2")
	tc.transactf("no", "search charset koi8-r all")
	tc.xcode("BADCHARSET (US-ASCII UTF-8)")
}

func TestSearchResultReference(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", exampleMsg)
	tc.append("inbox", searchMsg)
	tc.append("inbox", exampleMsg)
	tc.transactf("ok", "select inbox")

	// "$" refers to the previous search result.
	tc.transactf("ok", "search from alice")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("ok", `store $ +flags.silent (\flagged)`)
	tc.transactf("ok", "search flagged")
	tc.xuntagged("* SEARCH 2")
}

func TestSort(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.append("inbox", searchMsg)  // Subject "Re: planning", from alice.
	tc.append("inbox", exampleMsg) // Subject "afternoon meeting", from fred.
	tc.transactf("ok", "select inbox")

	// Subject sort ignores the re: prefix: "afternoon meeting" < "planning".
	tc.transactf("ok", "sort (subject) us-ascii all")
	tc.xuntagged("* SORT 2 1")
	tc.transactf("ok", "sort (reverse subject) us-ascii all")
	tc.xuntagged("* SORT 1 2")

	tc.transactf("ok", "sort (from) us-ascii all")
	tc.xuntagged("* SORT 1 2")

	// Arrival order is append order here.
	tc.transactf("ok", "sort (arrival) us-ascii all")
	tc.xuntagged("* SORT 1 2")

	// Sort keys with a filter.
	tc.transactf("ok", "sort (subject) us-ascii from alice")
	tc.xuntagged("* SORT 1")

	// UID variant returns uids.
	tc.transactf("ok", "uid sort (subject) us-ascii all")
	tc.xuntagged("* SORT 2 1")

	tc.transactf("bad", "sort (bogus) us-ascii all")
	tc.transactf("bad", "sort (subject) us-ascii")
}
