package imapserver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crowmail/crow/store"
)

// Search, finding messages matching the given criteria.
//
// State: selected
func (c *conn) cmdxSearch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	if p.take("CHARSET ") {
		charset := strings.ToUpper(p.xastring())
		if charset != "US-ASCII" && charset != "UTF-8" {
			xusercodeErrorf("BADCHARSET (US-ASCII UTF-8)", "only US-ASCII and UTF-8 are supported")
		}
		p.xspace()
	}
	sk := &searchKey{searchKeys: []searchKey{*p.xsearchKey()}}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey())
	}

	msgs := c.xsnapshotMessages()
	var result []store.UID
	s := ""
	for i, m := range msgs {
		if !c.searchMatch(m, msgseq(i+1), *sk) {
			continue
		}
		result = append(result, m.UID())
		if isUID {
			s += fmt.Sprintf(" %d", m.UID())
		} else {
			s += fmt.Sprintf(" %d", i+1)
		}
	}
	// Remember the result, "$" in a sequence set refers to it.
	c.searchResult = result

	c.bwritelinef("* SEARCH%s", s)
	c.ok(tag, cmd)
}

// Sort, a search with the matches ordered by a sort program instead of
// sequence order.
//
// State: selected
func (c *conn) cmdxSort(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	keys := p.xsortKeys()
	p.xspace()
	p.xastring() // Charset, all stored text is unicode already.
	sk := &searchKey{}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey())
	}
	if len(sk.searchKeys) == 0 {
		xsyntaxErrorf("missing search criteria")
	}

	msgs := c.xsnapshotMessages()

	// Filter first, then stable sort by the key tuple.
	type match struct {
		m   store.Message
		seq msgseq
	}
	var matches []match
	for i, m := range msgs {
		if c.searchMatch(m, msgseq(i+1), *sk) {
			matches = append(matches, match{m, msgseq(i + 1)})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return sortCompare(matches[i].m, matches[j].m, keys) < 0
	})

	s := ""
	var result []store.UID
	for _, mt := range matches {
		result = append(result, mt.m.UID())
		if isUID {
			s += fmt.Sprintf(" %d", mt.m.UID())
		} else {
			s += fmt.Sprintf(" %d", mt.seq)
		}
	}
	c.searchResult = result

	c.bwritelinef("* SORT%s", s)
	c.ok(tag, cmd)
}

// xsnapshotMessages loads the messages of the session snapshot, in sequence
// order. Messages expunged by another session since the snapshot are loaded
// as empty placeholders that match nothing.
func (c *conn) xsnapshotMessages() []store.Message {
	msgs := make([]store.Message, len(c.uids))
	for i, uid := range c.uids {
		m, err := c.account.MessageGet(c.xctx(), int64(uid))
		if err != nil {
			m = store.Message{ID: int64(uid)}
		}
		msgs[i] = m
	}
	return msgs
}

func dateBefore(t, u time.Time) bool {
	ty, tm, td := t.Date()
	uy, um, ud := u.Date()
	if ty != uy {
		return ty < uy
	}
	if tm != um {
		return tm < um
	}
	return td < ud
}

func dateEqual(t, u time.Time) bool {
	ty, tm, td := t.Date()
	uy, um, ud := u.Date()
	return ty == uy && tm == um && td == ud
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func anyContainsFold(l []string, sub string) bool {
	for _, s := range l {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

// searchMatch evaluates one search key against a message.
func (c *conn) searchMatch(m store.Message, seq msgseq, sk searchKey) bool {
	if sk.searchKeys != nil {
		for _, k := range sk.searchKeys {
			if !c.searchMatch(m, seq, k) {
				return false
			}
		}
		return true
	}
	if sk.seqSet != nil {
		return sk.seqSet.containsSeq(seq, c.uids, c.searchResult)
	}

	switch sk.op {
	case "ALL":
		return true
	case "ANSWERED":
		return m.Answered
	case "UNANSWERED":
		return !m.Answered
	case "DELETED":
		return m.Deleted
	case "UNDELETED":
		return !m.Deleted
	case "FLAGGED":
		return m.Flagged
	case "UNFLAGGED":
		return !m.Flagged
	case "SEEN":
		return m.Seen
	case "UNSEEN":
		return !m.Seen
	case "DRAFT":
		return m.Status == store.StatusDraft
	case "UNDRAFT":
		return m.Status != store.StatusDraft
	case "NEW", "RECENT":
		// Recent means not yet seen here.
		return !m.Seen
	case "OLD":
		return m.Seen
	case "KEYWORD":
		return matchKeyword(m, sk.atom)
	case "UNKEYWORD":
		return !matchKeyword(m, sk.atom)
	case "FROM":
		return containsFold(m.From, sk.astring)
	case "TO":
		return anyContainsFold(m.To, sk.astring)
	case "CC":
		return anyContainsFold(m.Cc, sk.astring)
	case "BCC":
		return anyContainsFold(m.Bcc, sk.astring)
	case "SUBJECT":
		return containsFold(m.Subject, sk.astring)
	case "BODY":
		return containsFold(m.BodyText, sk.astring) || containsFold(m.BodyHTML, sk.astring)
	case "TEXT":
		return containsFold(m.Subject, sk.astring) || containsFold(m.From, sk.astring) ||
			anyContainsFold(m.To, sk.astring) || anyContainsFold(m.Cc, sk.astring) ||
			anyContainsFold(m.Bcc, sk.astring) ||
			containsFold(m.BodyText, sk.astring) || containsFold(m.BodyHTML, sk.astring)
	case "HEADER":
		return matchHeader(m, sk.headerField, sk.astring)
	case "BEFORE":
		return dateBefore(m.Received, sk.date)
	case "ON":
		return dateEqual(m.Received, sk.date)
	case "SINCE":
		return !dateBefore(m.Received, sk.date)
	case "SENTBEFORE":
		return dateBefore(sentDate(m), sk.date)
	case "SENTON":
		return dateEqual(sentDate(m), sk.date)
	case "SENTSINCE":
		return !dateBefore(sentDate(m), sk.date)
	case "LARGER":
		return m.Size > sk.number
	case "SMALLER":
		return m.Size < sk.number
	case "NOT":
		return !c.searchMatch(m, seq, *sk.searchKey)
	case "OR":
		return c.searchMatch(m, seq, *sk.searchKey) || c.searchMatch(m, seq, *sk.searchKey2)
	case "UID":
		return sk.uidSet.containsUID(m.UID(), c.uids, c.searchResult)
	case "UNKNOWN":
		// Unknown criteria match rather than fail, clients using extension
		// keys still get usable results.
		return true
	}
	xserverErrorf("missing search key case %q", sk.op)
	return false
}

func sentDate(m store.Message) time.Time {
	if !m.SentDate.IsZero() {
		return m.SentDate
	}
	return m.Received
}

func matchKeyword(m store.Message, atom string) bool {
	switch strings.ToLower(atom) {
	case "junk", "$junk":
		return m.Junk
	case "nonjunk", "notjunk", "$notjunk":
		return !m.Junk
	}
	return false
}

func matchHeader(m store.Message, field, value string) bool {
	var l []string
	switch strings.ToLower(field) {
	case "from":
		l = []string{m.From}
	case "to":
		l = m.To
	case "cc":
		l = m.Cc
	case "bcc":
		l = m.Bcc
	case "subject":
		l = []string{m.Subject}
	case "message-id":
		l = []string{m.MessageID}
	case "in-reply-to":
		l = []string{m.InReplyTo}
	default:
		return false
	}
	if value == "" {
		for _, s := range l {
			if s != "" {
				return true
			}
		}
		return false
	}
	return anyContainsFold(l, value)
}

// sortCompare compares two messages by the key tuple, returning <0, 0 or >0.
func sortCompare(a, b store.Message, keys []sortKey) int {
	for _, k := range keys {
		var r int
		switch k.field {
		case "ARRIVAL":
			r = compareTime(a.Received, b.Received)
		case "DATE":
			r = compareTime(sentDate(a), sentDate(b))
		case "FROM":
			r = strings.Compare(sortAddress(a.From), sortAddress(b.From))
		case "TO":
			r = strings.Compare(sortAddress(firstString(a.To)), sortAddress(firstString(b.To)))
		case "CC":
			r = strings.Compare(sortAddress(firstString(a.Cc)), sortAddress(firstString(b.Cc)))
		case "SUBJECT":
			r = strings.Compare(sortSubject(a.Subject), sortSubject(b.Subject))
		case "SIZE":
			r = compareInt64(a.Size, b.Size)
		}
		if k.reverse {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	// Equal on all keys, the stable sort keeps sequence order.
	return 0
}

func compareTime(a, b time.Time) int {
	if a.Before(b) {
		return -1
	} else if a.After(b) {
		return 1
	}
	return 0
}

func compareInt64(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func firstString(l []string) string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

func sortAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// sortSubject normalizes a subject for sorting: lower cased, with leading
// reply/forward prefixes removed.
func sortSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for {
		var trimmed bool
		for _, prefix := range []string{"re:", "fw:", "fwd:"} {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}
