package imapserver

import (
	"testing"

	"github.com/crowmail/crow/store"
)

func TestNumSetContains(t *testing.T) {
	num := func(v uint32) *setNumber {
		return &setNumber{v, false}
	}
	star := &setNumber{star: true}

	check := func(v bool) {
		t.Helper()
		if !v {
			t.Fatalf("bad")
		}
	}

	ss0 := numSet{searchResult: true} // "$"
	check(ss0.containsSeq(1, []store.UID{2}, []store.UID{2}))
	check(!ss0.containsSeq(1, []store.UID{2}, []store.UID{}))
	check(ss0.containsUID(2, []store.UID{2}, []store.UID{2}))
	check(!ss0.containsUID(2, []store.UID{2}, []store.UID{}))
	check(!ss0.containsUID(2, []store.UID{}, []store.UID{2}))

	// Single number 1.
	ss1 := numSet{false, []numRange{{*num(1), nil}}}
	check(ss1.containsSeq(1, []store.UID{2}, nil))
	check(!ss1.containsSeq(2, []store.UID{1, 2}, nil))
	check(ss1.containsUID(1, []store.UID{1, 2}, nil))
	check(!ss1.containsUID(2, []store.UID{1, 2}, nil))
	check(!ss1.containsUID(1, []store.UID{2, 3}, nil))

	// 2:*
	ss2 := numSet{false, []numRange{{*num(2), star}}}
	// 2:* of a single message clamps to it.
	check(ss2.containsSeq(1, []store.UID{2}, nil))
	check(ss2.containsSeq(2, []store.UID{4, 5}, nil))
	check(ss2.containsSeq(3, []store.UID{4, 5, 6}, nil))
	check(!ss2.containsSeq(4, []store.UID{4, 5, 6}, nil))
	check(ss2.containsUID(2, []store.UID{1, 2}, nil))
	check(ss2.containsUID(5, []store.UID{4, 5, 6}, nil))
	// 2:* of uids {1} is 1:2, and matches the last uid.
	check(ss2.containsUID(1, []store.UID{1}, nil))
	check(!ss2.containsUID(1, []store.UID{2, 3}, nil))

	// *:2, same as 2:*.
	ss3 := numSet{false, []numRange{{*star, num(2)}}}
	check(ss3.containsSeq(2, []store.UID{4, 5}, nil))
	check(!ss3.containsSeq(4, []store.UID{4, 5, 6}, nil))
	check(ss3.containsUID(2, []store.UID{1, 2}, nil))
	check(ss3.containsUID(6, []store.UID{4, 5, 6}, nil))
}

func TestNumSetString(t *testing.T) {
	check := func(ss numSet, exp string) {
		t.Helper()
		if got := ss.String(); got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}

	check(numSet{searchResult: true}, "$")
	check(numSet{false, []numRange{{setNumber{1, false}, nil}}}, "1")
	check(numSet{false, []numRange{{setNumber{1, false}, &setNumber{3, false}}}}, "1:3")
	check(numSet{false, []numRange{{setNumber{1, false}, nil}, {setNumber{5, false}, &setNumber{star: true}}}}, "1,5:*")
}

func TestCompactUIDSet(t *testing.T) {
	check := func(l []store.UID, exp string) {
		t.Helper()
		if got := compactUIDSet(l).String(); got != exp {
			t.Fatalf("got %q, expected %q for %v", got, exp, l)
		}
	}

	check(nil, "")
	check([]store.UID{1}, "1")
	check([]store.UID{1, 2, 3}, "1:3")
	check([]store.UID{1, 3, 4, 5, 9}, "1,3:5,9")
	check([]store.UID{1, 2, 4, 5}, "1:2,4:5")
}
