package message

import (
	"strings"

	"github.com/crowmail/crow/store"
)

const previewLength = 200

// Preview returns a short single-line excerpt of the message body, for the
// PREVIEW fetch item. The text body is preferred; an html-only message gets
// its tags stripped crudely, which is good enough for an excerpt.
func Preview(m store.Message) string {
	s := m.BodyText
	if s == "" {
		s = stripTags(m.BodyHTML)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > previewLength {
		// Cut on a rune boundary.
		n := previewLength
		for n > 0 && s[n]&0xc0 == 0x80 {
			n--
		}
		s = s[:n] + "…"
	}
	return s
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, c := range s {
		switch {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(c)
		}
	}
	return b.String()
}
