package imapserver

import (
	"sort"
	"strings"

	"github.com/crowmail/crow/store"
)

// special-use attributes for the system folders, announced with the
// SPECIAL-USE capability.
var specialUse = map[string]string{
	"Sent":    `\Sent`,
	"Drafts":  `\Drafts`,
	"Trash":   `\Trash`,
	"Spam":    `\Junk`,
	"Archive": `\Archive`,
}

// List folders matching a pattern.
//
// State: authenticated and selected
func (c *conn) cmdList(tag, cmd string, p *parser) {
	c.cmdxList(false, tag, cmd, p)
}

// Lsub, like list but for subscriptions. All folders are subscribed.
//
// State: authenticated and selected
func (c *conn) cmdLsub(tag, cmd string, p *parser) {
	c.cmdxList(true, tag, cmd, p)
}

func (c *conn) cmdxList(lsub bool, tag, cmd string, p *parser) {
	p.xspace()
	reference := p.xmailbox()
	p.xspace()
	pattern := p.xlistMailbox()
	p.xempty()

	word := "LIST"
	if lsub {
		word = "LSUB"
	}

	if pattern == "" {
		// Empty pattern requests the hierarchy delimiter and root.
		c.bwritelinef(`* %s (\Noselect) "/" ""`, word)
		c.ok(tag, cmd)
		return
	}

	pattern = reference + pattern
	re := xmailboxPatternMatcher(pattern)

	names := c.xfolderNames()
	hasChildren := map[string]bool{}
	for _, name := range names {
		for prefix := name; ; {
			i := strings.LastIndex(prefix, "/")
			if i < 0 {
				break
			}
			prefix = prefix[:i]
			hasChildren[prefix] = true
		}
	}

	for _, name := range names {
		if !re(name) {
			continue
		}
		attrs := []string{}
		if hasChildren[name] {
			attrs = append(attrs, `\HasChildren`)
		} else {
			attrs = append(attrs, `\HasNoChildren`)
		}
		if use, ok := specialUse[name]; ok {
			attrs = append(attrs, use)
		}
		c.bwritelinef(`* %s (%s) "/" %s`, word, strings.Join(attrs, " "), astring(name).pack(c))
	}
	c.ok(tag, cmd)
}

// xfolderNames returns all folder names, system folders in their fixed order
// followed by the custom folders sorted by name.
func (c *conn) xfolderNames() []string {
	names := append([]string{}, store.SystemFolders...)
	folders, err := c.account.FolderList(c.xctx())
	xcheckf(err, "listing folders")
	custom := make([]string, len(folders))
	for i, f := range folders {
		custom[i] = f.Name
	}
	sort.Strings(custom)
	return append(names, custom...)
}

// xmailboxPatternMatcher compiles a LIST pattern into a match function: "*"
// matches anything, "%" matches anything except the "/" hierarchy separator.
// INBOX is matched case-insensitively.
func xmailboxPatternMatcher(pattern string) func(name string) bool {
	var parts []string // Alternating literal and wildcard parts.
	lit := ""
	for _, ch := range pattern {
		if ch == '*' || ch == '%' {
			parts = append(parts, lit, string(ch))
			lit = ""
			continue
		}
		lit += string(ch)
	}
	parts = append(parts, lit)

	var match func(name string, parts []string) bool
	match = func(name string, parts []string) bool {
		for i, part := range parts {
			switch part {
			case "*":
				remaining := parts[i+1:]
				for o := 0; o <= len(name); o++ {
					if match(name[o:], remaining) {
						return true
					}
				}
				return false
			case "%":
				remaining := parts[i+1:]
				for o := 0; o <= len(name); o++ {
					if o > 0 && name[o-1] == '/' {
						return false
					}
					if match(name[o:], remaining) {
						return true
					}
				}
				return false
			default:
				if !strings.HasPrefix(name, part) {
					return false
				}
				name = name[len(part):]
			}
		}
		return name == ""
	}

	return func(name string) bool {
		if strings.EqualFold(pattern, "INBOX") {
			return strings.EqualFold(name, "Inbox")
		}
		return match(name, parts)
	}
}
