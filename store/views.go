package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mjl-/bstore"
)

var (
	ErrFolderUnknown  = errors.New("no such folder")
	ErrFolderExists   = errors.New("folder already exists")
	ErrFolderReserved = errors.New("folder is a system folder")
)

// System folder names. These folders always exist, cannot be created, deleted
// or renamed, and are views over message state rather than stored records:
// changing a flag or status moves a message between them without touching its
// UID.
const (
	FolderInbox   = "Inbox"
	FolderSent    = "Sent"
	FolderDrafts  = "Drafts"
	FolderTrash   = "Trash"
	FolderSpam    = "Spam"
	FolderArchive = "Archive"
)

// SystemFolders in LIST order.
var SystemFolders = []string{FolderInbox, FolderSent, FolderDrafts, FolderTrash, FolderSpam, FolderArchive}

// Fixed UIDVALIDITY values for the system views. Custom folders get their
// record ID offset past these. UIDs are account-global so a view's UIDVALIDITY
// only needs to be stable, never regenerated.
var systemUIDValidity = map[string]uint32{
	FolderInbox:   1,
	FolderSent:    2,
	FolderDrafts:  3,
	FolderTrash:   4,
	FolderSpam:    5,
	FolderArchive: 6,
}

const customUIDValidityOffset = 100

// Attrs are the routing attributes a folder name resolves to: the message
// state that makes a message a member of that folder's view, and the state
// written to a message when it is copied, moved or appended there.
type Attrs struct {
	Name     string // Canonical folder name.
	Status   Status
	Junk     bool
	Deleted  bool
	Archived bool
	FolderID int64 // Non-zero for custom folders.
}

// UIDValidity returns the stable UIDVALIDITY for this folder.
func (fa Attrs) UIDValidity() uint32 {
	if fa.FolderID != 0 {
		return customUIDValidityOffset + uint32(fa.FolderID)
	}
	return systemUIDValidity[fa.Name]
}

// IsSystemFolder returns whether name is one of the fixed system folders.
// IMAP requires INBOX to be case-insensitive and we extend that to the other
// system names.
func IsSystemFolder(name string) bool {
	return canonicalSystemFolder(name) != ""
}

func canonicalSystemFolder(name string) string {
	if strings.EqualFold(name, "Inbox") || strings.EqualFold(name, "INBOX") {
		return FolderInbox
	}
	for _, s := range SystemFolders {
		if strings.EqualFold(name, s) {
			return s
		}
	}
	// Junk is a common client alias for the spam folder.
	if strings.EqualFold(name, "Junk") {
		return FolderSpam
	}
	return ""
}

// ResolveFolder resolves a folder name, system or custom, to its routing
// attributes. An unknown name returns ErrFolderUnknown, which IMAP surfaces
// as TRYCREATE.
func (a *Account) ResolveFolder(ctx context.Context, name string) (Attrs, error) {
	if s := canonicalSystemFolder(name); s != "" {
		fa := Attrs{Name: s}
		switch s {
		case FolderInbox:
			fa.Status = StatusReceived
		case FolderSent:
			fa.Status = StatusSent
		case FolderDrafts:
			fa.Status = StatusDraft
		case FolderTrash:
			fa.Status = StatusReceived
			fa.Deleted = true
		case FolderSpam:
			fa.Status = StatusReceived
			fa.Junk = true
		case FolderArchive:
			fa.Status = StatusReceived
			fa.Archived = true
		}
		return fa, nil
	}

	f, err := a.folderByName(ctx, name)
	if err != nil {
		return Attrs{}, err
	}
	return Attrs{Name: f.Name, Status: StatusReceived, FolderID: f.ID}, nil
}

func (a *Account) folderByName(ctx context.Context, name string) (Folder, error) {
	q := bstore.QueryDB[Folder](ctx, a.DB)
	q.FilterFn(func(f Folder) bool {
		return strings.EqualFold(f.Name, name)
	})
	f, err := q.Get()
	if err == bstore.ErrAbsent {
		return Folder{}, ErrFolderUnknown
	}
	return f, err
}

// Contains reports whether message m is a member of this folder's view.
func (fa Attrs) Contains(m Message) bool {
	if fa.FolderID != 0 {
		return m.FolderID == fa.FolderID && !m.Deleted
	}
	switch fa.Name {
	case FolderInbox:
		return m.Status == StatusReceived && !m.Junk && !m.Deleted && !m.Archived && m.FolderID == 0
	case FolderSent:
		return m.Status == StatusSent && !m.Deleted
	case FolderDrafts:
		return m.Status == StatusDraft && !m.Deleted
	case FolderTrash:
		return m.Deleted
	case FolderSpam:
		return m.Junk && !m.Deleted
	case FolderArchive:
		return m.Status == StatusReceived && m.Archived && !m.Junk && !m.Deleted
	}
	return false
}

// Apply writes this folder's routing attributes to a message, making it a
// member of the view. Used for APPEND, COPY and MOVE destinations.
func (fa Attrs) Apply(m *Message) {
	m.Status = fa.Status
	m.Junk = fa.Junk
	m.Deleted = fa.Deleted
	m.Archived = fa.Archived
	m.FolderID = fa.FolderID
}

// Messages returns the folder's current messages ordered by UID.
func (a *Account) Messages(ctx context.Context, fa Attrs) ([]Message, error) {
	q := bstore.QueryDB[Message](ctx, a.DB)
	if fa.FolderID != 0 {
		q.FilterNonzero(Message{FolderID: fa.FolderID})
	}
	q.FilterFn(fa.Contains)
	q.SortAsc("ID")
	return q.List()
}

// FolderCounts are the numbers STATUS reports for a folder.
type FolderCounts struct {
	Messages int
	Unseen   int
	UIDNext  UID
}

// Counts gathers message counts for a folder view.
func (a *Account) Counts(ctx context.Context, fa Attrs) (FolderCounts, error) {
	msgs, err := a.Messages(ctx, fa)
	if err != nil {
		return FolderCounts{}, err
	}
	var c FolderCounts
	c.Messages = len(msgs)
	for _, m := range msgs {
		if !m.Seen {
			c.Unseen++
		}
		if m.UID() >= c.UIDNext {
			c.UIDNext = m.UID() + 1
		}
	}
	if c.UIDNext == 0 {
		c.UIDNext = 1
	}
	return c, nil
}

// FolderList returns the custom folders, sorted by name.
func (a *Account) FolderList(ctx context.Context) ([]Folder, error) {
	q := bstore.QueryDB[Folder](ctx, a.DB)
	q.SortAsc("Name")
	return q.List()
}

// FolderCreate creates a custom folder. Names matching a system folder, or an
// existing custom folder case-insensitively, are rejected.
func (a *Account) FolderCreate(ctx context.Context, name string) (Folder, error) {
	if IsSystemFolder(name) {
		return Folder{}, ErrFolderReserved
	}
	var f Folder
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Folder](tx).FilterFn(func(f Folder) bool {
			return strings.EqualFold(f.Name, name)
		}).Exists()
		if err != nil {
			return err
		}
		if exists {
			return ErrFolderExists
		}
		f = Folder{Name: name, Created: time.Now()}
		return tx.Insert(&f)
	})
	return f, err
}

// FolderDelete removes a custom folder. Its messages are marked Deleted,
// making them visible in Trash instead of silently vanishing.
func (a *Account) FolderDelete(ctx context.Context, name string) ([]Message, error) {
	if IsSystemFolder(name) {
		return nil, ErrFolderReserved
	}
	var changed []Message
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		f, err := bstore.QueryTx[Folder](tx).FilterFn(func(f Folder) bool {
			return strings.EqualFold(f.Name, name)
		}).Get()
		if err == bstore.ErrAbsent {
			return ErrFolderUnknown
		} else if err != nil {
			return err
		}

		msgs, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{FolderID: f.ID}).List()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			m.FolderID = 0
			m.Deleted = true
			if err := tx.Update(&m); err != nil {
				return err
			}
			changed = append(changed, m)
		}
		return tx.Delete(&f)
	})
	return changed, err
}

// FolderRename renames a custom folder, keeping the same record (and so the
// same UIDVALIDITY).
func (a *Account) FolderRename(ctx context.Context, oldName, newName string) error {
	if IsSystemFolder(oldName) || IsSystemFolder(newName) {
		return ErrFolderReserved
	}
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		f, err := bstore.QueryTx[Folder](tx).FilterFn(func(f Folder) bool {
			return strings.EqualFold(f.Name, oldName)
		}).Get()
		if err == bstore.ErrAbsent {
			return ErrFolderUnknown
		} else if err != nil {
			return err
		}

		exists, err := bstore.QueryTx[Folder](tx).FilterFn(func(xf Folder) bool {
			return xf.ID != f.ID && strings.EqualFold(xf.Name, newName)
		}).Exists()
		if err != nil {
			return err
		}
		if exists {
			return ErrFolderExists
		}

		f.Name = newName
		return tx.Update(&f)
	})
}
