package store

import (
	"sync"
	"sync/atomic"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	acc     *Account
	comm    *Comm // Can be nil.
	changes []Change
	done    chan struct{}
}

// Change to folders/messages in an account. One of the Change* types in this
// package.
type Change any

// ChangeAddMessage is sent when a new message was stored, by APPEND, COPY or
// an external delivery announced over the notification bridge. Sessions check
// the message against their selected view before announcing EXISTS.
type ChangeAddMessage struct {
	Message Message
}

// ChangeFlags is sent when a message's flags, status or folder changed.
// Because folders are views over this state, receivers compare the new state
// against their snapshot: a message may have entered or left their selected
// view.
type ChangeFlags struct {
	Message Message
}

// ChangeRemoveUIDs is sent when messages were permanently deleted.
// UIDs are in increasing order, as IMAP requires for expunge announcements.
type ChangeRemoveUIDs struct {
	UIDs []UID
}

// ChangeFolderAdd is sent for a newly created custom folder.
type ChangeFolderAdd struct {
	Folder Folder
}

// ChangeFolderRemove is sent for a removed custom folder.
type ChangeFolderRemove struct {
	FolderID int64
	Name     string
}

// ChangeFolderRename is sent when a custom folder was renamed.
type ChangeFolderRename struct {
	FolderID int64
	OldName  string
	NewName  string
}

func switchboard(stopc, donec chan struct{}) {
	regs := map[*Account]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.acc]; !ok {
				regs[c.acc] = map[*Comm]struct{}{}
			}
			regs[c.acc][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.acc], c)
			if len(regs[c.acc]) == 0 {
				delete(regs, c.acc)
			}

		case chReq := <-broadcast:
			for c := range regs[chReq.acc] {
				// Do not send the broadcaster back their own changes. chReq.comm is nil if not
				// originating from a comm, so won't match in that case.
				if c == chReq.comm {
					continue
				}

				c.Lock()
				c.changes = append(c.changes, chReq.changes...)
				c.Unlock()

				select {
				case c.Pending <- struct{}{}:
				default:
				}
			}
			chReq.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard distributes changes to accounts to interested listeners. See
// Comm and Change.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})

	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec

		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// Comm is a registration for change broadcasts about an account.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for IMAP IDLE.

	acc *Account

	sync.Mutex
	changes []Change
}

// RegisterComm starts a Comm for the account. Unregister must be called.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so the switchboard can do a non-blocking send.
		acc:     acc,
	}
	register <- c
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast ensures changes are sent to the other Comms on this account.
func (c *Comm) Broadcast(ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.acc, c, ch, done}
	<-done
}

// Get retrieves all pending changes. If no changes are pending a nil or empty
// list is returned.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges ensures changes are sent to all listeners on the account,
// used by the notification bridge which has no Comm of its own.
func BroadcastChanges(acc *Account, ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{acc, nil, ch, done}
	<-done
}
