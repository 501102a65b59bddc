package store

import (
	"context"
	"time"

	"github.com/mjl-/bstore"
)

// MessageAdd inserts a new message, assigning the next UID. The caller must
// hold the account write lock and broadcast a ChangeAddMessage before
// releasing it.
func (a *Account) MessageAdd(ctx context.Context, m *Message) error {
	if m.Received.IsZero() {
		m.Received = time.Now()
	}
	return a.DB.Insert(ctx, m)
}

// MessageUpdate writes through a modified message record, for flag, status
// and folder mutations. The caller must hold the account write lock and
// broadcast a ChangeFlags before releasing it.
func (a *Account) MessageUpdate(ctx context.Context, m Message) error {
	return a.DB.Update(ctx, &m)
}

// MessageGet fetches a message by UID.
func (a *Account) MessageGet(ctx context.Context, id int64) (Message, error) {
	m := Message{ID: id}
	err := a.DB.Get(ctx, &m)
	return m, err
}

// MessageExpunge permanently deletes messages by UID. UIDs are never reused:
// the next insert continues past the highest ID ever assigned.
func (a *Account) MessageExpunge(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, id := range ids {
			if err := tx.Delete(&Message{ID: id}); err != nil && err != bstore.ErrAbsent {
				return err
			}
		}
		return nil
	})
}
