// Package store provides the structured message store for accounts.
//
// Each account has its own database holding credentials, custom folders and
// messages. Messages are structured records, not raw files: envelope fields,
// text/html bodies and attachments are separate fields, and the RFC822 form a
// client sees is reconstructed when needed. A message's ID doubles as its IMAP
// UID: IDs are assigned monotonically per account and never reused.
//
// Folders other than the custom ones are views over message state. A message
// "moves" between Inbox, Spam, Trash, Archive and the custom folders by flag
// or status mutation only, keeping its UID.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"

	"github.com/crowmail/crow/crow-"
	"github.com/crowmail/crow/mlog"
)

var (
	ErrAccountUnknown     = errors.New("account unknown")
	ErrUnknownCredentials = errors.New("credentials not found")
	ErrPasswordDisabled   = errors.New("account password login disabled, use an app password")
)

// UID is an IMAP UID, a message's ID as seen by IMAP clients.
type UID uint32

// Status is a message's origin, determining which system views it can appear in.
type Status byte

const (
	StatusReceived Status = iota
	StatusSent
	StatusDraft
)

// Password is the singleton bcrypt hash of the account password.
type Password struct {
	ID   int64 // Singleton with ID 1.
	Hash string
}

// AppPassword is an application-specific password. With two-factor
// authentication enabled on the account, these are the only credentials
// accepted over IMAP.
type AppPassword struct {
	ID      int64
	Name    string `bstore:"nonzero,unique"`
	Hash    string `bstore:"nonzero"`
	Created time.Time
}

// Settings is the singleton record with per-account switches and bookkeeping.
type Settings struct {
	ID             int64 // Singleton with ID 1.
	TOTPEnabled    bool  // When set, only app passwords are accepted for IMAP.
	LastIMAPAccess time.Time
}

// Folder is a custom, user-created folder. The system folders (Inbox, Sent,
// Drafts, Trash, Spam, Archive) are views and have no record.
type Folder struct {
	ID      int64
	Name    string `bstore:"nonzero,unique"`
	Created time.Time
}

// Attachment is a file attached to a message, stored inline in the message
// record.
type Attachment struct {
	ContentType string
	Filename    string
	ContentID   string // Without the <> delimiters, for cid: references from html bodies.
	Data        []byte
}

// Message is a stored message. Its ID is the IMAP UID.
//
// The boolean fields both carry the IMAP flags and determine view membership:
// Deleted means the message is in the Trash view, Junk means Spam. Expunge
// removes the record permanently.
type Message struct {
	ID int64

	Status   Status
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Junk     bool
	Archived bool
	FolderID int64 `bstore:"index"` // 0 unless filed in a custom folder.

	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	MessageID string // Message-ID header, with <>.
	InReplyTo string

	BodyText    string
	BodyHTML    string
	Attachments []Attachment

	Received time.Time `bstore:"default now,index"`
	SentDate time.Time
	Size     int64 // Size of the reconstructed RFC822 form.
}

// UID returns the message ID in its IMAP form.
func (m Message) UID() UID {
	return UID(m.ID)
}

// DBTypes are the types stored in an account database.
var DBTypes = []any{Password{}, AppPassword{}, Settings{}, Folder{}, Message{}}

// Account is an open handle on an account's database. A single shared Account
// exists per name, reference counted through OpenAccount/Close.
type Account struct {
	Name   string
	Dir    string
	DBPath string
	DB     *bstore.DB

	// Write lock must be held for modifications to folders/messages. Changes must be
	// broadcast before releasing the lock, to ensure sessions observe them in order.
	sync.RWMutex

	nused int
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

// OpenAccount opens an existing account by name, sharing an already open
// handle when present. Returns ErrAccountUnknown when the account was never
// created.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	dir := filepath.Join(crow.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")
	if _, err := os.Stat(dbpath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAccountUnknown
		}
		return nil, err
	}

	acc, err := openAccountDB(name, dir, dbpath)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

// CreateAccount creates a new account with the given password, failing if the
// account already exists. Used by provisioning and tests.
func CreateAccount(log mlog.Log, name, password string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if _, ok := openAccounts.names[name]; ok {
		return nil, fmt.Errorf("account %q already open", name)
	}

	dir := filepath.Join(crow.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")
	if _, err := os.Stat(dbpath); err == nil {
		return nil, fmt.Errorf("account %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating account directory: %v", err)
	}

	acc, err := openAccountDB(name, dir, dbpath)
	if err != nil {
		return nil, err
	}
	err = acc.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := tx.Insert(&Password{ID: 1, Hash: string(hash)}); err != nil {
			return err
		}
		return tx.Insert(&Settings{ID: 1})
	})
	if err != nil {
		acc.DB.Close()
		os.Remove(dbpath)
		return nil, fmt.Errorf("initializing account: %v", err)
	}

	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

func openAccountDB(name, dir, dbpath string) (*Account, error) {
	db, err := bstore.Open(context.TODO(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open database: %v", err)
	}
	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
	}, nil
}

// Close reduces the reference count, closing the database connection when it
// was the last user.
func (a *Account) Close() error {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	a.nused--
	if a.nused == 0 {
		err := a.DB.Close()
		a.DB = nil
		delete(openAccounts.names, a.Name)
		return err
	}
	return nil
}

// CheckPassword verifies password for this account: first against the app
// passwords, then against the account password. With two-factor
// authentication enabled, the account password is rejected with
// ErrPasswordDisabled even when correct.
func (a *Account) CheckPassword(ctx context.Context, password string) error {
	apps, err := bstore.QueryDB[AppPassword](ctx, a.DB).List()
	if err != nil {
		return fmt.Errorf("listing app passwords: %v", err)
	}
	for _, ap := range apps {
		if bcrypt.CompareHashAndPassword([]byte(ap.Hash), []byte(password)) == nil {
			return nil
		}
	}

	settings := Settings{ID: 1}
	if err := a.DB.Get(ctx, &settings); err != nil {
		return fmt.Errorf("get settings: %v", err)
	}
	if settings.TOTPEnabled {
		return ErrPasswordDisabled
	}

	pw := Password{ID: 1}
	if err := a.DB.Get(ctx, &pw); err != nil {
		return fmt.Errorf("get password: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(pw.Hash), []byte(password)) != nil {
		return ErrUnknownCredentials
	}
	return nil
}

// OpenAccountAuth opens an account and verifies the password, closing the
// account again on failure. An unknown account returns ErrUnknownCredentials,
// not revealing whether the account exists.
func OpenAccountAuth(ctx context.Context, log mlog.Log, name, password string) (*Account, error) {
	acc, err := OpenAccount(log, name)
	if err != nil {
		if err == ErrAccountUnknown {
			return nil, ErrUnknownCredentials
		}
		return nil, err
	}
	if err := acc.CheckPassword(ctx, password); err != nil {
		xerr := acc.Close()
		log.Check(xerr, "closing account after failed authentication")
		return nil, err
	}
	return acc, nil
}

// SetPassword changes the account password.
func (a *Account) SetPassword(log mlog.Log, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	pw := Password{ID: 1, Hash: string(hash)}
	return a.DB.Update(context.TODO(), &pw)
}

// AppPasswordAdd adds a named app password.
func (a *Account) AppPasswordAdd(log mlog.Log, name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	ap := AppPassword{Name: name, Hash: string(hash), Created: time.Now()}
	return a.DB.Insert(context.TODO(), &ap)
}

// SetTOTPEnabled switches two-factor authentication, disabling account
// password login over IMAP when enabled.
func (a *Account) SetTOTPEnabled(ctx context.Context, enabled bool) error {
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		settings := Settings{ID: 1}
		if err := tx.Get(&settings); err != nil {
			return err
		}
		settings.TOTPEnabled = enabled
		return tx.Update(&settings)
	})
}

// RecordIMAPAccess stores the current time as the account's last protocol
// access, after successful authentication.
func (a *Account) RecordIMAPAccess(ctx context.Context, log mlog.Log) {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		settings := Settings{ID: 1}
		if err := tx.Get(&settings); err != nil {
			return err
		}
		settings.LastIMAPAccess = time.Now()
		return tx.Update(&settings)
	})
	log.Check(err, "recording imap access time")
}

// WithWLock runs fn with the account write lock held. Needed for
// folder/message modification.
func (a *Account) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// WithRLock runs fn with the account read lock held.
func (a *Account) WithRLock(fn func()) {
	a.RLock()
	defer a.RUnlock()
	fn()
}
