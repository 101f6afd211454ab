// Package remote describes the remote mailbox store the sync engine talks to
// and provides an IMAP implementation of it.
package remote

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// OpenMode selects how a folder is opened.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// Flag is a message flag understood by the engine.
type Flag string

const (
	FlagSeen    Flag = `\Seen`
	FlagFlagged Flag = `\Flagged`
	FlagDeleted Flag = `\Deleted`
)

// FetchItem names a piece of message data to download.
type FetchItem int

const (
	FetchFlags FetchItem = iota
	FetchEnvelope
	FetchStructure
	// FetchBody downloads the whole message.
	FetchBody
	// FetchBodySane downloads at most SaneBodySize bytes of the message.
	FetchBodySane
)

// SaneBodySize caps a FetchBodySane download.
const SaneBodySize = 50 * 1024

// FetchProfile lists what a Fetch call downloads. Parts are filled in place.
type FetchProfile struct {
	Items []FetchItem
	Parts []*Part
}

// Has reports whether the profile includes item.
func (p FetchProfile) Has(item FetchItem) bool {
	for _, it := range p.Items {
		if it == item {
			return true
		}
	}
	return false
}

// Envelope is the header summary of a message.
type Envelope struct {
	MessageID string
	Subject   string
	From      []string
	To        []string
	Cc        []string
	Date      time.Time
}

// Message is a remote message summary. Fields are filled incrementally by
// Fetch calls.
type Message struct {
	UID          string
	Size         int64
	Flags        []Flag
	InternalDate time.Time
	Envelope     *Envelope
	Structure    *Part

	// Raw holds RFC 822 bytes for a downloaded body or for an append.
	Raw []byte
}

// IsSet reports whether the message carries flag f.
func (m *Message) IsSet(f Flag) bool {
	for _, fl := range m.Flags {
		if fl == f {
			return true
		}
	}
	return false
}

// Part is a node of a message's MIME tree.
type Part struct {
	// Path is the part specifier, e.g. "1" or "2.1".
	Path        string
	ContentType string
	Charset     string
	Disposition string
	Filename    string
	ContentID   string
	Encoding    string
	Size        int64

	// Body is the decoded content, nil until fetched.
	Body     []byte
	Children []*Part
}

// IsMultipart reports whether the part is a container.
func (p *Part) IsMultipart() bool {
	return len(p.Children) > 0
}

// FolderInfo describes a folder returned by ListFolders.
type FolderInfo struct {
	Name      string
	HoldsMail bool
}

// StoreInfo carries per-store settings.
type StoreInfo struct {
	// VisibleLimitDefault bounds how many recent messages are tracked
	// locally when the mailbox sets no limit.
	VisibleLimitDefault int

	// RequireCopyToSent is set when sent messages must be appended to the
	// Sent folder by the client.
	RequireCopyToSent bool
}

// CopyCallbacks reports per-message results of CopyMessages.
type CopyCallbacks struct {
	OnUIDChange func(msg *Message, newUID string)
	OnNotFound  func(msg *Message)
}

// Folder is one remote mailbox.
type Folder interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	// CanCreate reports whether the store supports creating folders.
	CanCreate() bool
	Create(ctx context.Context) error
	Open(ctx context.Context, mode OpenMode) error
	Mode() OpenMode
	MessageCount(ctx context.Context) (int, error)
	// Messages returns the messages at ordinals start..end (1-based,
	// inclusive) with only their UIDs set.
	Messages(ctx context.Context, start, end int) ([]*Message, error)
	// Message looks up a message by UID. It returns nil when absent.
	Message(ctx context.Context, uid string) (*Message, error)
	// Fetch fills msgs according to profile and calls fn, when non-nil, for
	// each message once its data has arrived.
	Fetch(ctx context.Context, msgs []*Message, profile FetchProfile, fn func(*Message)) error
	PermanentFlags() []Flag
	SetFlags(ctx context.Context, msgs []*Message, flags []Flag, value bool) error
	CopyMessages(ctx context.Context, msgs []*Message, dest Folder, cb CopyCallbacks) error
	// AppendMessages uploads msgs (Raw must be set) and stores the new UID
	// in each message when the server reports it.
	AppendMessages(ctx context.Context, msgs []*Message) error
	Expunge(ctx context.Context) error
	Close(ctx context.Context, expunge bool) error
}

// Store is an authenticated session with one account's remote mailboxes.
type Store interface {
	Folder(name string) Folder
	ListFolders(ctx context.Context) ([]FolderInfo, error)
	Info() StoreInfo
	Close() error
}

// Provider opens remote stores for accounts.
type Provider interface {
	Open(ctx context.Context, account model.Account) (Store, error)
}

// HasPermanentFlag reports whether f is among the folder's permanent flags.
func HasPermanentFlag(f Folder, flag Flag) bool {
	for _, pf := range f.PermanentFlags() {
		if pf == flag {
			return true
		}
	}
	return false
}
