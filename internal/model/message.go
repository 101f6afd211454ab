package model

import (
	"strings"
	"time"
)

// LoadState records how much of a message has been downloaded.
type LoadState int

const (
	// LoadUnloaded means only headers are known.
	LoadUnloaded LoadState = iota
	// LoadComplete means the body and viewable parts are stored.
	LoadComplete
	// LoadPartial means a truncated "sane" amount of body was stored.
	LoadPartial
	// LoadDeleted marks a tombstone for a message deleted locally while the
	// account forbids remote deletion. It blocks re-download.
	LoadDeleted
)

func (s LoadState) String() string {
	switch s {
	case LoadUnloaded:
		return "unloaded"
	case LoadComplete:
		return "complete"
	case LoadPartial:
		return "partial"
	case LoadDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// LocalServerIDPrefix marks a placeholder server ID given to messages that
// can never be uploaded (the remote cannot hold them).
const LocalServerIDPrefix = "Local-"

// Message is the locally persisted record of one mail message.
type Message struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	MailboxID string `json:"mailbox_id" db:"mailbox_id"`

	// ServerID is the remote UID. Empty means the message was never uploaded.
	ServerID string `json:"server_id" db:"server_id"`

	MessageID string    `json:"message_id" db:"message_id"`
	Subject   string    `json:"subject" db:"subject"`
	From      string    `json:"from" db:"from_addr"`
	To        string    `json:"to" db:"to_addrs"`
	Cc        string    `json:"cc" db:"cc_addrs"`
	Date      time.Time `json:"date" db:"sent_at"`

	// ServerTimestamp is the server's internal date for the remote copy.
	ServerTimestamp time.Time `json:"server_timestamp" db:"server_timestamp"`

	Read          bool      `json:"read" db:"flag_read"`
	Flagged       bool      `json:"flagged" db:"flag_flagged"`
	HasAttachment bool      `json:"has_attachment" db:"flag_attachment"`
	LoadState     LoadState `json:"load_state" db:"load_state"`
	Snippet       string    `json:"snippet" db:"snippet"`
	Size          int64     `json:"size" db:"size"`
}

// IsLocalOnly reports whether the message has no counterpart on the server.
func (m *Message) IsLocalOnly() bool {
	return m.ServerID == "" || strings.HasPrefix(m.ServerID, LocalServerIDPrefix)
}

// Body holds the viewable content of a message.
type Body struct {
	MessageID   string `json:"message_id" db:"message_id"`
	TextContent string `json:"text_content" db:"text_content"`
	HTMLContent string `json:"html_content" db:"html_content"`
}

// Attachment is a non-viewable part of a message. Content stays nil until the
// part is downloaded.
type Attachment struct {
	ID        string `json:"id" db:"id"`
	MessageID string `json:"message_id" db:"message_id"`
	FileName  string `json:"file_name" db:"file_name"`
	MimeType  string `json:"mime_type" db:"mime_type"`
	Size      int64  `json:"size" db:"size"`
	ContentID string `json:"content_id" db:"content_id"`

	// Location is the remote part path used to fetch the content later.
	Location string `json:"location" db:"location"`
	Encoding string `json:"encoding" db:"encoding"`
	Content  []byte `json:"-" db:"content"`
}

// Loaded reports whether the attachment content has been downloaded.
func (a *Attachment) Loaded() bool {
	return a.Content != nil
}
