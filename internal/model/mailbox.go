package model

import "strings"

// MailboxType identifies the role of a mailbox within its account.
type MailboxType int

const (
	MailboxGeneric MailboxType = iota
	MailboxInbox
	MailboxDrafts
	MailboxOutbox
	MailboxSent
	MailboxTrash
	MailboxSearch
)

func (t MailboxType) String() string {
	switch t {
	case MailboxInbox:
		return "inbox"
	case MailboxDrafts:
		return "drafts"
	case MailboxOutbox:
		return "outbox"
	case MailboxSent:
		return "sent"
	case MailboxTrash:
		return "trash"
	case MailboxSearch:
		return "search"
	default:
		return "generic"
	}
}

// Special reports whether the mailbox type is one the engine never removes
// locally, even when the server no longer lists it.
func (t MailboxType) Special() bool {
	switch t {
	case MailboxInbox, MailboxDrafts, MailboxOutbox, MailboxSent, MailboxTrash:
		return true
	}
	return false
}

// Mailbox is a folder belonging to one account.
type Mailbox struct {
	ID          string      `json:"id" db:"id"`
	AccountID   string      `json:"account_id" db:"account_id"`
	ServerID    string      `json:"server_id" db:"server_id"`
	DisplayName string      `json:"display_name" db:"display_name"`
	Type        MailboxType `json:"type" db:"type"`
	HoldsMail   bool        `json:"holds_mail" db:"holds_mail"`

	// VisibleLimit caps how many of the most recent remote messages are
	// tracked locally. Zero means the remote store's default.
	VisibleLimit int `json:"visible_limit" db:"visible_limit"`
}

// InferMailboxType guesses a mailbox role from its server-side name.
func InferMailboxType(serverID string) MailboxType {
	name := strings.ToLower(serverID)
	if i := strings.LastIndexAny(name, "/."); i >= 0 && name != "inbox" {
		name = name[i+1:]
	}
	switch name {
	case "inbox":
		return MailboxInbox
	case "drafts", "draft":
		return MailboxDrafts
	case "outbox":
		return MailboxOutbox
	case "sent", "sent items", "sent mail", "sent messages":
		return MailboxSent
	case "trash", "deleted items", "deleted messages", "bin":
		return MailboxTrash
	default:
		return MailboxGeneric
	}
}
