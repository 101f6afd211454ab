package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Store defines the persistence interface for accounts, mailboxes, messages
// and the shadow tables that record local edits awaiting upload.
type Store interface {
	// === Accounts ===

	SaveAccount(ctx context.Context, account model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// === Mailboxes ===

	// SaveMailbox inserts or updates a mailbox. A UUID is assigned when ID is
	// empty.
	SaveMailbox(ctx context.Context, mailbox *model.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*model.Mailbox, error)
	FindMailboxByServerID(ctx context.Context, accountID, serverID string) (*model.Mailbox, error)
	FindMailboxOfType(ctx context.Context, accountID string, t model.MailboxType) (*model.Mailbox, error)
	GetMailboxes(ctx context.Context, accountID string) ([]model.Mailbox, error)
	GetMailboxesOfType(ctx context.Context, accountID string, t model.MailboxType) ([]model.Mailbox, error)
	// DeleteMailbox removes a mailbox with its messages, bodies, attachments
	// and shadow rows.
	DeleteMailbox(ctx context.Context, id string) error

	// === Messages (sync side, no shadow rows) ===

	// SaveMessage inserts or updates a message record. A UUID is assigned
	// when ID is empty.
	SaveMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	FindMessageByServerID(ctx context.Context, mailboxID, serverID string) (*model.Message, error)
	GetMessages(ctx context.Context, mailboxID string) ([]model.Message, error)
	CountMessages(ctx context.Context, mailboxID string) (int, error)
	CountUnread(ctx context.Context, mailboxID string) (int, error)
	// GetUnsyncedMessages returns records that were never uploaded.
	GetUnsyncedMessages(ctx context.Context, mailboxID string) ([]model.Message, error)
	UpdateMessageFlags(ctx context.Context, id string, read, flagged bool) error
	UpdateMessageServerID(ctx context.Context, id, serverID string, serverTimestamp time.Time) error
	// DeleteMessage removes a message together with its body, attachments
	// and shadow rows.
	DeleteMessage(ctx context.Context, id string) error

	// === Messages (user edits, recorded in shadow tables) ===

	// UpdateMessageLocal saves a user edit and keeps the first prior state
	// in message_updates.
	UpdateMessageLocal(ctx context.Context, msg *model.Message) error
	// DeleteMessageLocal removes a message and records its original state in
	// message_deletes.
	DeleteMessageLocal(ctx context.Context, id string) error

	// === Content ===

	// SaveMessageContent persists a record, its body and its attachments in
	// one transaction.
	SaveMessageContent(ctx context.Context, msg *model.Message, body *model.Body, attachments []model.Attachment) error
	GetBody(ctx context.Context, messageID string) (*model.Body, error)
	GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error)
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
	SaveAttachmentContent(ctx context.Context, id string, content []byte) error
	HasUnloadedAttachments(ctx context.Context, messageID string) (bool, error)

	// === Pending changes ===

	PendingDeletes(ctx context.Context, accountID string) ([]model.Message, error)
	PendingUpdates(ctx context.Context, accountID string) ([]model.Message, error)
	PendingUpdatesInMailbox(ctx context.Context, mailboxID string) ([]model.Message, error)
	ClearPendingDelete(ctx context.Context, messageID string) error
	ClearPendingUpdate(ctx context.Context, messageID string) error
}
