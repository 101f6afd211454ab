package listener

import (
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// Registry forwards every event to all registered listeners, so it can be
// handed to components as a plain Listener.
var _ Listener = (*Registry)(nil)

func (r *Registry) ListFoldersStarted(accountID string) {
	r.each(func(l Listener) { l.ListFoldersStarted(accountID) })
}

func (r *Registry) ListFoldersFinished(accountID string) {
	r.each(func(l Listener) { l.ListFoldersFinished(accountID) })
}

func (r *Registry) ListFoldersFailed(accountID string, result mailerr.Result) {
	r.each(func(l Listener) { l.ListFoldersFailed(accountID, result) })
}

func (r *Registry) SynchronizeMailboxStarted(account model.Account, mailbox model.Mailbox) {
	r.each(func(l Listener) { l.SynchronizeMailboxStarted(account, mailbox) })
}

func (r *Registry) SynchronizeMailboxFinished(account model.Account, mailbox model.Mailbox, total, newMessages int) {
	r.each(func(l Listener) { l.SynchronizeMailboxFinished(account, mailbox, total, newMessages) })
}

func (r *Registry) SynchronizeMailboxFailed(account model.Account, mailbox model.Mailbox, result mailerr.Result) {
	r.each(func(l Listener) { l.SynchronizeMailboxFailed(account, mailbox, result) })
}

func (r *Registry) LoadMessageForViewStarted(messageID string) {
	r.each(func(l Listener) { l.LoadMessageForViewStarted(messageID) })
}

func (r *Registry) LoadMessageForViewFinished(messageID string) {
	r.each(func(l Listener) { l.LoadMessageForViewFinished(messageID) })
}

func (r *Registry) LoadMessageForViewFailed(messageID string, result mailerr.Result) {
	r.each(func(l Listener) { l.LoadMessageForViewFailed(messageID, result) })
}

func (r *Registry) LoadAttachmentStarted(accountID, messageID, attachmentID string, requiresDownload bool) {
	r.each(func(l Listener) { l.LoadAttachmentStarted(accountID, messageID, attachmentID, requiresDownload) })
}

func (r *Registry) LoadAttachmentFinished(accountID, messageID, attachmentID string) {
	r.each(func(l Listener) { l.LoadAttachmentFinished(accountID, messageID, attachmentID) })
}

func (r *Registry) LoadAttachmentFailed(accountID, messageID, attachmentID string, result mailerr.Result) {
	r.each(func(l Listener) { l.LoadAttachmentFailed(accountID, messageID, attachmentID, result) })
}

func (r *Registry) SendPendingMessagesStarted(accountID, messageID string) {
	r.each(func(l Listener) { l.SendPendingMessagesStarted(accountID, messageID) })
}

func (r *Registry) SendPendingMessagesCompleted(accountID string) {
	r.each(func(l Listener) { l.SendPendingMessagesCompleted(accountID) })
}

func (r *Registry) SendPendingMessagesFailed(accountID, messageID string, result mailerr.Result) {
	r.each(func(l Listener) { l.SendPendingMessagesFailed(accountID, messageID, result) })
}

func (r *Registry) CheckMailStarted(accountID string, tag int64) {
	r.each(func(l Listener) { l.CheckMailStarted(accountID, tag) })
}

func (r *Registry) CheckMailFinished(accountID string, tag int64) {
	r.each(func(l Listener) { l.CheckMailFinished(accountID, tag) })
}

func (r *Registry) CommandCompleted(morePending bool) {
	r.each(func(l Listener) { l.CommandCompleted(morePending) })
}
