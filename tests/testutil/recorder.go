package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nhle/mailsync/internal/listener"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// Recorder is a listener that records every event as a short string such as
// "sync-finished a1 INBOX 20 2".
type Recorder struct {
	mu     sync.Mutex
	events []string
}

var _ listener.Listener = (*Recorder)(nil)

// Events returns the recorded events in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Has reports whether an event equal to event was recorded.
func (r *Recorder) Has(event string) bool {
	for _, e := range r.Events() {
		if e == event {
			return true
		}
	}
	return false
}

// HasPrefix reports whether any recorded event starts with prefix.
func (r *Recorder) HasPrefix(prefix string) bool {
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func (r *Recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (r *Recorder) ListFoldersStarted(accountID string) {
	r.add("list-folders-started %s", accountID)
}

func (r *Recorder) ListFoldersFinished(accountID string) {
	r.add("list-folders-finished %s", accountID)
}

func (r *Recorder) ListFoldersFailed(accountID string, result mailerr.Result) {
	r.add("list-folders-failed %s %s", accountID, result.Kind)
}

func (r *Recorder) SynchronizeMailboxStarted(account model.Account, mailbox model.Mailbox) {
	r.add("sync-started %s %s", account.ID, mailbox.ServerID)
}

func (r *Recorder) SynchronizeMailboxFinished(account model.Account, mailbox model.Mailbox, total, newMessages int) {
	r.add("sync-finished %s %s %d %d", account.ID, mailbox.ServerID, total, newMessages)
}

func (r *Recorder) SynchronizeMailboxFailed(account model.Account, mailbox model.Mailbox, result mailerr.Result) {
	r.add("sync-failed %s %s %s", account.ID, mailbox.ServerID, result.Kind)
}

func (r *Recorder) LoadMessageForViewStarted(messageID string) {
	r.add("load-view-started %s", messageID)
}

func (r *Recorder) LoadMessageForViewFinished(messageID string) {
	r.add("load-view-finished %s", messageID)
}

func (r *Recorder) LoadMessageForViewFailed(messageID string, result mailerr.Result) {
	r.add("load-view-failed %s %s", messageID, result.Kind)
}

func (r *Recorder) LoadAttachmentStarted(_, _, attachmentID string, requiresDownload bool) {
	r.add("load-attachment-started %s %t", attachmentID, requiresDownload)
}

func (r *Recorder) LoadAttachmentFinished(_, _, attachmentID string) {
	r.add("load-attachment-finished %s", attachmentID)
}

func (r *Recorder) LoadAttachmentFailed(_, _, attachmentID string, result mailerr.Result) {
	r.add("load-attachment-failed %s %s", attachmentID, result.Kind)
}

func (r *Recorder) SendPendingMessagesStarted(accountID, messageID string) {
	r.add("send-started %s %s", accountID, messageID)
}

func (r *Recorder) SendPendingMessagesCompleted(accountID string) {
	r.add("send-completed %s", accountID)
}

func (r *Recorder) SendPendingMessagesFailed(accountID, messageID string, result mailerr.Result) {
	r.add("send-failed %s %s %s", accountID, messageID, result.Kind)
}

func (r *Recorder) CheckMailStarted(accountID string, tag int64) {
	r.add("check-started %s %d", accountID, tag)
}

func (r *Recorder) CheckMailFinished(accountID string, tag int64) {
	r.add("check-finished %s %d", accountID, tag)
}

func (r *Recorder) CommandCompleted(morePending bool) {
	r.add("command-completed %t", morePending)
}
