// Package listener keeps the set of observers of engine progress and fans
// events out to them.
package listener

import (
	"sync"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// Listener receives progress events. Callbacks run on the worker goroutine
// and must not block for long.
type Listener interface {
	ListFoldersStarted(accountID string)
	ListFoldersFinished(accountID string)
	ListFoldersFailed(accountID string, result mailerr.Result)

	SynchronizeMailboxStarted(account model.Account, mailbox model.Mailbox)
	SynchronizeMailboxFinished(account model.Account, mailbox model.Mailbox, total, newMessages int)
	SynchronizeMailboxFailed(account model.Account, mailbox model.Mailbox, result mailerr.Result)

	LoadMessageForViewStarted(messageID string)
	LoadMessageForViewFinished(messageID string)
	LoadMessageForViewFailed(messageID string, result mailerr.Result)

	LoadAttachmentStarted(accountID, messageID, attachmentID string, requiresDownload bool)
	LoadAttachmentFinished(accountID, messageID, attachmentID string)
	LoadAttachmentFailed(accountID, messageID, attachmentID string, result mailerr.Result)

	// SendPendingMessagesStarted is called once with an empty messageID for
	// the batch, then once per message.
	SendPendingMessagesStarted(accountID, messageID string)
	SendPendingMessagesCompleted(accountID string)
	SendPendingMessagesFailed(accountID, messageID string, result mailerr.Result)

	CheckMailStarted(accountID string, tag int64)
	CheckMailFinished(accountID string, tag int64)

	CommandCompleted(morePending bool)
}

// Base implements Listener with no-ops. Embed it to handle a subset of
// events.
type Base struct{}

func (Base) ListFoldersStarted(string) {}
func (Base) ListFoldersFinished(string) {}
func (Base) ListFoldersFailed(string, mailerr.Result) {}
func (Base) SynchronizeMailboxStarted(model.Account, model.Mailbox) {}
func (Base) SynchronizeMailboxFinished(model.Account, model.Mailbox, int, int) {}
func (Base) SynchronizeMailboxFailed(model.Account, model.Mailbox, mailerr.Result) {}
func (Base) LoadMessageForViewStarted(string) {}
func (Base) LoadMessageForViewFinished(string) {}
func (Base) LoadMessageForViewFailed(string, mailerr.Result) {}
func (Base) LoadAttachmentStarted(string, string, string, bool) {}
func (Base) LoadAttachmentFinished(string, string, string) {}
func (Base) LoadAttachmentFailed(string, string, string, mailerr.Result) {}
func (Base) SendPendingMessagesStarted(string, string) {}
func (Base) SendPendingMessagesCompleted(string) {}
func (Base) SendPendingMessagesFailed(string, string, mailerr.Result) {}
func (Base) CheckMailStarted(string, int64) {}
func (Base) CheckMailFinished(string, int64) {}
func (Base) CommandCompleted(bool) {}

// Handle identifies a registered listener. The zero Handle means "no
// observer". Handles are never reused.
type Handle uint64

// Registry is a concurrency-safe set of listeners.
type Registry struct {
	mu        sync.RWMutex
	next      Handle
	listeners map[Handle]Listener
	order     []Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[Handle]Listener)}
}

// Add registers l and returns its handle.
func (r *Registry) Add(l Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := r.next
	r.listeners[h] = l
	r.order = append(r.order, h)
	return h
}

// Remove unregisters the listener with handle h. Unknown handles are ignored.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[h]; !ok {
		return
	}
	delete(r.listeners, h)
	for i, oh := range r.order {
		if oh == h {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// IsRegistered reports whether h is currently registered.
func (r *Registry) IsRegistered(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.listeners[h]
	return ok
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// snapshot copies the current listeners in registration order.
func (r *Registry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listener, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.listeners[h])
	}
	return out
}

// each calls fn for every listener registered at the time of the call.
func (r *Registry) each(fn func(Listener)) {
	for _, l := range r.snapshot() {
		fn(l)
	}
}
