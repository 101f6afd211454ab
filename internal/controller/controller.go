// Package controller exposes the mail engine's operations. Every operation is
// queued and runs on a single background worker; results are reported to
// registered listeners.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/listener"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/sender"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// Controller queues mail operations and reports their progress.
type Controller struct {
	store        store.Store
	provider     remote.Provider
	senders      sender.Factory
	notifier     Notifier
	registry     *listener.Registry
	queue        *queue.Queue
	synchronizer *sync.Synchronizer
	pending      *sync.PendingProcessor
	logger       zerolog.Logger
}

// New creates a stopped Controller.
func New(
	s store.Store,
	provider remote.Provider,
	senders sender.Factory,
	notifier Notifier,
	logger zerolog.Logger,
) *Controller {
	registry := listener.NewRegistry()
	return &Controller{
		store:        s,
		provider:     provider,
		senders:      senders,
		notifier:     notifier,
		registry:     registry,
		queue:        queue.New(registry, logger),
		synchronizer: sync.NewSynchronizer(s, provider, logger),
		pending:      sync.NewPendingProcessor(s, provider, logger),
		logger:       logger.With().Str("component", "controller").Logger(),
	}
}

// Start launches the worker.
func (c *Controller) Start(ctx context.Context) {
	c.queue.Start(ctx)
}

// Stop waits for the running command and discards the rest.
func (c *Controller) Stop() {
	c.queue.Stop()
}

// AddListener registers l for progress events.
func (c *Controller) AddListener(l listener.Listener) listener.Handle {
	return c.registry.Add(l)
}

// RemoveListener unregisters a listener. Queued commands it observes are
// dropped.
func (c *Controller) RemoveListener(h listener.Handle) {
	c.registry.Remove(h)
}

// IsBusy reports whether commands are running or waiting.
func (c *Controller) IsBusy() bool {
	return c.queue.IsBusy()
}

// ListFolders refreshes the local mailbox list of an account from the server.
func (c *Controller) ListFolders(accountID string, observer listener.Handle) {
	c.registry.ListFoldersStarted(accountID)
	c.queue.Enqueue("listFolders", observer, func(ctx context.Context) {
		if err := c.listFolders(ctx, accountID); err != nil {
			c.logger.Warn().Err(err).Str("account", accountID).Msg("list folders failed")
			c.registry.ListFoldersFailed(accountID, mailerr.ResultOf(err))
			return
		}
		c.registry.ListFoldersFinished(accountID)
	})
}

func (c *Controller) listFolders(ctx context.Context, accountID string) error {
	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	rs, err := c.provider.Open(ctx, *account)
	if err != nil {
		return err
	}
	defer rs.Close()

	folders, err := rs.ListFolders(ctx)
	if err != nil {
		return err
	}

	remoteNames := make(map[string]bool, len(folders))
	for _, f := range folders {
		remoteNames[f.Name] = true
		mb, err := c.store.FindMailboxByServerID(ctx, accountID, f.Name)
		switch {
		case errors.Is(err, mailerr.ErrNotFound):
			mb = &model.Mailbox{
				AccountID:   accountID,
				ServerID:    f.Name,
				DisplayName: f.Name,
				Type:        model.InferMailboxType(f.Name),
				HoldsMail:   f.HoldsMail,
			}
		case err != nil:
			return err
		case mb.HoldsMail == f.HoldsMail:
			continue
		default:
			mb.HoldsMail = f.HoldsMail
		}
		if err := c.store.SaveMailbox(ctx, mb); err != nil {
			return err
		}
	}

	local, err := c.store.GetMailboxes(ctx, accountID)
	if err != nil {
		return err
	}
	for _, mb := range local {
		if remoteNames[mb.ServerID] || mb.Type.Special() {
			continue
		}
		c.logger.Debug().Str("mailbox", mb.ServerID).Msg("removing mailbox gone from server")
		if err := c.store.DeleteMailbox(ctx, mb.ID); err != nil {
			return err
		}
	}

	return c.ensureOutbox(ctx, accountID)
}

// ensureOutbox creates the local-only outbox that queued mail waits in.
func (c *Controller) ensureOutbox(ctx context.Context, accountID string) error {
	_, err := c.store.FindMailboxOfType(ctx, accountID, model.MailboxOutbox)
	if !errors.Is(err, mailerr.ErrNotFound) {
		return err
	}
	return c.store.SaveMailbox(ctx, &model.Mailbox{
		AccountID:   accountID,
		ServerID:    "Outbox",
		DisplayName: "Outbox",
		Type:        model.MailboxOutbox,
		HoldsMail:   true,
	})
}

// SynchronizeMailbox queues a sync of one mailbox. The outbox is never
// synchronized.
func (c *Controller) SynchronizeMailbox(account model.Account, mailbox model.Mailbox, observer listener.Handle) {
	if mailbox.Type == model.MailboxOutbox {
		return
	}
	c.registry.SynchronizeMailboxStarted(account, mailbox)
	c.queue.Enqueue("synchronizeMailbox", observer, func(ctx context.Context) {
		c.synchronizeMailbox(ctx, account, mailbox)
	})
}

func (c *Controller) synchronizeMailbox(ctx context.Context, account model.Account, mailbox model.Mailbox) {
	c.registry.SynchronizeMailboxStarted(account, mailbox)
	if !mailbox.HoldsMail {
		c.registry.SynchronizeMailboxFinished(account, mailbox, 0, 0)
		return
	}

	res, err := c.syncWithPending(ctx, account, mailbox)
	if err != nil {
		if mailerr.IsAuthError(err) {
			c.notifier.ShowLoginFailed(account.ID)
		}
		c.logger.Warn().
			Err(err).
			Str("account", logging.MaskEmail(account.Email)).
			Str("mailbox", mailbox.ServerID).
			Msg("synchronize failed")
		c.registry.SynchronizeMailboxFailed(account, mailbox, mailerr.ResultOf(err))
		return
	}
	c.registry.SynchronizeMailboxFinished(account, mailbox, res.TotalMessages, res.NewMessages)
	c.notifier.CancelLoginFailed(account.ID)
}

func (c *Controller) syncWithPending(ctx context.Context, account model.Account, mailbox model.Mailbox) (sync.Result, error) {
	if err := c.pending.Process(ctx, account); err != nil {
		return sync.Result{}, err
	}
	return c.synchronizer.SynchronizeMailbox(ctx, account, mailbox)
}

// ProcessPendingActions queues a replay of local edits. Failures are only
// logged; the edits are retried on the next pass.
func (c *Controller) ProcessPendingActions(accountID string) {
	c.queue.Enqueue("processPendingActions", 0, func(ctx context.Context) {
		account, err := c.store.GetAccount(ctx, accountID)
		if err != nil {
			c.logger.Warn().Err(err).Str("account", accountID).Msg("pending actions skipped")
			return
		}
		if err := c.pending.Process(ctx, *account); err != nil {
			c.logger.Warn().Err(err).Str("account", accountID).Msg("pending actions failed")
		}
	})
}

// LoadMessageForView queues a full download of a partially loaded message.
func (c *Controller) LoadMessageForView(messageID string, observer listener.Handle) {
	c.queue.Enqueue("loadMessageForView", observer, func(ctx context.Context) {
		c.registry.LoadMessageForViewStarted(messageID)
		if err := c.loadMessageForView(ctx, messageID); err != nil {
			c.registry.LoadMessageForViewFailed(messageID, mailerr.ResultOf(err))
			return
		}
		c.registry.LoadMessageForViewFinished(messageID)
	})
}

func (c *Controller) loadMessageForView(ctx context.Context, messageID string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.LoadState == model.LoadComplete {
		return nil
	}

	account, mailbox, err := c.accountAndMailbox(ctx, msg.AccountID, msg.MailboxID)
	if err != nil {
		return err
	}
	folder, closeFn, err := c.openFolder(ctx, account, mailbox)
	if err != nil {
		return err
	}
	defer closeFn()

	rm, err := folder.Message(ctx, msg.ServerID)
	if err != nil {
		return err
	}
	if rm == nil {
		return fmt.Errorf("message %s on server: %w", msg.ServerID, mailerr.ErrMessageNotFound)
	}
	profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchBody}}
	if err := folder.Fetch(ctx, []*remote.Message{rm}, profile, nil); err != nil {
		return err
	}
	_, err = c.synchronizer.Materializer().Materialize(ctx, rm, *account, *mailbox, model.LoadComplete)
	return err
}

// LoadAttachment queues the download of one attachment. background marks
// loads the user did not ask for directly; they are only logged differently.
func (c *Controller) LoadAttachment(
	accountID, messageID, mailboxID, attachmentID string,
	observer listener.Handle,
	background bool,
) {
	c.registry.LoadAttachmentStarted(accountID, messageID, attachmentID, true)
	c.queue.Enqueue("loadAttachment", observer, func(ctx context.Context) {
		err := c.loadAttachment(ctx, accountID, messageID, mailboxID, attachmentID)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("attachment", attachmentID).
				Bool("background", background).
				Msg("attachment load failed")
			c.registry.LoadAttachmentFailed(accountID, messageID, attachmentID, mailerr.ResultOf(err))
			return
		}
		c.registry.LoadAttachmentFinished(accountID, messageID, attachmentID)
	})
}

func (c *Controller) loadAttachment(ctx context.Context, accountID, messageID, mailboxID, attachmentID string) error {
	att, err := c.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if att.Loaded() {
		return nil
	}

	account, mailbox, err := c.accountAndMailbox(ctx, accountID, mailboxID)
	if err != nil {
		return err
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	folder, closeFn, err := c.openFolder(ctx, account, mailbox)
	if err != nil {
		return err
	}
	defer closeFn()

	rm, err := folder.Message(ctx, msg.ServerID)
	if err != nil {
		return err
	}
	if rm == nil {
		return fmt.Errorf("message %s on server: %w", msg.ServerID, mailerr.ErrMessageNotFound)
	}

	part := &remote.Part{
		Path:        att.Location,
		ContentType: att.MimeType,
		Encoding:    att.Encoding,
	}
	profile := remote.FetchProfile{Parts: []*remote.Part{part}}
	if err := folder.Fetch(ctx, []*remote.Message{rm}, profile, nil); err != nil {
		return err
	}
	if part.Body == nil {
		return mailerr.Messaging("load attachment", fmt.Errorf("part %s has no content", att.Location))
	}
	return c.store.SaveAttachmentContent(ctx, att.ID, part.Body)
}

// SendPendingMessages queues delivery of everything in the account's outbox.
// Sent messages move to the mailbox sentMailboxID when the server expects the
// client to keep sent copies; otherwise they are deleted.
func (c *Controller) SendPendingMessages(account model.Account, sentMailboxID string, observer listener.Handle) {
	c.queue.Enqueue("sendPendingMessages", observer, func(ctx context.Context) {
		c.sendPendingMessages(ctx, account, sentMailboxID)
	})
}

func (c *Controller) sendPendingMessages(ctx context.Context, account model.Account, sentMailboxID string) {
	outbox, err := c.store.FindMailboxOfType(ctx, account.ID, model.MailboxOutbox)
	if err != nil {
		return
	}
	queued, err := c.store.GetMessages(ctx, outbox.ID)
	if err != nil || len(queued) == 0 {
		return
	}

	c.registry.SendPendingMessagesStarted(account.ID, "")
	if err := c.sendAll(ctx, account, sentMailboxID, queued); err != nil {
		if mailerr.IsAuthError(err) {
			c.notifier.ShowLoginFailed(account.ID)
		}
		c.registry.SendPendingMessagesFailed(account.ID, "", mailerr.ResultOf(err))
		return
	}
	c.registry.SendPendingMessagesCompleted(account.ID)
	c.notifier.CancelLoginFailed(account.ID)
}

func (c *Controller) sendAll(
	ctx context.Context,
	account model.Account,
	sentMailboxID string,
	queued []model.Message,
) error {
	snd, err := c.senders.NewSender(account)
	if err != nil {
		return err
	}

	var requireCopy *bool
	copyToSent := func() bool {
		if requireCopy == nil {
			v := true
			rs, err := c.provider.Open(ctx, account)
			if err != nil {
				c.logger.Warn().Err(err).Msg("remote store unavailable, keeping sent copies")
			} else {
				v = rs.Info().RequireCopyToSent
				_ = rs.Close()
			}
			requireCopy = &v
		}
		return *requireCopy
	}

	for _, msg := range queued {
		if msg.LoadState == model.LoadDeleted {
			continue
		}
		c.registry.SendPendingMessagesStarted(account.ID, msg.ID)

		unloaded, err := c.store.HasUnloadedAttachments(ctx, msg.ID)
		if err != nil {
			return err
		}
		if unloaded {
			c.logger.Debug().Str("message", msg.ID).Msg("attachments not downloaded, send postponed")
			continue
		}

		if err := snd.SendMessage(ctx, msg.ID); err != nil {
			if mailerr.IsAuthError(err) {
				c.notifier.ShowLoginFailed(account.ID)
			}
			c.registry.SendPendingMessagesFailed(account.ID, msg.ID, mailerr.ResultOf(err))
			continue
		}

		if sentMailboxID != "" && copyToSent() {
			msg.MailboxID = sentMailboxID
			msg.ServerID = ""
			if err := c.store.SaveMessage(ctx, &msg); err != nil {
				return err
			}
			continue
		}
		if err := c.store.DeleteMessage(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// CheckMail refreshes folders, sends queued mail and synchronizes the inbox.
// tag is echoed back in the check-mail events.
func (c *Controller) CheckMail(accountID string, tag int64, observer listener.Handle) {
	c.registry.CheckMailStarted(accountID, tag)
	c.ListFolders(accountID, 0)
	c.queue.Enqueue("checkMail", observer, func(ctx context.Context) {
		defer c.registry.CheckMailFinished(accountID, tag)

		account, err := c.store.GetAccount(ctx, accountID)
		if err != nil {
			c.logger.Warn().Err(err).Str("account", accountID).Msg("check mail skipped")
			return
		}
		if sent, err := c.store.FindMailboxOfType(ctx, accountID, model.MailboxSent); err == nil {
			c.sendPendingMessages(ctx, *account, sent.ID)
		}
		if inbox, err := c.store.FindMailboxOfType(ctx, accountID, model.MailboxInbox); err == nil {
			c.synchronizeMailbox(ctx, *account, *inbox)
		}
	})
}

func (c *Controller) accountAndMailbox(
	ctx context.Context,
	accountID, mailboxID string,
) (*model.Account, *model.Mailbox, error) {
	account, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	mailbox, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, nil, err
	}
	return account, mailbox, nil
}

// openFolder connects and opens the mailbox's remote folder read-write. The
// returned function closes both.
func (c *Controller) openFolder(
	ctx context.Context,
	account *model.Account,
	mailbox *model.Mailbox,
) (remote.Folder, func(), error) {
	rs, err := c.provider.Open(ctx, *account)
	if err != nil {
		return nil, nil, err
	}
	folder := rs.Folder(mailbox.ServerID)
	if err := folder.Open(ctx, remote.ReadWrite); err != nil {
		_ = rs.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = folder.Close(ctx, false)
		_ = rs.Close()
	}
	return folder, closeFn, nil
}
