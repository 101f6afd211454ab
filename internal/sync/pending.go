package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// PendingProcessor replays local edits recorded in the shadow tables to the
// remote server.
type PendingProcessor struct {
	store    store.Store
	provider remote.Provider
	logger   zerolog.Logger
}

// NewPendingProcessor creates a PendingProcessor.
func NewPendingProcessor(s store.Store, provider remote.Provider, logger zerolog.Logger) *PendingProcessor {
	return &PendingProcessor{
		store:    s,
		provider: provider,
		logger:   logger.With().Str("component", "pending").Logger(),
	}
}

// session opens the remote store on first use and remembers the outcome.
type session struct {
	provider remote.Provider
	account  model.Account
	rs       remote.Store
	err      error
}

func (s *session) get(ctx context.Context) (remote.Store, error) {
	if s.rs == nil && s.err == nil {
		s.rs, s.err = s.provider.Open(ctx, s.account)
	}
	return s.rs, s.err
}

func (s *session) close() {
	if s.rs != nil {
		_ = s.rs.Close()
	}
}

// Process runs the delete, upload and update phases in that order. A phase
// that fails is abandoned and its remaining rows wait for the next pass. Only
// an authentication failure is returned.
func (p *PendingProcessor) Process(ctx context.Context, account model.Account) error {
	log := p.logger.With().Str("account", logging.MaskEmail(account.Email)).Logger()
	sess := &session{provider: p.provider, account: account}
	defer sess.close()

	var firstErr error
	phases := []struct {
		name string
		run  func(context.Context, *session, model.Account) error
	}{
		{"deletes", p.processDeletes},
		{"uploads", p.processUploads},
		{"updates", p.processUpdates},
	}
	for _, phase := range phases {
		if err := phase.run(ctx, sess, account); err != nil {
			log.Warn().Err(err).Str("phase", phase.name).Msg("pending phase aborted")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if mailerr.IsAuthError(firstErr) {
		return firstErr
	}
	return nil
}

func (p *PendingProcessor) processDeletes(ctx context.Context, sess *session, account model.Account) error {
	rows, err := p.store.PendingDeletes(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("loading pending deletes: %w", err)
	}

	for _, row := range rows {
		mailbox, err := p.store.GetMailbox(ctx, row.MailboxID)
		if errors.Is(err, mailerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if mailbox.Type == model.MailboxTrash && !row.IsLocalOnly() {
			rs, err := sess.get(ctx)
			if err != nil {
				return err
			}
			if err := p.deleteFromTrash(ctx, rs, *mailbox, row); err != nil {
				p.logger.Warn().Err(err).Str("message", row.ID).Msg("remote delete failed")
			}
		}

		if err := p.store.ClearPendingDelete(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// deleteFromTrash permanently removes a message from the remote trash.
func (p *PendingProcessor) deleteFromTrash(
	ctx context.Context,
	rs remote.Store,
	trash model.Mailbox,
	row model.Message,
) error {
	folder := rs.Folder(trash.ServerID)
	exists, err := folder.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	if err := folder.Open(ctx, remote.ReadWrite); err != nil {
		return err
	}
	defer folder.Close(ctx, false)
	if folder.Mode() != remote.ReadWrite {
		return nil
	}

	rm, err := folder.Message(ctx, row.ServerID)
	if err != nil || rm == nil {
		return err
	}
	if err := folder.SetFlags(ctx, []*remote.Message{rm}, []remote.Flag{remote.FlagDeleted}, true); err != nil {
		return err
	}
	return folder.Expunge(ctx)
}

func (p *PendingProcessor) processUploads(ctx context.Context, sess *session, account model.Account) error {
	sentBoxes, err := p.store.GetMailboxesOfType(ctx, account.ID, model.MailboxSent)
	if err != nil {
		return fmt.Errorf("loading sent mailboxes: %w", err)
	}

	for _, sent := range sentBoxes {
		unsynced, err := p.store.GetUnsyncedMessages(ctx, sent.ID)
		if err != nil {
			return fmt.Errorf("loading unsynced messages: %w", err)
		}
		for _, m := range unsynced {
			if err := p.uploadMessage(ctx, sess, sent, m.ID, false); err != nil {
				return err
			}
		}

		updated, err := p.store.PendingUpdatesInMailbox(ctx, sent.ID)
		if err != nil {
			return fmt.Errorf("loading pending updates: %w", err)
		}
		for _, row := range updated {
			if err := p.uploadMessage(ctx, sess, sent, row.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// uploadMessage appends one message to the remote sent folder. When the
// message came from the update table, the row is cleared once handled.
func (p *PendingProcessor) uploadMessage(
	ctx context.Context,
	sess *session,
	sent model.Mailbox,
	messageID string,
	fromUpdate bool,
) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, mailerr.ErrNotFound) {
		if fromUpdate {
			return p.store.ClearPendingUpdate(ctx, messageID)
		}
		return nil
	}
	if err != nil {
		return err
	}

	current, err := p.store.GetMailbox(ctx, msg.MailboxID)
	if errors.Is(err, mailerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch current.Type {
	case model.MailboxDrafts, model.MailboxOutbox, model.MailboxTrash:
		return nil
	}
	if current.ID != sent.ID {
		// Moved away; the update phase deals with it.
		return nil
	}

	rs, err := sess.get(ctx)
	if err != nil {
		return err
	}
	done, err := p.appendMessage(ctx, rs, sent, msg)
	if err != nil {
		return err
	}
	if done && fromUpdate {
		return p.store.ClearPendingUpdate(ctx, messageID)
	}
	return nil
}

// appendMessage uploads a local message, resolving a conflict with an
// existing remote copy by internal date. It reports whether the message
// needs no further upload.
func (p *PendingProcessor) appendMessage(
	ctx context.Context,
	rs remote.Store,
	mailbox model.Mailbox,
	msg *model.Message,
) (bool, error) {
	folder := rs.Folder(mailbox.ServerID)
	exists, err := folder.Exists(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		if !folder.CanCreate() {
			// The server cannot hold it; mark it so it is not retried.
			if msg.ServerID == "" {
				serverID := model.LocalServerIDPrefix + msg.ID
				if err := p.store.UpdateMessageServerID(ctx, msg.ID, serverID, msg.ServerTimestamp); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		if err := folder.Create(ctx); err != nil {
			p.logger.Warn().Err(err).Str("folder", mailbox.ServerID).Msg("could not create remote folder")
			return false, nil
		}
	}

	if err := folder.Open(ctx, remote.ReadWrite); err != nil {
		return false, err
	}
	defer folder.Close(ctx, false)
	if folder.Mode() != remote.ReadWrite {
		return false, nil
	}

	var existing *remote.Message
	if !msg.IsLocalOnly() {
		existing, err = folder.Message(ctx, msg.ServerID)
		if err != nil {
			return false, err
		}
	}

	var uploaded *remote.Message
	if existing == nil {
		uploaded, err = p.appendLocalCopy(ctx, folder, msg)
		if err != nil {
			return false, err
		}
	} else {
		profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchEnvelope}}
		if err := folder.Fetch(ctx, []*remote.Message{existing}, profile, nil); err != nil {
			return false, err
		}
		if existing.InternalDate.After(msg.ServerTimestamp) {
			// Remote copy is newer; it will come back down on the next sync.
			p.logger.Debug().Str("message", msg.ID).Msg("remote copy newer, discarding local")
			if err := p.store.DeleteMessage(ctx, msg.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		uploaded, err = p.appendLocalCopy(ctx, folder, msg)
		if err != nil {
			return false, err
		}
		if err := folder.SetFlags(ctx, []*remote.Message{existing}, []remote.Flag{remote.FlagDeleted}, true); err != nil {
			return false, err
		}
	}

	if uploaded.UID == "" {
		return true, nil
	}

	timestamp := msg.ServerTimestamp
	if nm, err := folder.Message(ctx, uploaded.UID); err == nil && nm != nil {
		profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchEnvelope}}
		if err := folder.Fetch(ctx, []*remote.Message{nm}, profile, nil); err == nil && !nm.InternalDate.IsZero() {
			timestamp = nm.InternalDate
		}
	}
	if err := p.store.UpdateMessageServerID(ctx, msg.ID, uploaded.UID, timestamp); err != nil {
		return false, err
	}
	return true, nil
}

// appendLocalCopy renders msg and appends it to folder.
func (p *PendingProcessor) appendLocalCopy(
	ctx context.Context,
	folder remote.Folder,
	msg *model.Message,
) (*remote.Message, error) {
	body, err := p.store.GetBody(ctx, msg.ID)
	if err != nil && !errors.Is(err, mailerr.ErrNotFound) {
		return nil, err
	}
	attachments, err := p.store.GetAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	raw, err := BuildRaw(msg, body, attachments)
	if err != nil {
		return nil, err
	}

	rm := &remote.Message{
		Raw:          raw,
		InternalDate: msg.ServerTimestamp,
		Envelope:     &remote.Envelope{MessageID: msg.MessageID, Subject: msg.Subject, Date: msg.Date},
	}
	if msg.Read {
		rm.Flags = append(rm.Flags, remote.FlagSeen)
	}
	if msg.Flagged {
		rm.Flags = append(rm.Flags, remote.FlagFlagged)
	}
	if err := folder.AppendMessages(ctx, []*remote.Message{rm}); err != nil {
		return nil, err
	}
	return rm, nil
}

func (p *PendingProcessor) processUpdates(ctx context.Context, sess *session, account model.Account) error {
	rows, err := p.store.PendingUpdates(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("loading pending updates: %w", err)
	}

	for _, orig := range rows {
		current, err := p.store.GetMessage(ctx, orig.ID)
		if errors.Is(err, mailerr.ErrNotFound) {
			if err := p.store.ClearPendingUpdate(ctx, orig.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		mailbox, err := p.store.GetMailbox(ctx, current.MailboxID)
		if errors.Is(err, mailerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		moved := orig.MailboxID != current.MailboxID
		switch {
		case moved && mailbox.Type == model.MailboxTrash:
			err = p.moveToTrash(ctx, sess, account, orig, *current, *mailbox)
		case moved || orig.Read != current.Read || orig.Flagged != current.Flagged:
			err = p.applyDataChange(ctx, sess, orig, *current, *mailbox)
		}
		if err != nil {
			return err
		}

		if err := p.store.ClearPendingUpdate(ctx, orig.ID); err != nil {
			return err
		}
	}
	return nil
}

// moveToTrash mirrors a local move into the trash. Accounts that never delete
// remotely get a tombstone in the old mailbox instead.
func (p *PendingProcessor) moveToTrash(
	ctx context.Context,
	sess *session,
	account model.Account,
	orig, current model.Message,
	trash model.Mailbox,
) error {
	if current.IsLocalOnly() {
		return nil
	}
	oldMailbox, err := p.store.GetMailbox(ctx, orig.MailboxID)
	if errors.Is(err, mailerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if oldMailbox.Type == model.MailboxTrash {
		return nil
	}

	if account.DeletePolicy == model.DeletePolicyNever {
		tombstone := model.Message{
			AccountID:       account.ID,
			MailboxID:       oldMailbox.ID,
			ServerID:        current.ServerID,
			ServerTimestamp: current.ServerTimestamp,
			Read:            true,
			LoadState:       model.LoadDeleted,
		}
		return p.store.SaveMessage(ctx, &tombstone)
	}

	rs, err := sess.get(ctx)
	if err != nil {
		return err
	}
	src := rs.Folder(oldMailbox.ServerID)
	exists, err := src.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	if err := src.Open(ctx, remote.ReadWrite); err != nil {
		return err
	}
	defer src.Close(ctx, false)
	if src.Mode() != remote.ReadWrite {
		return nil
	}
	rm, err := src.Message(ctx, current.ServerID)
	if err != nil || rm == nil {
		return err
	}

	dest := rs.Folder(trash.ServerID)
	exists, err = dest.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := dest.Create(ctx); err != nil {
			p.logger.Warn().Err(err).Str("folder", trash.ServerID).Msg("cannot create trash, deleting without copy")
		} else {
			exists = true
		}
	}
	if exists {
		if err := p.copyToTrash(ctx, src, dest, rm, current); err != nil {
			return err
		}
	}

	if err := src.SetFlags(ctx, []*remote.Message{rm}, []remote.Flag{remote.FlagDeleted}, true); err != nil {
		return err
	}
	return src.Expunge(ctx)
}

func (p *PendingProcessor) copyToTrash(
	ctx context.Context,
	src, dest remote.Folder,
	rm *remote.Message,
	current model.Message,
) error {
	return src.CopyMessages(ctx, []*remote.Message{rm}, dest, remote.CopyCallbacks{
		OnUIDChange: func(_ *remote.Message, newUID string) {
			if err := p.store.UpdateMessageServerID(ctx, current.ID, newUID, current.ServerTimestamp); err != nil {
				p.logger.Error().Err(err).Str("message", current.ID).Msg("failed to record new uid")
			}
		},
		OnNotFound: func(*remote.Message) {
			if err := p.store.DeleteMessage(ctx, current.ID); err != nil {
				p.logger.Error().Err(err).Str("message", current.ID).Msg("failed to drop vanished message")
			}
		},
	})
}

// applyDataChange pushes read and flagged state and, for moves, copies the
// message into its new folder and expunges the original.
func (p *PendingProcessor) applyDataChange(
	ctx context.Context,
	sess *session,
	orig, current model.Message,
	mailbox model.Mailbox,
) error {
	if current.IsLocalOnly() {
		return nil
	}
	moved := orig.MailboxID != current.MailboxID
	source := mailbox
	if moved {
		old, err := p.store.GetMailbox(ctx, orig.MailboxID)
		if errors.Is(err, mailerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		source = *old
	}
	if source.Type == model.MailboxDrafts || source.Type == model.MailboxOutbox {
		return nil
	}

	rs, err := sess.get(ctx)
	if err != nil {
		return err
	}
	folder := rs.Folder(source.ServerID)
	exists, err := folder.Exists(ctx)
	if err != nil || !exists {
		return err
	}
	if err := folder.Open(ctx, remote.ReadWrite); err != nil {
		return err
	}
	defer folder.Close(ctx, false)
	if folder.Mode() != remote.ReadWrite {
		return nil
	}
	rm, err := folder.Message(ctx, current.ServerID)
	if err != nil || rm == nil {
		return err
	}
	target := []*remote.Message{rm}

	if orig.Read != current.Read {
		if err := folder.SetFlags(ctx, target, []remote.Flag{remote.FlagSeen}, current.Read); err != nil {
			return err
		}
	}
	if orig.Flagged != current.Flagged {
		if err := folder.SetFlags(ctx, target, []remote.Flag{remote.FlagFlagged}, current.Flagged); err != nil {
			return err
		}
	}
	if !moved {
		return nil
	}

	dest := rs.Folder(mailbox.ServerID)
	err = folder.CopyMessages(ctx, target, dest, remote.CopyCallbacks{
		OnUIDChange: func(_ *remote.Message, newUID string) {
			if err := p.store.UpdateMessageServerID(ctx, current.ID, newUID, current.ServerTimestamp); err != nil {
				p.logger.Error().Err(err).Str("message", current.ID).Msg("failed to record new uid")
			}
		},
	})
	if err != nil {
		return err
	}
	if err := folder.SetFlags(ctx, target, []remote.Flag{remote.FlagDeleted}, true); err != nil {
		return err
	}
	return folder.Expunge(ctx)
}
