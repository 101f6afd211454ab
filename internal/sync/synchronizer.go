// Package sync reconciles local mailboxes with their remote counterparts:
// downloading new mail, replaying local edits and polling accounts.
package sync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// MaxSmallMessageSize is the largest message, in bytes, downloaded whole
// during a sync pass. Larger messages get their structure first.
const MaxSmallMessageSize = 25 * 1024

// Result summarizes a sync pass.
type Result struct {
	// TotalMessages is the number of messages in the remote folder.
	TotalMessages int
	// NewMessages is the number of unread messages downloaded in this pass.
	NewMessages int
}

// Synchronizer runs the generic sync algorithm for one mailbox.
type Synchronizer struct {
	store        store.Store
	provider     remote.Provider
	materializer *Materializer
	logger       zerolog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(s store.Store, provider remote.Provider, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store:        s,
		provider:     provider,
		materializer: NewMaterializer(s, logger),
		logger:       logger.With().Str("component", "synchronizer").Logger(),
	}
}

// Materializer returns the materializer the synchronizer writes through.
func (s *Synchronizer) Materializer() *Materializer {
	return s.materializer
}

// SynchronizeMailbox brings mailbox up to date with the remote folder of the
// same name. Remote errors abort the pass; work already stored stays.
func (s *Synchronizer) SynchronizeMailbox(
	ctx context.Context,
	account model.Account,
	mailbox model.Mailbox,
) (Result, error) {
	log := s.logger.With().
		Str("account", logging.MaskEmail(account.Email)).
		Str("mailbox", mailbox.ServerID).
		Logger()

	// Drafts and the outbox are never synced in either direction.
	if mailbox.Type == model.MailboxDrafts || mailbox.Type == model.MailboxOutbox {
		count, err := s.store.CountMessages(ctx, mailbox.ID)
		if err != nil {
			return Result{}, fmt.Errorf("counting %s: %w", mailbox.ServerID, err)
		}
		return Result{TotalMessages: count}, nil
	}

	localMessages, err := s.store.GetMessages(ctx, mailbox.ID)
	if err != nil {
		return Result{}, fmt.Errorf("loading local messages: %w", err)
	}
	local := make(map[string]model.Message, len(localMessages))
	for _, m := range localMessages {
		if m.IsLocalOnly() {
			continue
		}
		local[m.ServerID] = m
	}
	unread, err := s.store.CountUnread(ctx, mailbox.ID)
	if err != nil {
		return Result{}, fmt.Errorf("counting unread: %w", err)
	}

	rs, err := s.provider.Open(ctx, account)
	if err != nil {
		return Result{}, err
	}
	defer rs.Close()

	folder := rs.Folder(mailbox.ServerID)
	if mailbox.Type == model.MailboxTrash || mailbox.Type == model.MailboxSent {
		exists, err := folder.Exists(ctx)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			if !folder.CanCreate() {
				return Result{}, nil
			}
			if err := folder.Create(ctx); err != nil {
				log.Warn().Err(err).Msg("could not create remote folder")
				return Result{}, nil
			}
		}
	}

	if err := folder.Open(ctx, remote.ReadWrite); err != nil {
		return Result{}, err
	}
	count, err := folder.MessageCount(ctx)
	if err != nil {
		return Result{}, err
	}

	limit := mailbox.VisibleLimit
	if limit <= 0 {
		limit = rs.Info().VisibleLimitDefault
	}
	// A limit of zero or less leaves the window empty.
	start := max(0, count-max(limit, 0)) + 1

	var window []*remote.Message
	if start <= count {
		window, err = folder.Messages(ctx, start, count)
		if err != nil {
			return Result{}, err
		}
	}

	inWindow := make(map[string]bool, len(window))
	var unsynced []*remote.Message
	rawNew := 0
	for _, rm := range window {
		inWindow[rm.UID] = true
		lm, ok := local[rm.UID]
		if !ok {
			rawNew++
		}
		if !ok || lm.LoadState == model.LoadUnloaded {
			unsynced = append(unsynced, rm)
		}
	}

	log.Debug().
		Int("remote", count).
		Int("window", len(window)).
		Int("unsynced", len(unsynced)).
		Int("new", rawNew).
		Int("unread_before", unread).
		Msg("sync window computed")

	newMessages := 0
	if len(unsynced) > 0 {
		profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchFlags, remote.FetchEnvelope}}
		err := folder.Fetch(ctx, unsynced, profile, func(rm *remote.Message) {
			var existing *model.Message
			if lm, ok := local[rm.UID]; ok {
				existing = &lm
			}
			if _, err := s.materializer.SaveHeaders(ctx, rm, account, mailbox, existing); err != nil {
				log.Error().Err(err).Str("uid", rm.UID).Msg("failed to save headers")
				return
			}
			if !rm.IsSet(remote.FlagSeen) {
				newMessages++
			}
		})
		if err != nil {
			return Result{}, err
		}
	}

	if err := s.syncFlags(ctx, folder, window, local); err != nil {
		return Result{}, err
	}

	for serverID, lm := range local {
		if inWindow[serverID] {
			continue
		}
		if err := s.store.DeleteMessage(ctx, lm.ID); err != nil {
			log.Error().Err(err).Str("message", lm.ID).Msg("failed to remove message gone from server")
		}
	}

	if err := s.downloadContent(ctx, folder, unsynced, account, mailbox); err != nil {
		return Result{}, err
	}

	if err := folder.Close(ctx, false); err != nil {
		return Result{}, err
	}

	log.Info().
		Int("total", count).
		Int("new", newMessages).
		Msg("mailbox synchronized")
	return Result{TotalMessages: count, NewMessages: newMessages}, nil
}

// syncFlags copies remote read and flagged state onto records that existed
// before the pass. Remote state wins.
func (s *Synchronizer) syncFlags(
	ctx context.Context,
	folder remote.Folder,
	window []*remote.Message,
	local map[string]model.Message,
) error {
	seenOK := remote.HasPermanentFlag(folder, remote.FlagSeen)
	flaggedOK := remote.HasPermanentFlag(folder, remote.FlagFlagged)
	if len(window) == 0 || (!seenOK && !flaggedOK) {
		return nil
	}

	profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchFlags}}
	return folder.Fetch(ctx, window, profile, func(rm *remote.Message) {
		lm, ok := local[rm.UID]
		if !ok || lm.LoadState == model.LoadDeleted {
			return
		}
		read, flagged := lm.Read, lm.Flagged
		if seenOK {
			read = rm.IsSet(remote.FlagSeen)
		}
		if flaggedOK {
			flagged = rm.IsSet(remote.FlagFlagged)
		}
		if read == lm.Read && flagged == lm.Flagged {
			return
		}
		if err := s.store.UpdateMessageFlags(ctx, lm.ID, read, flagged); err != nil {
			s.logger.Error().Err(err).Str("message", lm.ID).Msg("failed to update flags")
		}
	})
}

// downloadContent fetches bodies for unsynced messages in size tiers.
func (s *Synchronizer) downloadContent(
	ctx context.Context,
	folder remote.Folder,
	unsynced []*remote.Message,
	account model.Account,
	mailbox model.Mailbox,
) error {
	var small, large []*remote.Message
	for _, rm := range unsynced {
		if rm.Size > MaxSmallMessageSize {
			large = append(large, rm)
		} else {
			small = append(small, rm)
		}
	}

	materialize := func(state model.LoadState) func(*remote.Message) {
		return func(rm *remote.Message) {
			if _, err := s.materializer.Materialize(ctx, rm, account, mailbox, state); err != nil {
				s.logger.Error().Err(err).Str("uid", rm.UID).Msg("failed to store message")
			}
		}
	}

	if len(small) > 0 {
		profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchBody}}
		if err := folder.Fetch(ctx, small, profile, materialize(model.LoadComplete)); err != nil {
			return err
		}
	}

	if len(large) == 0 {
		return nil
	}
	profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchStructure}}
	if err := folder.Fetch(ctx, large, profile, nil); err != nil {
		return err
	}

	var sane []*remote.Message
	for _, rm := range large {
		if rm.Structure == nil {
			sane = append(sane, rm)
			continue
		}
		viewables, _ := remote.CollectParts(rm.Structure)
		profile := remote.FetchProfile{Parts: viewables}
		if err := folder.Fetch(ctx, []*remote.Message{rm}, profile, nil); err != nil {
			return err
		}
		materialize(model.LoadComplete)(rm)
	}

	if len(sane) > 0 {
		profile := remote.FetchProfile{Items: []remote.FetchItem{remote.FetchBodySane}}
		if err := folder.Fetch(ctx, sane, profile, materialize(model.LoadPartial)); err != nil {
			return err
		}
	}
	return nil
}
