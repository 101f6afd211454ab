package store

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// PendingDeletes returns the recorded state of every locally deleted message
// of an account, grouped by mailbox.
func (s *SQLiteStore) PendingDeletes(ctx context.Context, accountID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM message_deletes WHERE account_id = ? ORDER BY mailbox_id, id", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying pending deletes: %w", err)
	}
	return msgs, nil
}

// PendingUpdates returns the prior state of every locally edited message of
// an account, grouped by mailbox.
func (s *SQLiteStore) PendingUpdates(ctx context.Context, accountID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM message_updates WHERE account_id = ? ORDER BY mailbox_id, id", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying pending updates: %w", err)
	}
	return msgs, nil
}

// PendingUpdatesInMailbox returns pending updates whose prior state was in
// the given mailbox.
func (s *SQLiteStore) PendingUpdatesInMailbox(ctx context.Context, mailboxID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM message_updates WHERE mailbox_id = ? ORDER BY id", mailboxID)
	if err != nil {
		return nil, fmt.Errorf("querying pending updates of mailbox %s: %w", mailboxID, err)
	}
	return msgs, nil
}

// ClearPendingDelete drops the shadow delete row of a message.
func (s *SQLiteStore) ClearPendingDelete(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM message_deletes WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("clearing pending delete %s: %w", messageID, err)
	}
	return nil
}

// ClearPendingUpdate drops the shadow update row of a message.
func (s *SQLiteStore) ClearPendingUpdate(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM message_updates WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("clearing pending update %s: %w", messageID, err)
	}
	return nil
}
