package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// SaveMailbox inserts or updates a mailbox. Generates a UUID if ID is empty.
func (s *SQLiteStore) SaveMailbox(ctx context.Context, mb *model.Mailbox) error {
	if mb.AccountID == "" || mb.ServerID == "" {
		return fmt.Errorf("mailbox requires account and server id")
	}
	if mb.ID == "" {
		mb.ID = uuid.New().String()
	}
	if mb.DisplayName == "" {
		mb.DisplayName = mb.ServerID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (
			id, account_id, server_id, display_name,
			type, holds_mail, visible_limit
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			display_name = excluded.display_name,
			type = excluded.type,
			holds_mail = excluded.holds_mail,
			visible_limit = excluded.visible_limit`,
		mb.ID, mb.AccountID, mb.ServerID, mb.DisplayName,
		int(mb.Type), boolToInt(mb.HoldsMail), mb.VisibleLimit,
	)
	if err != nil {
		return fmt.Errorf("saving mailbox %s: %w", mb.ServerID, err)
	}
	return nil
}

// GetMailbox retrieves a mailbox by ID.
func (s *SQLiteStore) GetMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	return s.getMailbox(ctx, "SELECT * FROM mailboxes WHERE id = ?", id)
}

// FindMailboxByServerID looks up a mailbox by its remote path.
func (s *SQLiteStore) FindMailboxByServerID(
	ctx context.Context,
	accountID, serverID string,
) (*model.Mailbox, error) {
	return s.getMailbox(ctx,
		"SELECT * FROM mailboxes WHERE account_id = ? AND server_id = ?",
		accountID, serverID)
}

// FindMailboxOfType returns the first mailbox of the given role.
func (s *SQLiteStore) FindMailboxOfType(
	ctx context.Context,
	accountID string,
	t model.MailboxType,
) (*model.Mailbox, error) {
	return s.getMailbox(ctx,
		"SELECT * FROM mailboxes WHERE account_id = ? AND type = ? ORDER BY server_id LIMIT 1",
		accountID, int(t))
}

func (s *SQLiteStore) getMailbox(ctx context.Context, query string, args ...interface{}) (*model.Mailbox, error) {
	var mb model.Mailbox
	err := s.db.GetContext(ctx, &mb, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.ErrMailboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mailbox: %w", err)
	}
	return &mb, nil
}

// GetMailboxes returns all mailboxes of an account.
func (s *SQLiteStore) GetMailboxes(ctx context.Context, accountID string) ([]model.Mailbox, error) {
	var mailboxes []model.Mailbox
	err := s.db.SelectContext(ctx, &mailboxes,
		"SELECT * FROM mailboxes WHERE account_id = ? ORDER BY server_id", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying mailboxes: %w", err)
	}
	return mailboxes, nil
}

// GetMailboxesOfType returns every mailbox of the given role.
func (s *SQLiteStore) GetMailboxesOfType(
	ctx context.Context,
	accountID string,
	t model.MailboxType,
) ([]model.Mailbox, error) {
	var mailboxes []model.Mailbox
	err := s.db.SelectContext(ctx, &mailboxes,
		"SELECT * FROM mailboxes WHERE account_id = ? AND type = ? ORDER BY server_id",
		accountID, int(t))
	if err != nil {
		return nil, fmt.Errorf("querying %s mailboxes: %w", t, err)
	}
	return mailboxes, nil
}

// DeleteMailbox removes a mailbox. Messages, bodies and attachments go with
// it through foreign keys; shadow rows are removed explicitly.
func (s *SQLiteStore) DeleteMailbox(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"message_updates", "message_deletes"} {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM `+table+`
				WHERE mailbox_id = ?
				   OR id IN (SELECT id FROM messages WHERE mailbox_id = ?)`, id, id)
			if err != nil {
				return fmt.Errorf("clearing %s for mailbox %s: %w", table, id, err)
			}
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting mailbox %s: %w", id, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("mailbox %s: %w", id, mailerr.ErrMailboxNotFound)
		}
		return nil
	})
}
