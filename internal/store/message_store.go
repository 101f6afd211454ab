package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		account_id = excluded.account_id,
		mailbox_id = excluded.mailbox_id,
		server_id = excluded.server_id,
		message_id = excluded.message_id,
		subject = excluded.subject,
		from_addr = excluded.from_addr,
		to_addrs = excluded.to_addrs,
		cc_addrs = excluded.cc_addrs,
		sent_at = excluded.sent_at,
		server_timestamp = excluded.server_timestamp,
		flag_read = excluded.flag_read,
		flag_flagged = excluded.flag_flagged,
		flag_attachment = excluded.flag_attachment,
		load_state = excluded.load_state,
		snippet = excluded.snippet,
		size = excluded.size`

// saveMessage upserts msg through ext, which may be the DB or a transaction.
func saveMessage(ctx context.Context, ext sqlx.ExecerContext, msg *model.Message) error {
	if msg.AccountID == "" || msg.MailboxID == "" {
		return fmt.Errorf("message requires account and mailbox id")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	_, err := ext.ExecContext(ctx, upsertMessageSQL,
		msg.ID, msg.AccountID, msg.MailboxID, msg.ServerID, msg.MessageID,
		msg.Subject, msg.From, msg.To, msg.Cc, msg.Date.UTC(), msg.ServerTimestamp.UTC(),
		boolToInt(msg.Read), boolToInt(msg.Flagged), boolToInt(msg.HasAttachment),
		int(msg.LoadState), msg.Snippet, msg.Size,
	)
	if err != nil {
		return fmt.Errorf("saving message %s: %w", msg.ID, err)
	}
	return nil
}

// SaveMessage inserts or updates a message record without touching the
// shadow tables.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	return saveMessage(ctx, s.db, msg)
}

// GetMessage retrieves a message by its local ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, mailerr.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &msg, nil
}

// FindMessageByServerID looks up a message by its remote UID within a mailbox.
func (s *SQLiteStore) FindMessageByServerID(
	ctx context.Context,
	mailboxID, serverID string,
) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg,
		"SELECT * FROM messages WHERE mailbox_id = ? AND server_id = ? LIMIT 1",
		mailboxID, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding message %s: %w", serverID, err)
	}
	return &msg, nil
}

// GetMessages returns every record in a mailbox, newest first. Tombstones
// are included.
func (s *SQLiteStore) GetMessages(ctx context.Context, mailboxID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM messages WHERE mailbox_id = ? ORDER BY sent_at DESC", mailboxID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return msgs, nil
}

// CountMessages counts the visible (non-tombstone) records of a mailbox.
func (s *SQLiteStore) CountMessages(ctx context.Context, mailboxID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND load_state != ?",
		mailboxID, int(model.LoadDeleted))
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// CountUnread counts the visible unread records of a mailbox.
func (s *SQLiteStore) CountUnread(ctx context.Context, mailboxID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages
		WHERE mailbox_id = ? AND flag_read = 0 AND load_state != ?`,
		mailboxID, int(model.LoadDeleted))
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// GetUnsyncedMessages returns records of a mailbox that have no server ID.
func (s *SQLiteStore) GetUnsyncedMessages(ctx context.Context, mailboxID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE mailbox_id = ? AND server_id = '' AND load_state != ?
		ORDER BY sent_at`,
		mailboxID, int(model.LoadDeleted))
	if err != nil {
		return nil, fmt.Errorf("querying unsynced messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessageFlags sets the read and flagged state of a record.
func (s *SQLiteStore) UpdateMessageFlags(ctx context.Context, id string, read, flagged bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET flag_read = ?, flag_flagged = ? WHERE id = ?",
		boolToInt(read), boolToInt(flagged), id)
	if err != nil {
		return fmt.Errorf("updating flags of message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, mailerr.ErrMessageNotFound)
	}
	return nil
}

// UpdateMessageServerID records the remote UID assigned to a record.
func (s *SQLiteStore) UpdateMessageServerID(
	ctx context.Context,
	id, serverID string,
	serverTimestamp time.Time,
) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET server_id = ?, server_timestamp = ? WHERE id = ?",
		serverID, serverTimestamp.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating server id of message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, mailerr.ErrMessageNotFound)
	}
	return nil
}

// DeleteMessage removes a record, its body, its attachments and any shadow
// rows. Deleting a missing record is not an error.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, query := range []string{
			"DELETE FROM message_updates WHERE id = ?",
			"DELETE FROM message_deletes WHERE id = ?",
			"DELETE FROM messages WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return fmt.Errorf("deleting message %s: %w", id, err)
			}
		}
		return nil
	})
}

// UpdateMessageLocal saves a user edit. The state before the first edit is
// kept in message_updates until the change is replayed remotely.
func (s *SQLiteStore) UpdateMessageLocal(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("local update requires a message id")
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_updates (`+messageColumns+`)
			SELECT `+messageColumns+` FROM messages WHERE id = ?`, msg.ID)
		if err != nil {
			return fmt.Errorf("recording prior state of message %s: %w", msg.ID, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			var exists int
			if err := tx.GetContext(ctx, &exists,
				"SELECT COUNT(*) FROM messages WHERE id = ?", msg.ID); err != nil {
				return fmt.Errorf("checking message %s: %w", msg.ID, err)
			}
			if exists == 0 {
				return fmt.Errorf("message %s: %w", msg.ID, mailerr.ErrMessageNotFound)
			}
		}
		return saveMessage(ctx, tx, msg)
	})
}

// DeleteMessageLocal removes a record on behalf of the user and records its
// current state in message_deletes. Any pending update is superseded.
func (s *SQLiteStore) DeleteMessageLocal(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO message_deletes (`+messageColumns+`)
			SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("recording deleted message %s: %w", id, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("message %s: %w", id, mailerr.ErrMessageNotFound)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_updates WHERE id = ?", id); err != nil {
			return fmt.Errorf("clearing pending update %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting message %s: %w", id, err)
		}
		return nil
	})
}
