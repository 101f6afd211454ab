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

// SaveMessageContent persists a record together with its body and the full
// set of its attachments in one transaction. Existing attachment rows of the
// message are replaced by atts. A nil body leaves the stored body unchanged.
func (s *SQLiteStore) SaveMessageContent(
	ctx context.Context,
	msg *model.Message,
	body *model.Body,
	atts []model.Attachment,
) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := saveMessage(ctx, tx, msg); err != nil {
			return err
		}

		if body != nil {
			body.MessageID = msg.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bodies (message_id, text_content, html_content)
				VALUES (?, ?, ?)
				ON CONFLICT(message_id) DO UPDATE SET
					text_content = excluded.text_content,
					html_content = excluded.html_content`,
				body.MessageID, body.TextContent, body.HTMLContent)
			if err != nil {
				return fmt.Errorf("saving body of message %s: %w", msg.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM attachments WHERE message_id = ?", msg.ID); err != nil {
			return fmt.Errorf("clearing attachments of message %s: %w", msg.ID, err)
		}

		for i := range atts {
			a := &atts[i]
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			a.MessageID = msg.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (
					id, message_id, file_name, mime_type, size,
					content_id, location, encoding, content
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.MessageID, a.FileName, a.MimeType, a.Size,
				a.ContentID, a.Location, a.Encoding, a.Content,
			)
			if err != nil {
				return fmt.Errorf("saving attachment %s: %w", a.FileName, err)
			}
		}
		return nil
	})
}

// GetBody returns the stored body of a message.
func (s *SQLiteStore) GetBody(ctx context.Context, messageID string) (*model.Body, error) {
	var body model.Body
	err := s.db.GetContext(ctx, &body, "SELECT * FROM bodies WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("body of message %s: %w", messageID, mailerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting body of message %s: %w", messageID, err)
	}
	return &body, nil
}

// GetAttachments lists the attachments of a message, content included.
func (s *SQLiteStore) GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	var atts []model.Attachment
	err := s.db.SelectContext(ctx, &atts,
		"SELECT * FROM attachments WHERE message_id = ? ORDER BY location, file_name", messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	return atts, nil
}

// GetAttachment retrieves an attachment by ID.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	var a model.Attachment
	err := s.db.GetContext(ctx, &a, "SELECT * FROM attachments WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, mailerr.ErrAttachmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting attachment %s: %w", id, err)
	}
	return &a, nil
}

// SaveAttachmentContent stores downloaded content for an attachment.
func (s *SQLiteStore) SaveAttachmentContent(ctx context.Context, id string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE attachments SET content = ?, size = ? WHERE id = ?",
		content, len(content), id)
	if err != nil {
		return fmt.Errorf("saving attachment content %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("attachment %s: %w", id, mailerr.ErrAttachmentNotFound)
	}
	return nil
}

// HasUnloadedAttachments reports whether any attachment of the message still
// lacks content.
func (s *SQLiteStore) HasUnloadedAttachments(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM attachments WHERE message_id = ? AND content IS NULL", messageID)
	if err != nil {
		return false, fmt.Errorf("checking attachments of message %s: %w", messageID, err)
	}
	return count > 0, nil
}
