package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// snippetLength is the maximum length, in runes, of a message snippet.
const snippetLength = 200

// Materializer turns remote messages into local records.
type Materializer struct {
	store  store.Store
	logger zerolog.Logger
}

// NewMaterializer creates a Materializer writing to s.
func NewMaterializer(s store.Store, logger zerolog.Logger) *Materializer {
	return &Materializer{
		store:  s,
		logger: logger.With().Str("component", "materializer").Logger(),
	}
}

// SaveHeaders creates or updates the record for rm from its envelope and
// flags. existing may be nil; new records start unloaded.
func (m *Materializer) SaveHeaders(
	ctx context.Context,
	rm *remote.Message,
	account model.Account,
	mailbox model.Mailbox,
	existing *model.Message,
) (*model.Message, error) {
	msg := existing
	if msg == nil {
		msg = &model.Message{
			AccountID: account.ID,
			MailboxID: mailbox.ID,
			LoadState: model.LoadUnloaded,
		}
	}
	updateMessageFields(msg, rm)
	msg.Read = rm.IsSet(remote.FlagSeen)
	msg.Flagged = rm.IsSet(remote.FlagFlagged)

	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving headers for %s: %w", rm.UID, err)
	}
	return msg, nil
}

// Materialize stores the downloaded content of rm with the given load state.
// The record is found by mailbox and server ID, or created. Flags of an
// existing record are left alone since content fetches do not carry them.
func (m *Materializer) Materialize(
	ctx context.Context,
	rm *remote.Message,
	account model.Account,
	mailbox model.Mailbox,
	state model.LoadState,
) (*model.Message, error) {
	msg, err := m.store.FindMessageByServerID(ctx, mailbox.ID, rm.UID)
	switch {
	case errors.Is(err, mailerr.ErrNotFound):
		msg = &model.Message{
			AccountID: account.ID,
			MailboxID: mailbox.ID,
			Read:      rm.IsSet(remote.FlagSeen),
			Flagged:   rm.IsSet(remote.FlagFlagged),
		}
	case err != nil:
		return nil, fmt.Errorf("looking up message %s: %w", rm.UID, err)
	}

	updateMessageFields(msg, rm)
	msg.LoadState = state

	viewables, parts := remote.CollectParts(rm.Structure)
	body := buildBody(viewables)
	msg.Snippet = snippet(body)

	attachments, err := m.buildAttachments(ctx, msg.ID, parts)
	if err != nil {
		return nil, err
	}
	msg.HasAttachment = len(attachments) > 0

	if err := m.store.SaveMessageContent(ctx, msg, body, attachments); err != nil {
		return nil, fmt.Errorf("saving content for %s: %w", rm.UID, err)
	}

	m.logger.Debug().
		Str("message", msg.ID).
		Str("uid", rm.UID).
		Str("state", state.String()).
		Int("attachments", len(attachments)).
		Msg("message materialized")
	return msg, nil
}

// buildAttachments converts attachment parts to records. Content already
// downloaded for the same part path is kept.
func (m *Materializer) buildAttachments(
	ctx context.Context,
	messageID string,
	parts []*remote.Part,
) ([]model.Attachment, error) {
	previous := map[string][]byte{}
	if messageID != "" {
		existing, err := m.store.GetAttachments(ctx, messageID)
		if err != nil {
			return nil, fmt.Errorf("loading attachments of %s: %w", messageID, err)
		}
		for _, a := range existing {
			if a.Loaded() {
				previous[a.Location] = a.Content
			}
		}
	}

	attachments := make([]model.Attachment, 0, len(parts))
	for _, p := range parts {
		a := model.Attachment{
			FileName:  p.Filename,
			MimeType:  p.ContentType,
			Size:      p.Size,
			ContentID: p.ContentID,
			Location:  p.Path,
			Encoding:  p.Encoding,
		}
		switch {
		case p.Body != nil:
			a.Content = p.Body
			a.Size = int64(len(p.Body))
		case previous[p.Path] != nil:
			a.Content = previous[p.Path]
		}
		attachments = append(attachments, a)
	}
	return attachments, nil
}

// updateMessageFields copies envelope data and server identity from rm.
func updateMessageFields(msg *model.Message, rm *remote.Message) {
	msg.ServerID = rm.UID
	if rm.Size > 0 {
		msg.Size = rm.Size
	}
	if !rm.InternalDate.IsZero() {
		msg.ServerTimestamp = rm.InternalDate
	}

	env := rm.Envelope
	if env == nil {
		return
	}
	msg.MessageID = env.MessageID
	msg.Subject = env.Subject
	msg.From = strings.Join(env.From, ", ")
	msg.To = strings.Join(env.To, ", ")
	msg.Cc = strings.Join(env.Cc, ", ")
	msg.Date = env.Date
}

// buildBody concatenates viewable parts into text and HTML content. It
// returns nil when there is nothing viewable.
func buildBody(viewables []*remote.Part) *model.Body {
	var text, html strings.Builder
	for _, p := range viewables {
		if p.Body == nil {
			continue
		}
		dst := &text
		if p.ContentType == "text/html" {
			dst = &html
		}
		if dst.Len() > 0 {
			dst.WriteString("\n")
		}
		dst.Write(p.Body)
	}
	if text.Len() == 0 && html.Len() == 0 {
		return nil
	}
	return &model.Body{TextContent: text.String(), HTMLContent: html.String()}
}

// snippet derives a short preview from the body, converting HTML to text
// when the message has no plain part.
func snippet(body *model.Body) string {
	if body == nil {
		return ""
	}
	s := body.TextContent
	if s == "" && body.HTMLContent != "" {
		converted, err := html2text.FromString(body.HTMLContent, html2text.Options{OmitLinks: true})
		if err != nil {
			return ""
		}
		s = converted
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	return string([]rune(s)[:snippetLength])
}

// BuildRaw renders a stored message as RFC 822 bytes for upload.
func BuildRaw(msg *model.Message, body *model.Body, attachments []model.Attachment) ([]byte, error) {
	var h mail.Header
	if !msg.Date.IsZero() {
		h.SetDate(msg.Date)
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}
	for key, list := range map[string]string{"From": msg.From, "To": msg.To, "Cc": msg.Cc} {
		if list == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(list)
		if err != nil {
			return nil, fmt.Errorf("parsing %s of %s: %w", key, msg.ID, err)
		}
		h.SetAddressList(key, addrs)
	}

	if body == nil {
		body = &model.Body{}
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating writer for %s: %w", msg.ID, err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating inline part for %s: %w", msg.ID, err)
	}
	if err := writeInline(iw, "text/plain", body.TextContent); err != nil {
		return nil, err
	}
	if body.HTMLContent != "" {
		if err := writeInline(iw, "text/html", body.HTMLContent); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("closing inline part for %s: %w", msg.ID, err)
	}

	for _, a := range attachments {
		if !a.Loaded() {
			continue
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(a.MimeType, nil)
		ah.SetFilename(a.FileName)
		if a.ContentID != "" {
			ah.Set("Content-Id", "<"+a.ContentID+">")
		}
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("creating attachment %s: %w", a.FileName, err)
		}
		if _, err := w.Write(a.Content); err != nil {
			return nil, fmt.Errorf("writing attachment %s: %w", a.FileName, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("closing attachment %s: %w", a.FileName, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message %s: %w", msg.ID, err)
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, content string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return w.Close()
}
