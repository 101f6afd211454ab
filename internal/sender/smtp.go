package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	msgmail "github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// sendTimeout bounds a single SMTP session.
const sendTimeout = 60 * time.Second

// PasswordFunc returns the password used to log in for account.
type PasswordFunc func(account model.Account) (string, error)

// SMTPFactory creates SMTP senders reading messages from a store.
type SMTPFactory struct {
	store    store.Store
	password PasswordFunc
	logger   zerolog.Logger
}

var _ Factory = (*SMTPFactory)(nil)

// NewSMTPFactory creates an SMTPFactory.
func NewSMTPFactory(s store.Store, password PasswordFunc, logger zerolog.Logger) *SMTPFactory {
	return &SMTPFactory{
		store:    s,
		password: password,
		logger:   logger.With().Str("component", "smtp").Logger(),
	}
}

// NewSender returns a sender for account. The connection is made per send.
func (f *SMTPFactory) NewSender(account model.Account) (Sender, error) {
	if account.SMTPHost == "" {
		return nil, fmt.Errorf("account %s has no smtp host", account.ID)
	}
	return &smtpSender{
		store:    f.store,
		account:  account,
		password: f.password,
		logger:   f.logger.With().Str("account", logging.MaskEmail(account.Email)).Logger(),
	}, nil
}

type smtpSender struct {
	store    store.Store
	account  model.Account
	password PasswordFunc
	logger   zerolog.Logger
}

func (s *smtpSender) SendMessage(ctx context.Context, messageID string) error {
	msg, err := BuildMessage(ctx, s.store, messageID)
	if err != nil {
		return err
	}

	password, err := s.password(s.account)
	if err != nil {
		return &mailerr.AuthError{AccountID: s.account.ID, Message: err.Error()}
	}

	username := s.account.Username
	if username == "" {
		username = s.account.Email
	}
	opts := []mail.Option{
		mail.WithPort(s.account.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
		mail.WithTimeout(sendTimeout),
	}
	if s.account.SMTPTLS {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(s.account.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if isAuthFailure(err) {
			return &mailerr.AuthError{AccountID: s.account.ID, Message: "smtp authentication failed"}
		}
		return mailerr.Messaging("smtp send", err)
	}

	s.logger.Info().Str("message", messageID).Msg("message sent")
	return nil
}

// isAuthFailure reports whether err carries an SMTP authentication reply.
func isAuthFailure(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535:
			return true
		}
	}
	return false
}

// BuildMessage assembles an outgoing message from the stored record, body
// and downloaded attachments.
func BuildMessage(ctx context.Context, s store.Store, messageID string) (*mail.Msg, error) {
	rec, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	body, err := s.GetBody(ctx, messageID)
	if err != nil && !errors.Is(err, mailerr.ErrNotFound) {
		return nil, err
	}
	attachments, err := s.GetAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}

	m := mail.NewMsg()
	if err := m.From(rec.From); err != nil {
		return nil, fmt.Errorf("setting sender of %s: %w", messageID, err)
	}
	to, err := splitAddresses(rec.To)
	if err != nil {
		return nil, fmt.Errorf("parsing recipients of %s: %w", messageID, err)
	}
	if err := m.To(to...); err != nil {
		return nil, fmt.Errorf("setting recipients of %s: %w", messageID, err)
	}
	if rec.Cc != "" {
		cc, err := splitAddresses(rec.Cc)
		if err != nil {
			return nil, fmt.Errorf("parsing cc of %s: %w", messageID, err)
		}
		if err := m.Cc(cc...); err != nil {
			return nil, fmt.Errorf("setting cc of %s: %w", messageID, err)
		}
	}
	m.Subject(rec.Subject)
	if !rec.Date.IsZero() {
		m.SetDateWithValue(rec.Date)
	} else {
		m.SetDate()
	}
	if rec.MessageID != "" {
		m.SetMessageIDWithValue(strings.Trim(rec.MessageID, "<>"))
	} else {
		m.SetMessageID()
	}

	var text, html string
	if body != nil {
		text, html = body.TextContent, body.HTMLContent
	}
	m.SetBodyString(mail.TypeTextPlain, text)
	if html != "" {
		m.AddAlternativeString(mail.TypeTextHTML, html)
	}

	for _, a := range attachments {
		if !a.Loaded() {
			continue
		}
		err := m.AttachReader(a.FileName, bytes.NewReader(a.Content),
			mail.WithFileContentType(mail.ContentType(a.MimeType)))
		if err != nil {
			return nil, fmt.Errorf("attaching %s: %w", a.FileName, err)
		}
	}
	return m, nil
}

// splitAddresses parses a stored address list into individual addresses.
func splitAddresses(list string) ([]string, error) {
	addrs, err := msgmail.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out, nil
}
