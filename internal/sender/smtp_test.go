package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestBuildMessage(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "a1", model.DeletePolicyOnDelete)
	outbox := testutil.SeedMailbox(t, s, "a1", "Outbox")

	msg := &model.Message{
		AccountID: "a1",
		MailboxID: outbox.ID,
		MessageID: "<out-1@example.com>",
		Subject:   "Lunch",
		From:      "a1@example.com",
		To:        "Bob <bob@example.com>, carol@example.com",
		Cc:        "dave@example.com",
		Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		LoadState: model.LoadComplete,
	}
	body := &model.Body{TextContent: "Noon?", HTMLContent: "<p>Noon?</p>"}
	atts := []model.Attachment{
		{FileName: "menu.txt", MimeType: "text/plain", Content: []byte("soup")},
		{FileName: "missing.bin", MimeType: "application/octet-stream"},
	}
	require.NoError(t, s.SaveMessageContent(ctx, msg, body, atts))

	m, err := BuildMessage(ctx, s, msg.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.String()

	assert.Contains(t, out, "Subject: Lunch")
	assert.Contains(t, out, "<out-1@example.com>")
	assert.Contains(t, out, "bob@example.com")
	assert.Contains(t, out, "carol@example.com")
	assert.Contains(t, out, "Cc: <dave@example.com>")
	assert.Contains(t, out, "menu.txt")
	assert.NotContains(t, out, "missing.bin")
	assert.Contains(t, out, "text/html")
}

func TestBuildMessageUnknownID(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := BuildMessage(context.Background(), s, "nope")
	assert.ErrorIs(t, err, mailerr.ErrMessageNotFound)
}

func TestIsAuthFailure(t *testing.T) {
	authErr := fmt.Errorf("SMTP AUTH failed: %w", &textproto.Error{Code: 535, Msg: "bad credentials"})
	assert.True(t, isAuthFailure(authErr))
	assert.False(t, isAuthFailure(&textproto.Error{Code: 550, Msg: "mailbox unavailable"}))
	assert.False(t, isAuthFailure(errors.New("dial tcp: refused")))
}

func TestSenderReportsPasswordFailureAsAuth(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	account := testutil.SeedAccount(t, s, "a1", model.DeletePolicyOnDelete)
	outbox := testutil.SeedMailbox(t, s, "a1", "Outbox")
	msg := testutil.SeedMessage(t, s, outbox, "", true)

	f := NewSMTPFactory(s, func(model.Account) (string, error) {
		return "", errors.New("no keyring entry")
	}, zerolog.Nop())
	snd, err := f.NewSender(account)
	require.NoError(t, err)

	err = snd.SendMessage(ctx, msg.ID)
	assert.True(t, mailerr.IsAuthError(err))
}

func TestNewSenderRequiresHost(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := NewSMTPFactory(s, nil, zerolog.Nop())
	_, err := f.NewSender(model.Account{ID: "a1"})
	assert.Error(t, err)
}
