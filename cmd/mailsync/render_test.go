package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/mailsync/internal/model"
)

func TestRenderMailboxes(t *testing.T) {
	out := renderMailboxes([]mailboxRow{
		{mailbox: model.Mailbox{ServerID: "INBOX", Type: model.MailboxInbox}, total: 12345, unread: 7},
		{mailbox: model.Mailbox{ServerID: "Archive", Type: model.MailboxGeneric}, total: 3},
	})

	assert.Contains(t, out, "MAILBOX")
	assert.Contains(t, out, "INBOX")
	assert.Contains(t, out, "inbox")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "Archive")
	assert.Contains(t, out, "generic")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	// Top border, header, separator, two rows, bottom border.
	assert.Len(t, lines, 6)
}

func TestRenderAccountTitle(t *testing.T) {
	out := renderAccountTitle("Work", "me@example.com")
	assert.Contains(t, out, "Work")
	assert.Contains(t, out, "<me@example.com>")
}

func TestReadLineTrimsNewline(t *testing.T) {
	got, err := readLine(strings.NewReader("s3cret\r\nignored\n"))
	assert.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = readLine(strings.NewReader("no-newline"))
	assert.NoError(t, err)
	assert.Equal(t, "no-newline", got)

	_, err = readLine(strings.NewReader(""))
	assert.Error(t, err)
}

func TestSetPasswordHasClearFlag(t *testing.T) {
	path := ""
	cmd := newSetPasswordCmd(&path)

	f := cmd.Flags().Lookup("clear")
	if assert.NotNil(t, f) {
		assert.Equal(t, "false", f.DefValue)
	}
}
