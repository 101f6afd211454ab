package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestSnippetFromHTMLOnlyBody(t *testing.T) {
	got := snippet(&model.Body{HTMLContent: "<html><body><h1>Hi</h1><p>See   <a href=\"http://x\">this</a> now</p></body></html>"})
	assert.NotContains(t, got, "<")
	assert.NotContains(t, got, "http://x")
	assert.Contains(t, got, "this now")
}

func TestSnippetIsTruncated(t *testing.T) {
	got := snippet(&model.Body{TextContent: strings.Repeat("word ", 100)})
	assert.Equal(t, snippetLength, len([]rune(got)))
	assert.Empty(t, snippet(nil))
}

func TestBuildRawRoundTrip(t *testing.T) {
	msg := &model.Message{
		ID:        "m1",
		MessageID: "<abc@example.com>",
		Subject:   "Quarterly report",
		From:      "Jane Doe <jane@example.com>",
		To:        "bob@example.com, carol@example.com",
		Date:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	body := &model.Body{TextContent: "See attached.", HTMLContent: "<p>See attached.</p>"}
	atts := []model.Attachment{
		{FileName: "report.pdf", MimeType: "application/pdf", Content: []byte("%PDF-1.4")},
		{FileName: "skipped.bin", MimeType: "application/octet-stream"},
	}

	raw, err := BuildRaw(msg, body, atts)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "Subject: Quarterly report")
	assert.Contains(t, text, "Message-Id: <abc@example.com>")
	assert.NotContains(t, text, "skipped.bin")

	root, err := remote.ParseMessage(raw)
	require.NoError(t, err)
	viewables, parts := remote.CollectParts(root)
	require.Len(t, viewables, 2)
	assert.Equal(t, "See attached.", string(viewables[0].Body))
	require.Len(t, parts, 1)
	assert.Equal(t, "report.pdf", parts[0].Filename)
	assert.Equal(t, "%PDF-1.4", string(parts[0].Body))
}

func TestBuildRawOmitsMissingDate(t *testing.T) {
	msg := &model.Message{ID: "m2", Subject: "Undated", From: "jane@example.com", To: "bob@example.com"}

	raw, err := BuildRaw(msg, &model.Body{TextContent: "hi"}, nil)
	require.NoError(t, err)
	text := string(raw)
	assert.NotContains(t, text, "Date:")

	msg.Date = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, err = BuildRaw(msg, &model.Body{TextContent: "hi"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Date: Fri, 01 Mar 2024")
}

func TestMaterializeKeepsDownloadedAttachments(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	account := testutil.SeedAccount(t, s, "a1", model.DeletePolicyOnDelete)
	inbox := testutil.SeedMailbox(t, s, "a1", "INBOX")
	m := NewMaterializer(s, zerolog.Nop())

	structure := func() *remote.Part {
		return &remote.Part{Children: []*remote.Part{
			{Path: "1", ContentType: "text/plain", Body: []byte("hello")},
			{Path: "2", ContentType: "image/png", Disposition: "attachment", Filename: "a.png", Size: 3},
		}}
	}
	rm := &remote.Message{UID: "7", Size: 2048, Structure: structure()}

	first, err := m.Materialize(ctx, rm, account, inbox, model.LoadComplete)
	require.NoError(t, err)
	atts, err := s.GetAttachments(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.False(t, atts[0].Loaded())
	require.NoError(t, s.SaveAttachmentContent(ctx, atts[0].ID, []byte("png")))

	rm.Structure = structure()
	second, err := m.Materialize(ctx, rm, account, inbox, model.LoadComplete)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	atts, err = s.GetAttachments(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []byte("png"), atts[0].Content)

	count, err := s.CountMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveHeadersCreatesUnloadedRecord(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	account := testutil.SeedAccount(t, s, "a1", model.DeletePolicyOnDelete)
	inbox := testutil.SeedMailbox(t, s, "a1", "INBOX")
	m := NewMaterializer(s, zerolog.Nop())

	rm := &remote.Message{
		UID:          "9",
		Size:         1234,
		Flags:        []remote.Flag{remote.FlagFlagged},
		InternalDate: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC),
		Envelope: &remote.Envelope{
			MessageID: "x@example.com",
			Subject:   "Hello",
			From:      []string{"Jane <jane@example.com>"},
			To:        []string{"a@example.com", "b@example.com"},
		},
	}
	msg, err := m.SaveHeaders(ctx, rm, account, inbox, nil)
	require.NoError(t, err)
	assert.Equal(t, model.LoadUnloaded, msg.LoadState)
	assert.False(t, msg.Read)
	assert.True(t, msg.Flagged)
	assert.Equal(t, "a@example.com, b@example.com", msg.To)

	got, err := s.FindMessageByServerID(ctx, inbox.ID, "9")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, int64(1234), got.Size)
}
