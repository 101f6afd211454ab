package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/tests/testutil"
)

type fixture struct {
	store   *store.SQLiteStore
	remote  *testutil.FakeRemote
	account model.Account
	inbox   model.Mailbox
	sync    *sync.Synchronizer
}

func newFixture(t *testing.T, policy model.DeletePolicy) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	r := testutil.NewFakeRemote()
	r.AddFolder("INBOX")
	return &fixture{
		store:   s,
		remote:  r,
		account: testutil.SeedAccount(t, s, "a1", policy),
		inbox:   testutil.SeedMailbox(t, s, "a1", "INBOX"),
		sync:    sync.NewSynchronizer(s, r, zerolog.Nop()),
	}
}

func (f *fixture) messageByServerID(t *testing.T, mb model.Mailbox, uid string) *model.Message {
	t.Helper()
	msg, err := f.store.FindMessageByServerID(context.Background(), mb.ID, uid)
	require.NoError(t, err)
	return msg
}

func TestSynchronizeDownloadsNewMessagesBySize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.SupportsStructure = false

	for i := 0; i < 18; i++ {
		uid := f.remote.AddMessage("INBOX", testutil.RawMessage(fmt.Sprintf("old %d", i), 500), true)
		testutil.SeedMessage(t, f.store, f.inbox, uid, true)
	}
	small := f.remote.AddMessage("INBOX", testutil.RawMessage("small", sync.MaxSmallMessageSize), false)
	large := f.remote.AddMessage("INBOX", testutil.RawMessage("large", sync.MaxSmallMessageSize+1), false)

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, sync.Result{TotalMessages: 20, NewMessages: 2}, res)

	smallMsg := f.messageByServerID(t, f.inbox, small)
	assert.Equal(t, model.LoadComplete, smallMsg.LoadState)
	assert.Equal(t, "small", smallMsg.Subject)
	assert.False(t, smallMsg.Read)
	assert.Equal(t, int64(sync.MaxSmallMessageSize), smallMsg.Size)

	largeMsg := f.messageByServerID(t, f.inbox, large)
	assert.Equal(t, model.LoadPartial, largeMsg.LoadState)

	body, err := f.store.GetBody(ctx, largeMsg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, body.TextContent)
	assert.Less(t, len(body.TextContent), sync.MaxSmallMessageSize+1)

	count, err := f.store.CountMessages(ctx, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestSynchronizeSizeBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	f.remote.AddMessage("INBOX", testutil.RawMessage("at limit", 25600), false)
	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.CountOps("fetch INBOX body"))
	assert.Zero(t, f.remote.CountOps("fetch INBOX structure"))

	f.remote.ResetOps()
	over := f.remote.AddMessage("INBOX", testutil.RawMessage("over limit", 25601), false)
	_, err = f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Zero(t, f.remote.CountOps("fetch INBOX body"))
	assert.Equal(t, 1, f.remote.CountOps("fetch INBOX structure"))
	assert.Equal(t, 1, f.remote.CountOps("fetch INBOX part:1"))

	msg := f.messageByServerID(t, f.inbox, over)
	assert.Equal(t, model.LoadComplete, msg.LoadState)
}

func TestSecondPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	for i := 0; i < 5; i++ {
		f.remote.AddMessage("INBOX", testutil.RawMessage(fmt.Sprintf("m%d", i), 800), i%2 == 0)
	}
	f.remote.AddMessage("INBOX", testutil.RawMultipartMessage("with attachment"), false)

	first, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, 6, first.TotalMessages)
	assert.Equal(t, 3, first.NewMessages)

	before, err := f.store.GetMessages(ctx, f.inbox.ID)
	require.NoError(t, err)

	f.remote.ResetOps()
	second, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, sync.Result{TotalMessages: 6, NewMessages: 0}, second)

	after, err := f.store.GetMessages(ctx, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	for _, op := range f.remote.Ops() {
		assert.NotContains(t, op, "envelope")
		assert.NotContains(t, op, "body")
	}
}

func TestSynchronizeRemovesMessagesGoneFromServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	keep := f.remote.AddMessage("INBOX", testutil.RawMessage("keep", 300), true)
	testutil.SeedMessage(t, f.store, f.inbox, keep, true)
	gone := testutil.SeedMessage(t, f.store, f.inbox, "999", true)

	gone.Flagged = true
	require.NoError(t, f.store.UpdateMessageLocal(ctx, &gone))

	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)

	_, err = f.store.GetMessage(ctx, gone.ID)
	assert.ErrorIs(t, err, mailerr.ErrMessageNotFound)
	pending, err := f.store.PendingUpdates(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.messageByServerID(t, f.inbox, keep)
}

func TestSynchronizeKeepsMessagesOutsideWindowLocalOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.VisibleLimit = 2

	first := f.remote.AddMessage("INBOX", testutil.RawMessage("first", 300), true)
	f.remote.AddMessage("INBOX", testutil.RawMessage("second", 300), true)
	f.remote.AddMessage("INBOX", testutil.RawMessage("third", 300), true)
	testutil.SeedMessage(t, f.store, f.inbox, first, true)

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalMessages)

	_, err = f.store.FindMessageByServerID(ctx, f.inbox.ID, first)
	assert.ErrorIs(t, err, mailerr.ErrNotFound)
	count, err := f.store.CountMessages(ctx, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSynchronizeWithZeroLimitTracksNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.VisibleLimit = 0

	first := f.remote.AddMessage("INBOX", testutil.RawMessage("first", 300), true)
	f.remote.AddMessage("INBOX", testutil.RawMessage("second", 300), true)
	testutil.SeedMessage(t, f.store, f.inbox, first, true)

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalMessages)
	assert.Zero(t, res.NewMessages)
	assert.Zero(t, f.remote.CountOps("fetch"))

	count, err := f.store.CountMessages(ctx, f.inbox.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRemoteSeenWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	uid := f.remote.AddMessage("INBOX", testutil.RawMessage("seen remotely", 300), true)
	local := testutil.SeedMessage(t, f.store, f.inbox, uid, false)

	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)

	got, err := f.store.GetMessage(ctx, local.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
}

func TestFlagsIgnoredWithoutPermanentFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.PermanentFlags = nil

	uid := f.remote.AddMessage("INBOX", testutil.RawMessage("seen remotely", 300), true)
	local := testutil.SeedMessage(t, f.store, f.inbox, uid, false)

	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)

	got, err := f.store.GetMessage(ctx, local.ID)
	require.NoError(t, err)
	assert.False(t, got.Read)
	assert.Zero(t, f.remote.CountOps("fetch INBOX flags"))
}

func TestUnloadedRecordIsCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	uid := f.remote.AddMessage("INBOX", testutil.RawMessage("headers only", 400), false)
	stub := model.Message{
		AccountID: f.account.ID,
		MailboxID: f.inbox.ID,
		ServerID:  uid,
		LoadState: model.LoadUnloaded,
	}
	require.NoError(t, f.store.SaveMessage(ctx, &stub))

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewMessages)

	got, err := f.store.GetMessage(ctx, stub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoadComplete, got.LoadState)
	assert.Equal(t, "headers only", got.Subject)
}

func TestMultipartMessageIsMaterialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)

	uid := f.remote.AddMessage("INBOX", testutil.RawMultipartMessage("report"), false)
	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)

	msg := f.messageByServerID(t, f.inbox, uid)
	assert.True(t, msg.HasAttachment)
	assert.Equal(t, "Hello plain", msg.Snippet)

	body, err := f.store.GetBody(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, body.TextContent, "Hello plain")
	assert.Contains(t, body.HTMLContent, "<b>html</b>")

	atts, err := f.store.GetAttachments(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "report.pdf", atts[0].FileName)
	assert.Equal(t, "2", atts[0].Location)
	assert.True(t, atts[0].Loaded())
}

func TestDraftsAreNotSynchronized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	drafts := testutil.SeedMailbox(t, f.store, "a1", "Drafts")
	testutil.SeedMessage(t, f.store, drafts, "", true)

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, drafts)
	require.NoError(t, err)
	assert.Equal(t, sync.Result{TotalMessages: 1}, res)
	assert.Empty(t, f.remote.Ops())
}

func TestMissingTrashIsCreated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	trash := testutil.SeedMailbox(t, f.store, "a1", "Trash")

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, trash)
	require.NoError(t, err)
	assert.Equal(t, sync.Result{}, res)
	assert.True(t, f.remote.HasFolder("Trash"))
}

func TestTrashCreationFailureEndsPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.CreateErr = errors.New("quota")
	trash := testutil.SeedMailbox(t, f.store, "a1", "Trash")

	res, err := f.sync.SynchronizeMailbox(ctx, f.account, trash)
	require.NoError(t, err)
	assert.Equal(t, sync.Result{}, res)
	assert.Zero(t, f.remote.CountOps("open Trash"))
}

func TestOpenErrorPropagates(t *testing.T) {
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.OpenErr = &mailerr.AuthError{AccountID: "a1", Message: "denied"}

	_, err := f.sync.SynchronizeMailbox(context.Background(), f.account, f.inbox)
	assert.True(t, mailerr.IsAuthError(err))
}

func TestSaneFetchIsTruncated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.DeletePolicyOnDelete)
	f.remote.SupportsStructure = false

	uid := f.remote.AddMessage("INBOX", testutil.RawMessage("huge", 2*remote.SaneBodySize), false)
	_, err := f.sync.SynchronizeMailbox(ctx, f.account, f.inbox)
	require.NoError(t, err)

	msg := f.messageByServerID(t, f.inbox, uid)
	assert.Equal(t, model.LoadPartial, msg.LoadState)
	body, err := f.store.GetBody(ctx, msg.ID)
	require.NoError(t, err)
	assert.Less(t, len(body.TextContent), remote.SaneBodySize)
}
