package controller_test

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/sender"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type fakeNotifier struct {
	mu        gosync.Mutex
	shown     []string
	cancelled []string
}

func (n *fakeNotifier) ShowLoginFailed(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, accountID)
}

func (n *fakeNotifier) CancelLoginFailed(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, accountID)
}

func (n *fakeNotifier) Shown() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.shown...)
}

func (n *fakeNotifier) Cancelled() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cancelled...)
}

type fakeSender struct {
	mu   gosync.Mutex
	sent []string
	errs map[string]error
}

func (s *fakeSender) SendMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[messageID]; err != nil {
		return err
	}
	s.sent = append(s.sent, messageID)
	return nil
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type env struct {
	store    store.Store
	remote   *testutil.FakeRemote
	sender   *fakeSender
	notifier *fakeNotifier
	ctl      *controller.Controller
	account  model.Account
	rec      *testutil.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()

	s := testutil.NewTestStore(t)
	e := &env{
		store:    s,
		remote:   testutil.NewFakeRemote(),
		sender:   &fakeSender{errs: make(map[string]error)},
		notifier: &fakeNotifier{},
		account:  testutil.SeedAccount(t, s, "a1", model.DeletePolicyOnDelete),
		rec:      &testutil.Recorder{},
	}
	senders := sender.FactoryFunc(func(model.Account) (sender.Sender, error) {
		return e.sender, nil
	})
	e.ctl = controller.New(s, e.remote, senders, e.notifier, zerolog.Nop())
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.ctl.Start(ctx)
	t.Cleanup(func() {
		e.ctl.Stop()
		cancel()
	})
}

func (e *env) waitFor(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool { return e.rec.Has(event) }, 2*time.Second, 5*time.Millisecond,
		"waiting for %q, got %v", event, e.rec.Events())
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

func TestCheckMailListsSendsAndSyncs(t *testing.T) {
	e := newEnv(t)
	e.remote.AddFolder("INBOX")
	e.remote.AddFolder("Sent")
	e.remote.AddFolder("Archive")
	e.remote.AddMessage("INBOX", testutil.RawMessage("one", 500), false)
	e.remote.AddMessage("INBOX", testutil.RawMessage("two", 500), false)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.CheckMail("a1", 7, h)
	e.waitFor(t, "check-finished a1 7")

	events := e.rec.Events()
	started := indexOf(events, "check-started a1 7")
	listed := indexOf(events, "list-folders-finished a1")
	synced := indexOf(events, "sync-finished a1 INBOX 2 2")
	finished := indexOf(events, "check-finished a1 7")
	require.NotEqual(t, -1, listed, "events: %v", events)
	require.NotEqual(t, -1, synced, "events: %v", events)
	assert.Less(t, started, listed)
	assert.Less(t, listed, synced)
	assert.Less(t, synced, finished)

	mailboxes, err := e.store.GetMailboxes(context.Background(), "a1")
	require.NoError(t, err)
	types := make(map[string]model.MailboxType)
	for _, mb := range mailboxes {
		types[mb.ServerID] = mb.Type
	}
	assert.Equal(t, map[string]model.MailboxType{
		"INBOX":   model.MailboxInbox,
		"Sent":    model.MailboxSent,
		"Archive": model.MailboxGeneric,
		"Outbox":  model.MailboxOutbox,
	}, types)

	assert.Contains(t, e.notifier.Cancelled(), "a1")
	assert.Empty(t, e.notifier.Shown())
}

func TestCheckMailRefreshesFoldersAfterObserverLeaves(t *testing.T) {
	e := newEnv(t)
	e.remote.AddFolder("INBOX")
	e.remote.AddFolder("Archive")

	h := e.ctl.AddListener(e.rec)
	e.ctl.CheckMail("a1", 3, h)
	e.ctl.RemoveListener(h)
	e.start(t)

	require.Eventually(t, func() bool {
		mb, err := e.store.FindMailboxByServerID(context.Background(), "a1", "Archive")
		return err == nil && mb != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !e.ctl.IsBusy() }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.rec.HasPrefix("check-finished"))
}

func TestListFoldersRemovesStaleMailboxes(t *testing.T) {
	e := newEnv(t)
	e.remote.AddFolder("INBOX")
	testutil.SeedMailbox(t, e.store, "a1", "Old")
	testutil.SeedMailbox(t, e.store, "a1", "Trash")
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.ListFolders("a1", h)
	e.waitFor(t, "list-folders-finished a1")

	mailboxes, err := e.store.GetMailboxes(context.Background(), "a1")
	require.NoError(t, err)
	var names []string
	for _, mb := range mailboxes {
		names = append(names, mb.ServerID)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Trash", "Outbox"}, names)
}

func TestListFoldersReportsOpenFailure(t *testing.T) {
	e := newEnv(t)
	e.remote.OpenErr = &mailerr.AuthError{AccountID: "a1", Message: "bad password"}
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.ListFolders("a1", h)
	e.waitFor(t, "list-folders-failed a1 auth_failure")
	assert.Equal(t, "list-folders-started a1", e.rec.Events()[0])
}

func TestSynchronizeMailboxWithoutMessagesSkipsRemote(t *testing.T) {
	e := newEnv(t)
	parent := model.Mailbox{AccountID: "a1", ServerID: "Parent", HoldsMail: false}
	require.NoError(t, e.store.SaveMailbox(context.Background(), &parent))
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SynchronizeMailbox(e.account, parent, h)
	e.waitFor(t, "sync-finished a1 Parent 0 0")
	assert.Empty(t, e.remote.Ops())
}

func TestSynchronizeMailboxIgnoresOutbox(t *testing.T) {
	e := newEnv(t)
	outbox := testutil.SeedMailbox(t, e.store, "a1", "Outbox")
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SynchronizeMailbox(e.account, outbox, h)
	assert.False(t, e.ctl.IsBusy())
	assert.Empty(t, e.rec.Events())
}

func TestSynchronizeMailboxAuthFailureShowsNotification(t *testing.T) {
	e := newEnv(t)
	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	e.remote.OpenErr = &mailerr.AuthError{AccountID: "a1", Message: "bad password"}
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SynchronizeMailbox(e.account, inbox, h)
	e.waitFor(t, "sync-failed a1 INBOX auth_failure")
	assert.Equal(t, []string{"a1"}, e.notifier.Shown())
	assert.Empty(t, e.notifier.Cancelled())
}

func TestLoadMessageForViewCompletesPartialMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	uid := e.remote.AddMessage("INBOX", testutil.RawMessage("big", 40000), false)
	msg := testutil.SeedMessage(t, e.store, inbox, uid, false)
	msg.LoadState = model.LoadPartial
	require.NoError(t, e.store.SaveMessage(ctx, &msg))
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadMessageForView(msg.ID, h)
	e.waitFor(t, "load-view-finished "+msg.ID)

	got, err := e.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoadComplete, got.LoadState)

	body, err := e.store.GetBody(ctx, msg.ID)
	require.NoError(t, err)
	assert.Greater(t, len(body.TextContent), 39000)
	assert.Equal(t, 1, e.remote.CountOps("fetch INBOX body"))
}

func TestLoadMessageForViewCompleteMessageSkipsRemote(t *testing.T) {
	e := newEnv(t)
	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	msg := testutil.SeedMessage(t, e.store, inbox, "101", true)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadMessageForView(msg.ID, h)
	e.waitFor(t, "load-view-finished "+msg.ID)
	assert.Empty(t, e.remote.Ops())
}

func TestLoadMessageForViewUnknownMessage(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadMessageForView("nope", h)
	e.waitFor(t, "load-view-failed nope not_found")
}

func TestLoadMessageForViewMessageGoneFromServer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.remote.AddFolder("INBOX")
	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	msg := testutil.SeedMessage(t, e.store, inbox, "999", false)
	msg.LoadState = model.LoadPartial
	require.NoError(t, e.store.SaveMessage(ctx, &msg))
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadMessageForView(msg.ID, h)
	e.waitFor(t, "load-view-failed "+msg.ID+" not_found")
}

func seedAttachmentMessage(t *testing.T, e *env, content []byte) (model.Message, model.Attachment) {
	t.Helper()
	ctx := context.Background()

	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	uid := e.remote.AddMessage("INBOX", testutil.RawMultipartMessage("Report"), false)
	msg := model.Message{
		AccountID: "a1",
		MailboxID: inbox.ID,
		ServerID:  uid,
		Subject:   "Report",
		LoadState: model.LoadComplete,
	}
	atts := []model.Attachment{{
		FileName: "report.pdf",
		MimeType: "application/pdf",
		Location: "2",
		Encoding: "base64",
		Content:  content,
	}}
	require.NoError(t, e.store.SaveMessageContent(ctx, &msg, &model.Body{TextContent: "Hello plain"}, atts))

	stored, err := e.store.GetAttachments(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	return msg, stored[0]
}

func TestLoadAttachmentDownloadsPart(t *testing.T) {
	e := newEnv(t)
	msg, att := seedAttachmentMessage(t, e, nil)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadAttachment("a1", msg.ID, msg.MailboxID, att.ID, h, false)
	e.waitFor(t, "load-attachment-finished "+att.ID)
	assert.Equal(t, "load-attachment-started "+att.ID+" true", e.rec.Events()[0])

	got, err := e.store.GetAttachment(context.Background(), att.ID)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4\n", string(got.Content))
	assert.Equal(t, 1, e.remote.CountOps("fetch INBOX part:2"))
}

func TestLoadAttachmentAlreadyLoadedSkipsRemote(t *testing.T) {
	e := newEnv(t)
	msg, att := seedAttachmentMessage(t, e, []byte("cached"))
	e.remote.ResetOps()
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadAttachment("a1", msg.ID, msg.MailboxID, att.ID, h, true)
	e.waitFor(t, "load-attachment-finished "+att.ID)
	assert.Empty(t, e.remote.Ops())
}

func TestLoadAttachmentUnknownAttachment(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadAttachment("a1", "m1", "mb1", "missing", h, false)
	e.waitFor(t, "load-attachment-failed missing not_found")
}

type outboxFixture struct {
	outbox   model.Mailbox
	sent     model.Mailbox
	ok       model.Message
	failing  model.Message
	withAtts model.Message
}

func seedOutbox(t *testing.T, e *env) outboxFixture {
	t.Helper()
	ctx := context.Background()

	f := outboxFixture{
		outbox: testutil.SeedMailbox(t, e.store, "a1", "Outbox"),
		sent:   testutil.SeedMailbox(t, e.store, "a1", "Sent"),
	}
	f.ok = testutil.SeedMessage(t, e.store, f.outbox, "", true)
	f.failing = testutil.SeedMessage(t, e.store, f.outbox, "", true)

	f.withAtts = model.Message{
		AccountID: "a1",
		MailboxID: f.outbox.ID,
		Subject:   "with attachment",
		LoadState: model.LoadComplete,
	}
	atts := []model.Attachment{{FileName: "big.iso", MimeType: "application/octet-stream", Location: "2"}}
	require.NoError(t, e.store.SaveMessageContent(ctx, &f.withAtts, nil, atts))
	return f
}

func TestSendPendingMessages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.remote.RequireCopyToSent = true
	f := seedOutbox(t, e)
	e.sender.errs[f.failing.ID] = mailerr.Messaging("smtp send", errors.New("550 rejected"))
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SendPendingMessages(e.account, f.sent.ID, h)
	e.waitFor(t, "send-completed a1")

	assert.Equal(t, []string{f.ok.ID}, e.sender.Sent())
	assert.True(t, e.rec.Has("send-started a1"))
	assert.True(t, e.rec.Has("send-started a1 "+f.ok.ID))
	assert.True(t, e.rec.Has("send-failed a1 "+f.failing.ID+" protocol_failure"))

	moved, err := e.store.GetMessage(ctx, f.ok.ID)
	require.NoError(t, err)
	assert.Equal(t, f.sent.ID, moved.MailboxID)
	assert.Empty(t, moved.ServerID)

	unsynced, err := e.store.GetUnsyncedMessages(ctx, f.sent.ID)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, f.ok.ID, unsynced[0].ID)

	for _, id := range []string{f.failing.ID, f.withAtts.ID} {
		kept, err := e.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, f.outbox.ID, kept.MailboxID)
	}
	assert.Contains(t, e.notifier.Cancelled(), "a1")
}

func TestSendPendingMessagesDeletesWhenServerKeepsCopy(t *testing.T) {
	e := newEnv(t)
	e.remote.RequireCopyToSent = false
	f := seedOutbox(t, e)
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SendPendingMessages(e.account, f.sent.ID, h)
	e.waitFor(t, "send-completed a1")

	assert.ElementsMatch(t, []string{f.ok.ID, f.failing.ID}, e.sender.Sent())
	_, err := e.store.GetMessage(context.Background(), f.ok.ID)
	assert.ErrorIs(t, err, mailerr.ErrNotFound)
}

func TestSendPendingMessagesAuthFailure(t *testing.T) {
	e := newEnv(t)
	f := seedOutbox(t, e)
	authErr := &mailerr.AuthError{AccountID: "a1", Message: "smtp authentication failed"}
	e.sender.errs[f.ok.ID] = authErr
	e.sender.errs[f.failing.ID] = authErr
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SendPendingMessages(e.account, f.sent.ID, h)
	e.waitFor(t, "send-completed a1")

	assert.True(t, e.rec.Has("send-failed a1 "+f.ok.ID+" auth_failure"))
	assert.Contains(t, e.notifier.Shown(), "a1")
	assert.Empty(t, e.sender.Sent())
}

func TestSendPendingMessagesEmptyOutboxReportsNothing(t *testing.T) {
	e := newEnv(t)
	sent := testutil.SeedMailbox(t, e.store, "a1", "Sent")
	testutil.SeedMailbox(t, e.store, "a1", "Outbox")
	e.start(t)

	h := e.ctl.AddListener(e.rec)
	e.ctl.SendPendingMessages(e.account, sent.ID, h)
	e.waitFor(t, "command-completed false")
	for _, ev := range e.rec.Events() {
		assert.False(t, strings.HasPrefix(ev, "send-"), "unexpected %q", ev)
	}
}

func TestRemovedObserverDropsQueuedCommand(t *testing.T) {
	e := newEnv(t)
	gone := &testutil.Recorder{}
	goneHandle := e.ctl.AddListener(gone)
	e.ctl.LoadMessageForView("first", goneHandle)
	e.ctl.RemoveListener(goneHandle)

	h := e.ctl.AddListener(e.rec)
	e.ctl.LoadMessageForView("second", h)
	e.start(t)

	e.waitFor(t, "load-view-failed second not_found")
	assert.False(t, e.rec.HasPrefix("load-view-started first"))
	assert.Empty(t, gone.Events())
}

func TestProcessPendingActionsUploadsFlagChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	inbox := testutil.SeedMailbox(t, e.store, "a1", "INBOX")
	uid := e.remote.AddMessage("INBOX", testutil.RawMessage("hello", 500), false)
	msg := testutil.SeedMessage(t, e.store, inbox, uid, false)
	msg.Read = true
	require.NoError(t, e.store.UpdateMessageLocal(ctx, &msg))
	e.start(t)

	e.ctl.ProcessPendingActions("a1")
	require.Eventually(t, func() bool {
		return e.remote.Message("INBOX", uid).Flags[remote.FlagSeen]
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return !e.ctl.IsBusy() }, 2*time.Second, 5*time.Millisecond)
	pending, err := e.store.PendingUpdates(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
