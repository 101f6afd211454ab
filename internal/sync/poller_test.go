package sync_test

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/listener"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sync"
)

type checkCall struct {
	accountID string
	tag       int64
}

type fakeChecker struct {
	mu    gosync.Mutex
	calls []checkCall
}

func (c *fakeChecker) CheckMail(accountID string, tag int64, _ listener.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, checkCall{accountID, tag})
}

func (c *fakeChecker) Calls() []checkCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]checkCall(nil), c.calls...)
}

func statusOf(p *sync.Poller, accountID string) sync.SyncStatus {
	for _, st := range p.GetStatuses() {
		if st.AccountID == accountID {
			return st
		}
	}
	return sync.SyncStatus{}
}

func startPoller(t *testing.T, checker *fakeChecker) *sync.Poller {
	t.Helper()
	p := sync.NewPoller(checker, zerolog.Nop())
	p.RegisterAccount(model.AccountConfig{ID: "a1", PollIntervalSec: 3600})
	p.Start()
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool { return len(checker.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	return p
}

func TestPollerChecksImmediatelyAndTracksStatus(t *testing.T) {
	checker := &fakeChecker{}
	p := startPoller(t, checker)

	assert.Equal(t, checkCall{"a1", 1}, checker.Calls()[0])
	assert.Equal(t, sync.SyncRunning, statusOf(p, "a1").State)

	account := model.Account{ID: "a1"}
	p.SynchronizeMailboxFinished(account, model.Mailbox{ServerID: "INBOX"}, 20, 2)
	p.CheckMailFinished("a1", 1)

	st := statusOf(p, "a1")
	assert.Equal(t, sync.SyncIdle, st.State)
	assert.Equal(t, 2, st.NewMessages)
	assert.False(t, st.LastSync.IsZero())
	assert.NoError(t, st.Error)
}

func TestPollerSkipsCheckWhileRunning(t *testing.T) {
	checker := &fakeChecker{}
	p := startPoller(t, checker)

	p.RefreshAccount("a1")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, checker.Calls(), 1)

	p.CheckMailFinished("a1", 1)
	p.RefreshAccount("a1")
	require.Eventually(t, func() bool { return len(checker.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), checker.Calls()[1].tag)
}

func TestPollerKeepsErrorUntilNextCheck(t *testing.T) {
	checker := &fakeChecker{}
	p := startPoller(t, checker)

	result := mailerr.ResultOf(&mailerr.AuthError{AccountID: "a1", Message: "bad password"})
	p.SynchronizeMailboxFailed(model.Account{ID: "a1"}, model.Mailbox{ServerID: "INBOX"}, result)
	p.CheckMailFinished("a1", 1)

	st := statusOf(p, "a1")
	assert.Equal(t, sync.SyncError, st.State)
	assert.True(t, st.LastSync.IsZero())
	require.Error(t, st.Error)
	assert.Equal(t, "error", st.State.String())

	p.RefreshAll()
	require.Eventually(t, func() bool { return len(checker.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sync.SyncRunning, statusOf(p, "a1").State)
}

func TestPollerIgnoresPerMessageSendFailures(t *testing.T) {
	checker := &fakeChecker{}
	p := startPoller(t, checker)

	result := mailerr.ResultOf(mailerr.Messaging("smtp send", assert.AnError))
	p.SendPendingMessagesFailed("a1", "m1", result)
	assert.Equal(t, sync.SyncRunning, statusOf(p, "a1").State)

	p.SendPendingMessagesFailed("a1", "", result)
	assert.Equal(t, sync.SyncError, statusOf(p, "a1").State)
}
