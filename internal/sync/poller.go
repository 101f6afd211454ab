package sync

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/listener"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// SyncState represents the current state of an account's mail check.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the check state for a single account.
type SyncStatus struct {
	AccountID   string
	State       SyncState
	LastSync    time.Time
	NewMessages int
	Error       error
}

// MailChecker queues a check of one account.
type MailChecker interface {
	CheckMail(accountID string, tag int64, observer listener.Handle)
}

// defaultPollInterval is used when an account sets no interval.
const defaultPollInterval = 300 * time.Second

// Poller periodically checks configured accounts for new mail. It follows
// progress through the listener events it receives.
type Poller struct {
	listener.Base

	checker   MailChecker
	logger    zerolog.Logger
	accounts  []model.AccountConfig
	statuses  map[string]*SyncStatus
	triggerCh chan string
	stopCh    chan struct{}
	wg        gosync.WaitGroup
	mu        gosync.Mutex
	running   bool
	nextTag   atomic.Int64
}

// NewPoller creates a Poller. Register it as a listener so its statuses
// follow the checks it starts.
func NewPoller(checker MailChecker, logger zerolog.Logger) *Poller {
	return &Poller{
		checker:   checker,
		logger:    logger.With().Str("component", "poller").Logger(),
		statuses:  make(map[string]*SyncStatus),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
	}
}

// RegisterAccount adds an account to poll.
func (p *Poller) RegisterAccount(cfg model.AccountConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accounts = append(p.accounts, cfg)
	p.statuses[cfg.ID] = &SyncStatus{AccountID: cfg.ID, State: SyncIdle}
}

// Start launches one polling goroutine per registered account. Each account
// is checked once immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	accounts := make([]model.AccountConfig, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	triggers := make(map[string]chan struct{}, len(accounts))
	for _, cfg := range accounts {
		ch := make(chan struct{}, 1)
		triggers[cfg.ID] = ch
		p.wg.Add(1)
		go p.pollAccount(cfg, ch)
	}

	p.wg.Add(1)
	go p.dispatchTriggers(triggers)
}

// Stop halts all polling goroutines. Checks already queued still run.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// RefreshAll triggers an immediate check of all registered accounts.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.accounts))
	for _, cfg := range p.accounts {
		ids = append(ids, cfg.ID)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.RefreshAccount(id)
	}
}

// RefreshAccount triggers an immediate check of one account.
func (p *Poller) RefreshAccount(accountID string) {
	select {
	case p.triggerCh <- accountID:
	default:
		// Channel full; skip to avoid blocking
	}
}

// GetStatuses returns the current status of every registered account.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.accounts))
	for _, cfg := range p.accounts {
		statuses = append(statuses, *p.statuses[cfg.ID])
	}
	return statuses
}

func (p *Poller) dispatchTriggers(triggers map[string]chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case id := <-p.triggerCh:
			ch, ok := triggers[id]
			if !ok {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(cfg model.AccountConfig, trigger <-chan struct{}) {
	defer p.wg.Done()

	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.check(cfg.ID)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.check(cfg.ID)
		case <-trigger:
			p.check(cfg.ID)
		}
	}
}

// check queues a mail check unless one is already in flight.
func (p *Poller) check(accountID string) {
	p.mu.Lock()
	status, ok := p.statuses[accountID]
	if !ok || status.State == SyncRunning {
		p.mu.Unlock()
		return
	}
	status.State = SyncRunning
	status.Error = nil
	status.NewMessages = 0
	p.mu.Unlock()

	tag := p.nextTag.Add(1)
	p.logger.Debug().Str("account", accountID).Int64("tag", tag).Msg("checking mail")
	p.checker.CheckMail(accountID, tag, 0)
}

// update changes the status of accountID under the lock.
func (p *Poller) update(accountID string, fn func(s *SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status, ok := p.statuses[accountID]; ok {
		fn(status)
	}
}

// CheckMailFinished marks the account idle again.
func (p *Poller) CheckMailFinished(accountID string, _ int64) {
	p.update(accountID, func(s *SyncStatus) {
		// A failed step keeps the error state until the next check.
		if s.State == SyncRunning {
			s.State = SyncIdle
			s.LastSync = time.Now()
		}
	})
}

// SynchronizeMailboxFinished accumulates the number of new messages.
func (p *Poller) SynchronizeMailboxFinished(account model.Account, _ model.Mailbox, _, newMessages int) {
	p.update(account.ID, func(s *SyncStatus) {
		s.NewMessages += newMessages
	})
}

// SynchronizeMailboxFailed records the failure.
func (p *Poller) SynchronizeMailboxFailed(account model.Account, mailbox model.Mailbox, result mailerr.Result) {
	p.logger.Warn().
		Str("account", account.ID).
		Str("mailbox", mailbox.ServerID).
		Str("kind", result.Kind.String()).
		Msg("mailbox sync failed")
	p.update(account.ID, func(s *SyncStatus) {
		s.State = SyncError
		s.Error = result
	})
}

// ListFoldersFailed records the failure.
func (p *Poller) ListFoldersFailed(accountID string, result mailerr.Result) {
	p.update(accountID, func(s *SyncStatus) {
		s.State = SyncError
		s.Error = result
	})
}

// SendPendingMessagesFailed records a failed send of the whole batch.
func (p *Poller) SendPendingMessagesFailed(accountID, messageID string, result mailerr.Result) {
	if messageID != "" {
		return
	}
	p.update(accountID, func(s *SyncStatus) {
		s.State = SyncError
		s.Error = result
	})
}
