package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	gosync "sync"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/listener"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sync"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll all configured accounts until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.ctl.Start(ctx)
			defer a.ctl.Stop()

			poller := sync.NewPoller(a.ctl, a.logger)
			for _, ac := range a.cfg.Accounts {
				poller.RegisterAccount(ac)
			}
			h := a.ctl.AddListener(poller)
			defer a.ctl.RemoveListener(h)

			poller.Start()
			a.logger.Info().Int("accounts", len(a.cfg.Accounts)).Msg("polling started")
			<-ctx.Done()
			poller.Stop()

			for _, st := range poller.GetStatuses() {
				ev := a.logger.Info().Str("account", st.AccountID).Str("state", st.State.String())
				if !st.LastSync.IsZero() {
					ev = ev.Str("last_sync", humanize.Time(st.LastSync))
				}
				ev.Msg("stopped")
			}
			return nil
		},
	}
}

// progress prints engine events and signals when every awaited account is
// done. With foldersOnly set an account is done once its folder list is
// refreshed; otherwise once its mail check finishes.
type progress struct {
	listener.Base

	foldersOnly bool

	mu      gosync.Mutex
	pending map[string]bool
	failed  bool
	done    chan struct{}
}

func newProgress(accountIDs []string, foldersOnly bool) *progress {
	p := &progress{
		foldersOnly: foldersOnly,
		pending:     make(map[string]bool),
		done:        make(chan struct{}),
	}
	for _, id := range accountIDs {
		p.pending[id] = true
	}
	return p
}

func (p *progress) finish(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending[accountID] {
		return
	}
	delete(p.pending, accountID)
	if len(p.pending) == 0 {
		close(p.done)
	}
}

func (p *progress) fail() {
	p.mu.Lock()
	p.failed = true
	p.mu.Unlock()
}

func (p *progress) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *progress) ListFoldersFailed(accountID string, result mailerr.Result) {
	p.fail()
	fmt.Printf("%s: listing folders failed: %v\n", accountID, result)
	if p.foldersOnly {
		p.finish(accountID)
	}
}

func (p *progress) ListFoldersFinished(accountID string) {
	if p.foldersOnly {
		p.finish(accountID)
	}
}

func (p *progress) SynchronizeMailboxFinished(account model.Account, mailbox model.Mailbox, total, newMessages int) {
	fmt.Printf("%s/%s: %s messages, %s new\n", account.ID, mailbox.ServerID,
		humanize.Comma(int64(total)), humanize.Comma(int64(newMessages)))
}

func (p *progress) SynchronizeMailboxFailed(account model.Account, mailbox model.Mailbox, result mailerr.Result) {
	p.fail()
	fmt.Printf("%s/%s: sync failed: %v\n", account.ID, mailbox.ServerID, result)
}

func (p *progress) SendPendingMessagesFailed(accountID, messageID string, result mailerr.Result) {
	p.fail()
	fmt.Printf("%s: sending %s failed: %v\n", accountID, messageID, result)
}

func (p *progress) CheckMailFinished(accountID string, _ int64) {
	if !p.foldersOnly {
		p.finish(accountID)
	}
}

func (p *progress) wait(ctx context.Context) error {
	select {
	case <-p.done:
		if p.Failed() {
			return fmt.Errorf("some operations failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func accountIDs(accounts []model.AccountConfig) []string {
	ids := make([]string, 0, len(accounts))
	for _, ac := range accounts {
		ids = append(ids, ac.ID)
	}
	return ids
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account-id...]",
		Short: "Check mail once for the given accounts (all by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.selectAccounts(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newProgress(accountIDs(accounts), false)
			h := a.ctl.AddListener(p)
			defer a.ctl.RemoveListener(h)

			a.ctl.Start(ctx)
			defer a.ctl.Stop()
			for i, ac := range accounts {
				a.ctl.CheckMail(ac.ID, int64(i+1), h)
			}
			return p.wait(ctx)
		},
	}
}

func newFoldersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "folders <account-id>",
		Short: "Refresh and list the folders of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.accountConfig(args[0]); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newProgress([]string{args[0]}, true)
			h := a.ctl.AddListener(p)
			defer a.ctl.RemoveListener(h)

			a.ctl.Start(ctx)
			defer a.ctl.Stop()
			a.ctl.ListFolders(args[0], h)
			if err := p.wait(ctx); err != nil {
				return err
			}
			return printMailboxes(ctx, a, args[0])
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [account-id...]",
		Short: "Show locally stored mailboxes and message counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.selectAccounts(args)
			if err != nil {
				return err
			}
			for _, ac := range accounts {
				fmt.Println(renderAccountTitle(ac.Name, ac.Email))
				if err := printMailboxes(cmd.Context(), a, ac.ID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printMailboxes(ctx context.Context, a *app, accountID string) error {
	mailboxes, err := a.store.GetMailboxes(ctx, accountID)
	if err != nil {
		return err
	}

	rows := make([]mailboxRow, 0, len(mailboxes))
	for _, mb := range mailboxes {
		total, err := a.store.CountMessages(ctx, mb.ID)
		if err != nil {
			return err
		}
		unread, err := a.store.CountUnread(ctx, mb.ID)
		if err != nil {
			return err
		}
		rows = append(rows, mailboxRow{mailbox: mb, total: total, unread: unread})
	}
	fmt.Println(renderMailboxes(rows))
	return nil
}

func newSetPasswordCmd(configPath *string) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "set-password <account-id>",
		Short: "Store an account password in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			var account *model.Account
			for _, ac := range cfg.Accounts {
				if ac.ID == args[0] {
					acc := ac.Account()
					account = &acc
				}
			}
			if account == nil {
				return fmt.Errorf("account %q is not configured", args[0])
			}

			if remove {
				if err := credential.ClearPassword(*account); err != nil {
					return err
				}
				fmt.Println("Password removed.")
				return nil
			}

			password, err := readPassword(account.Email)
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			if err := credential.SetPassword(*account, password); err != nil {
				return err
			}
			fmt.Println("Password stored.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "clear", false, "Remove the stored password instead of setting one")
	return cmd
}

// readPassword prompts with a masked input on a terminal and reads a line
// from stdin otherwise.
func readPassword(email string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return readLine(os.Stdin)
	}

	var password string
	err := huh.NewInput().
		Title("Password for " + email).
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Run()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return password, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
