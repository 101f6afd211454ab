package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/sender"
	"github.com/nhle/mailsync/internal/store"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailsync - keep a local mail store in sync with IMAP accounts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "Path to the config file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newSyncCmd(&configPath),
		newFoldersCmd(&configPath),
		newStatusCmd(&configPath),
		newSetPasswordCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired engine for one command invocation.
type app struct {
	cfg    *model.AppConfig
	logger zerolog.Logger
	store  *store.SQLiteStore
	ctl    *controller.Controller
}

// openApp loads the configuration, opens the local store, registers the
// configured accounts and builds the controller.
func openApp(configPath string) (*app, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: s}
	for _, ac := range cfg.Accounts {
		if err := s.SaveAccount(context.Background(), ac.Account()); err != nil {
			s.Close()
			return nil, fmt.Errorf("registering account %s: %w", ac.ID, err)
		}
	}

	provider := remote.NewIMAPProvider(credential.Password, cfg.Sync.VisibleLimitDefault, logger)
	senders := sender.NewSMTPFactory(s, credential.Password, logger)
	a.ctl = controller.New(s, provider, senders, controller.LogNotifier{Logger: logger}, logger)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing store")
	}
}

// accountConfig returns the configured account with the given ID.
func (a *app) accountConfig(id string) (model.AccountConfig, error) {
	for _, ac := range a.cfg.Accounts {
		if ac.ID == id {
			return ac, nil
		}
	}
	return model.AccountConfig{}, fmt.Errorf("account %q is not configured", id)
}

// selectAccounts returns the accounts named in ids, or all accounts when ids
// is empty.
func (a *app) selectAccounts(ids []string) ([]model.AccountConfig, error) {
	if len(ids) == 0 {
		if len(a.cfg.Accounts) == 0 {
			return nil, fmt.Errorf("no accounts configured")
		}
		return a.cfg.Accounts, nil
	}
	out := make([]model.AccountConfig, 0, len(ids))
	for _, id := range ids {
		ac, err := a.accountConfig(id)
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, nil
}
