package controller

import "github.com/rs/zerolog"

// Notifier surfaces credential problems to the user.
type Notifier interface {
	ShowLoginFailed(accountID string)
	CancelLoginFailed(accountID string)
}

// LogNotifier reports login failures through a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) ShowLoginFailed(accountID string) {
	n.Logger.Warn().Str("account", accountID).Msg("login failed, check the stored credentials")
}

func (n LogNotifier) CancelLoginFailed(string) {}
