// Package sender delivers locally composed messages.
package sender

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// Sender sends stored messages for one account.
type Sender interface {
	// SendMessage sends the stored message with the given ID.
	SendMessage(ctx context.Context, messageID string) error
}

// Factory creates a Sender for an account.
type Factory interface {
	NewSender(account model.Account) (Sender, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(account model.Account) (Sender, error)

// NewSender calls f(account).
func (f FactoryFunc) NewSender(account model.Account) (Sender, error) {
	return f(account)
}
