// Package mailerr defines the error taxonomy shared by the sync engine:
// authentication failures, protocol failures and not-found conditions.
package mailerr

import (
	"errors"
	"fmt"
)

// ErrNotFound is the root of every not-found condition. Commands are queued,
// so the account, mailbox, message or attachment they refer to may be gone by
// the time they run.
var ErrNotFound = errors.New("not found")

// Not-found errors.
var (
	// ErrAccountNotFound indicates the requested account does not exist.
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

	// ErrMailboxNotFound indicates the requested mailbox does not exist.
	ErrMailboxNotFound = fmt.Errorf("mailbox %w", ErrNotFound)

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)

	// ErrAttachmentNotFound indicates the requested attachment does not exist.
	ErrAttachmentNotFound = fmt.Errorf("attachment %w", ErrNotFound)
)

// AuthError indicates that the remote server rejected the account's
// credentials. It is surfaced to the user as a credential prompt rather than
// being retried silently.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// MessagingError is a generic protocol or network failure. It aborts the
// current pass only.
type MessagingError struct {
	Op  string
	Err error
}

func (e *MessagingError) Error() string {
	if e.Err == nil {
		return "messaging error: " + e.Op
	}
	return fmt.Sprintf("messaging error: %s: %v", e.Op, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

// Messaging wraps err as a MessagingError for op. Auth errors and nil pass
// through unchanged.
func Messaging(op string, err error) error {
	if err == nil || IsAuthError(err) {
		return err
	}
	var me *MessagingError
	if errors.As(err, &me) {
		return err
	}
	return &MessagingError{Op: op, Err: err}
}
