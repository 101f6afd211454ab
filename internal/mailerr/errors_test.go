package mailerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindSuccess},
		{"auth", &AuthError{AccountID: "a1", Message: "bad password"}, KindAuthFailure},
		{"wrapped auth", fmt.Errorf("connecting: %w", &AuthError{AccountID: "a1"}), KindAuthFailure},
		{"message not found", fmt.Errorf("loading: %w", ErrMessageNotFound), KindNotFound},
		{"protocol", Messaging("fetch", errors.New("connection reset")), KindProtocolFailure},
		{"plain", errors.New("boom"), KindProtocolFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultOf(tt.err).Kind)
		})
	}
}

func TestMessagingPassesAuthThrough(t *testing.T) {
	auth := &AuthError{AccountID: "a1", Message: "denied"}
	assert.Same(t, auth, Messaging("login", auth))
	assert.Nil(t, Messaging("noop", nil))

	once := Messaging("select", errors.New("eof"))
	assert.Same(t, once, Messaging("outer", once))
}

func TestNotFoundSentinels(t *testing.T) {
	for _, err := range []error{
		ErrAccountNotFound, ErrMailboxNotFound, ErrMessageNotFound, ErrAttachmentNotFound,
	} {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}
