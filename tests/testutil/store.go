package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount stores a test account with the given delete policy.
func SeedAccount(t *testing.T, s store.Store, id string, policy model.DeletePolicy) model.Account {
	t.Helper()

	a := model.Account{
		ID:           id,
		Name:         "Test " + id,
		Email:        id + "@example.com",
		Username:     id,
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPTLS:      true,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		DeletePolicy: policy,
	}
	if err := s.SaveAccount(context.Background(), a); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return a
}

// SeedMailbox stores a mailbox named serverID with an inferred type.
func SeedMailbox(t *testing.T, s store.Store, accountID, serverID string) model.Mailbox {
	t.Helper()

	mb := model.Mailbox{
		AccountID: accountID,
		ServerID:  serverID,
		Type:      model.InferMailboxType(serverID),
		HoldsMail: true,
	}
	if err := s.SaveMailbox(context.Background(), &mb); err != nil {
		t.Fatalf("seeding mailbox: %v", err)
	}
	return mb
}

// SeedMessage stores a fully loaded message with the given server ID.
func SeedMessage(t *testing.T, s store.Store, mb model.Mailbox, serverID string, read bool) model.Message {
	t.Helper()

	msg := model.Message{
		AccountID:       mb.AccountID,
		MailboxID:       mb.ID,
		ServerID:        serverID,
		Subject:         "Subject " + serverID,
		From:            "sender@example.com",
		To:              mb.AccountID + "@example.com",
		Date:            time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ServerTimestamp: time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
		Read:            read,
		LoadState:       model.LoadComplete,
	}
	if err := s.SaveMessage(context.Background(), &msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	return msg
}
