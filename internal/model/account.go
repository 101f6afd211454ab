package model

// DeletePolicy controls whether local deletions are propagated to the server.
type DeletePolicy string

const (
	// DeletePolicyNever keeps server copies; locally deleted messages are
	// remembered as tombstones so they are not downloaded again.
	DeletePolicyNever DeletePolicy = "never"

	// DeletePolicyOnDelete moves deleted messages to the remote trash.
	DeletePolicyOnDelete DeletePolicy = "on_delete"
)

// Account is a configured mail account. It is read once per command and not
// modified during a sync pass.
type Account struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	Email        string       `json:"email" db:"email"`
	Username     string       `json:"username" db:"username"`
	IMAPHost     string       `json:"imap_host" db:"imap_host"`
	IMAPPort     int          `json:"imap_port" db:"imap_port"`
	IMAPTLS      bool         `json:"imap_tls" db:"imap_tls"`
	SMTPHost     string       `json:"smtp_host" db:"smtp_host"`
	SMTPPort     int          `json:"smtp_port" db:"smtp_port"`
	SMTPTLS      bool         `json:"smtp_tls" db:"smtp_tls"`
	DeletePolicy DeletePolicy `json:"delete_policy" db:"delete_policy"`
}

// CredentialKey is the keyring key holding this account's password.
func (a *Account) CredentialKey() string {
	return "account/" + a.ID
}
