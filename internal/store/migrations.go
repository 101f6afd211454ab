package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// messageColumns is shared by messages and both shadow tables so a row can
// be copied between them with INSERT ... SELECT.
const messageColumns = `
	id, account_id, mailbox_id, server_id, message_id,
	subject, from_addr, to_addrs, cc_addrs, sent_at, server_timestamp,
	flag_read, flag_flagged, flag_attachment, load_state, snippet, size`

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL,
	username      TEXT NOT NULL DEFAULT '',
	imap_host     TEXT NOT NULL DEFAULT '',
	imap_port     INTEGER NOT NULL DEFAULT 993,
	imap_tls      INTEGER NOT NULL DEFAULT 1 CHECK(imap_tls IN (0, 1)),
	smtp_host     TEXT NOT NULL DEFAULT '',
	smtp_port     INTEGER NOT NULL DEFAULT 587,
	smtp_tls      INTEGER NOT NULL DEFAULT 0 CHECK(smtp_tls IN (0, 1)),
	delete_policy TEXT NOT NULL DEFAULT 'on_delete' CHECK(delete_policy IN ('never', 'on_delete'))
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	server_id     TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	type          INTEGER NOT NULL DEFAULT 0,
	holds_mail    INTEGER NOT NULL DEFAULT 1 CHECK(holds_mail IN (0, 1)),
	visible_limit INTEGER NOT NULL DEFAULT 0,
	UNIQUE (account_id, server_id)
);

CREATE INDEX IF NOT EXISTS idx_mailboxes_type ON mailboxes(account_id, type);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	mailbox_id       TEXT NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
	server_id        TEXT NOT NULL DEFAULT '',
	message_id       TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '',
	cc_addrs         TEXT NOT NULL DEFAULT '',
	sent_at          DATETIME NOT NULL,
	server_timestamp DATETIME NOT NULL,
	flag_read        INTEGER NOT NULL DEFAULT 0 CHECK(flag_read IN (0, 1)),
	flag_flagged     INTEGER NOT NULL DEFAULT 0 CHECK(flag_flagged IN (0, 1)),
	flag_attachment  INTEGER NOT NULL DEFAULT 0 CHECK(flag_attachment IN (0, 1)),
	load_state       INTEGER NOT NULL DEFAULT 0 CHECK(load_state BETWEEN 0 AND 3),
	snippet          TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_messages_server_id ON messages(mailbox_id, server_id);
CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);

CREATE TABLE IF NOT EXISTS bodies (
	message_id   TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
	text_content TEXT NOT NULL DEFAULT '',
	html_content TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	file_name  TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	content_id TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	encoding   TEXT NOT NULL DEFAULT '',
	content    BLOB
);

CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS message_updates (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	mailbox_id       TEXT NOT NULL,
	server_id        TEXT NOT NULL DEFAULT '',
	message_id       TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '',
	cc_addrs         TEXT NOT NULL DEFAULT '',
	sent_at          DATETIME NOT NULL,
	server_timestamp DATETIME NOT NULL,
	flag_read        INTEGER NOT NULL DEFAULT 0,
	flag_flagged     INTEGER NOT NULL DEFAULT 0,
	flag_attachment  INTEGER NOT NULL DEFAULT 0,
	load_state       INTEGER NOT NULL DEFAULT 0,
	snippet          TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_deletes (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	mailbox_id       TEXT NOT NULL,
	server_id        TEXT NOT NULL DEFAULT '',
	message_id       TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '',
	cc_addrs         TEXT NOT NULL DEFAULT '',
	sent_at          DATETIME NOT NULL,
	server_timestamp DATETIME NOT NULL,
	flag_read        INTEGER NOT NULL DEFAULT 0,
	flag_flagged     INTEGER NOT NULL DEFAULT 0,
	flag_attachment  INTEGER NOT NULL DEFAULT 0,
	load_state       INTEGER NOT NULL DEFAULT 0,
	snippet          TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_message_updates_account ON message_updates(account_id, mailbox_id);
CREATE INDEX IF NOT EXISTS idx_message_deletes_account ON message_deletes(account_id, mailbox_id);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
