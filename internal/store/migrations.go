package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "channels: unregistered channels with ledger activity",
		SQL: `
CREATE TABLE channels (
    key            TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    last_update    INTEGER NOT NULL,

    -- Recovery state
    fix_started    INTEGER NOT NULL DEFAULT 0,
    fix_requested  INTEGER NOT NULL DEFAULT 0,

    -- Annotation (informational only)
    mark_setter    TEXT,
    mark_text      TEXT,
    mark_time      INTEGER,

    -- Opt-out
    nofix_setter   TEXT,
    nofix_reason   TEXT,
    nofix_time     INTEGER
);

CREATE INDEX idx_channels_last_update ON channels(last_update);
`,
	},
	{
		Version:     2,
		Description: "op_records: per-identity op history per channel",
		SQL: `
CREATE TABLE op_records (
    channel_key    TEXT NOT NULL,
    identity_key   TEXT NOT NULL,
    account        TEXT,
    ident          TEXT,
    host           TEXT,
    first_seen     INTEGER NOT NULL,
    last_event     INTEGER NOT NULL,
    age            INTEGER NOT NULL DEFAULT 0 CHECK (age >= 0),

    PRIMARY KEY (channel_key, identity_key),
    FOREIGN KEY (channel_key) REFERENCES channels(key) ON DELETE CASCADE
);

CREATE INDEX idx_op_records_account ON op_records(account);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
