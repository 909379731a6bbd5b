package imstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 2

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all database tables. Timestamps are unix nanoseconds;
// zero means unset.
func createTables(tx *sql.Tx) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			chat_identifier TEXT NOT NULL,
			service         TEXT NOT NULL,
			style           INTEGER NOT NULL DEFAULT 0,
			display_name    TEXT,
			PRIMARY KEY (chat_identifier, service)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_identifier TEXT NOT NULL,
			service         TEXT NOT NULL,
			handle_id       TEXT NOT NULL,
			position        INTEGER NOT NULL,
			PRIMARY KEY (chat_identifier, service, handle_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			guid              TEXT PRIMARY KEY,
			chat_identifier   TEXT NOT NULL,
			service           TEXT NOT NULL,
			sender            TEXT,
			subject           TEXT,
			text              TEXT,
			time              INTEGER NOT NULL,
			time_delivered    INTEGER NOT NULL DEFAULT 0,
			time_read         INTEGER NOT NULL DEFAULT 0,
			time_played       INTEGER NOT NULL DEFAULT 0,
			flags             INTEGER NOT NULL DEFAULT 0,
			thread_identifier TEXT,
			associated_guid   TEXT,
			associated_type   INTEGER NOT NULL DEFAULT 0,
			balloon_bundle_id TEXT,
			balloon_payload   BLOB
		)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			transfer_guid TEXT PRIMARY KEY,
			message_guid  TEXT NOT NULL,
			position      INTEGER NOT NULL,
			file_name     TEXT,
			mime_type     TEXT,
			path          TEXT,
			FOREIGN KEY (message_guid) REFERENCES messages(guid) ON DELETE CASCADE
		)`,
	}

	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_identifier, time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_guid, position)`,
	}

	for _, index := range indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
