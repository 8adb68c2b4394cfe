package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// NewSQLiteDB opens (or creates) a SQLite database file and applies the schema.
// SQLite allows one writer at a time, so the pool is pinned to one connection.
func NewSQLiteDB(ctx context.Context, path string, logger zerolog.Logger) (*SQLDB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLDB{DB: db, log: logger, schema: sqliteSchema}
	if err := store.InitializeTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("opened SQLite database")
	return store, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		is_connected BOOLEAN NOT NULL DEFAULT FALSE,
		last_active TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'text',
		media_ref TEXT,
		created_at TIMESTAMP NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, sender_id, is_read)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_low TEXT NOT NULL REFERENCES users(id),
		user_high TEXT NOT NULL REFERENCES users(id),
		last_message_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_low, user_high)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
