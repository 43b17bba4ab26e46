package db

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            privacy TEXT NOT NULL DEFAULT 'private',
            direct_key TEXT UNIQUE,
            last_message_id TEXT,
            last_message_at TIMESTAMPTZ,
            total_messages BIGINT NOT NULL DEFAULT 0,
            last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            only_admins_can_send BOOLEAN NOT NULL DEFAULT FALSE,
            disappearing_seconds INT NOT NULL DEFAULT 0,
            invite_code TEXT UNIQUE,
            invite_expires_at TIMESTAMPTZ,
            invite_max_uses INT NOT NULL DEFAULT 0,
            invite_current_uses INT NOT NULL DEFAULT 0,
            invite_created_by TEXT NOT NULL DEFAULT '',
            created_by TEXT NOT NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            user_id TEXT NOT NULL,
            position BIGSERIAL,
            role TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            joined_at TIMESTAMPTZ NOT NULL,
            left_at TIMESTAMPTZ,
            can_send_messages BOOLEAN NOT NULL DEFAULT TRUE,
            can_send_media BOOLEAN NOT NULL DEFAULT TRUE,
            can_add_members BOOLEAN NOT NULL DEFAULT FALSE,
            can_remove_members BOOLEAN NOT NULL DEFAULT FALSE,
            can_edit_info BOOLEAN NOT NULL DEFAULT FALSE,
            can_pin_messages BOOLEAN NOT NULL DEFAULT FALSE,
            muted BOOLEAN NOT NULL DEFAULT FALSE,
            muted_until TIMESTAMPTZ,
            mentions_only BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id) WHERE is_active;`,
	`CREATE TABLE IF NOT EXISTS conversation_unread (
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            user_id TEXT NOT NULL,
            count INT NOT NULL DEFAULT 0,
            mentions_count INT NOT NULL DEFAULT 0,
            last_read_message_id TEXT,
            last_read_at TIMESTAMPTZ,
            PRIMARY KEY (conversation_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_applied_messages (
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            message_id TEXT NOT NULL,
            PRIMARY KEY (conversation_id, message_id)
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_pins (
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            message_id TEXT NOT NULL,
            pinned_by TEXT NOT NULL,
            pinned_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (conversation_id, message_id)
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_drafts (
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            user_id TEXT NOT NULL,
            content TEXT NOT NULL,
            PRIMARY KEY (conversation_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id),
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            media JSONB NOT NULL DEFAULT '[]',
            reply_to TEXT NOT NULL DEFAULT '',
            forwarded_from TEXT NOT NULL DEFAULT '',
            message_type TEXT NOT NULL,
            status TEXT NOT NULL,
            status_rank SMALLINT NOT NULL,
            mentions TEXT[] NOT NULL DEFAULT '{}',
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            deleted_by TEXT NOT NULL DEFAULT '',
            edit_history JSONB NOT NULL DEFAULT '[]',
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
            expires_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS message_receipts (
            message_id TEXT NOT NULL REFERENCES messages(id),
            user_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (message_id, user_id, kind)
        );`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id TEXT NOT NULL REFERENCES messages(id),
            user_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            reacted_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (message_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS message_hidden (
            message_id TEXT NOT NULL REFERENCES messages(id),
            user_id TEXT NOT NULL,
            PRIMARY KEY (message_id, user_id)
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	log.Info("database migrations applied", "count", len(migrations))
	return nil
}
