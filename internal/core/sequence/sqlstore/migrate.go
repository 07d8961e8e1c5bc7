package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration 一个版本的表结构变更
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "messages, counters, sync state",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				conversation_id TEXT    NOT NULL,
				sequence        INTEGER NOT NULL CHECK(sequence > 0),
				message_id      TEXT    NOT NULL,
				sender_id       TEXT    NOT NULL,
				sender_device   TEXT    NOT NULL DEFAULT '',
				recipient_id    TEXT    NOT NULL,
				payload         BLOB,
				signature       BLOB,
				sent_at         INTEGER NOT NULL,
				inserted_at     INTEGER NOT NULL,
				PRIMARY KEY (conversation_id, sequence),
				UNIQUE (conversation_id, message_id)
			)`,
			`CREATE TABLE IF NOT EXISTS conversation_counters (
				conversation_id TEXT    PRIMARY KEY,
				last_sequence   INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				conversation_id TEXT    NOT NULL,
				device_id       TEXT    NOT NULL,
				last_synced     INTEGER NOT NULL DEFAULT 0,
				last_known      INTEGER NOT NULL DEFAULT 0,
				pending         TEXT    NOT NULL DEFAULT '[]',
				updated_at      INTEGER NOT NULL,
				PRIMARY KEY (conversation_id, device_id),
				CHECK (last_synced <= last_known)
			)`,
		},
	},
}

// migrate 依次应用未执行的迁移
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL,
		description TEXT    NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		logger.Info("数据库迁移完成", "version", m.version, "description", m.description)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
		m.version, time.Now().Unix(), m.description); err != nil {
		return err
	}
	return tx.Commit()
}
