package database

import (
	"context"
	"fmt"
)

// schema holds the engine's DDL in apply order. Every statement is
// idempotent so Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		type          TEXT NOT NULL,
		channel       TEXT NOT NULL,
		priority      INT  NOT NULL DEFAULT 1,
		subject       TEXT,
		content       TEXT,
		template_name TEXT,
		variables     JSONB NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'pending',
		digest        BOOLEAN NOT NULL DEFAULT FALSE,
		retry_count   INT  NOT NULL DEFAULT 0,
		max_retries   INT  NOT NULL DEFAULT 3,
		failure_kind  TEXT,
		last_error    TEXT,
		cancel_reason TEXT,
		next_retry_at TIMESTAMPTZ,
		scheduled_at  TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		delivered_at  TIMESTAMPTZ
	)`,
	`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS digest BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications (next_retry_at) WHERE status = 'failed_retryable'`,

	`CREATE TABLE IF NOT EXISTS delivery_records (
		id                   UUID PRIMARY KEY,
		notification_id      UUID NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
		user_id              TEXT NOT NULL,
		channel              TEXT NOT NULL,
		recipient_address    TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'queued',
		provider_delivery_id TEXT,
		failure_kind         TEXT,
		next_retry_at        TIMESTAMPTZ,
		delivered_at         TIMESTAMPTZ,
		read_at              TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_records_notification ON delivery_records (notification_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_records_provider ON delivery_records (provider_delivery_id) WHERE provider_delivery_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_records_unconfirmed ON delivery_records (updated_at) WHERE status = 'sent'`,

	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id            UUID PRIMARY KEY,
		record_id     UUID NOT NULL REFERENCES delivery_records (id) ON DELETE CASCADE,
		timestamp     TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL,
		error_message TEXT,
		response_code INT,
		duration_ms   BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_record ON delivery_attempts (record_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id     TEXT NOT NULL,
		type        TEXT NOT NULL,
		channel     TEXT NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		frequency   TEXT NOT NULL DEFAULT 'immediate',
		quiet_start TEXT,
		quiet_end   TEXT,
		timezone    TEXT NOT NULL DEFAULT 'UTC',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, type, channel)
	)`,

	`CREATE TABLE IF NOT EXISTS templates (
		name            TEXT NOT NULL,
		type            TEXT NOT NULL,
		channel         TEXT NOT NULL,
		subject         TEXT,
		body            TEXT NOT NULL,
		variable_schema JSONB NOT NULL DEFAULT '{}',
		active          BOOLEAN NOT NULL DEFAULT FALSE,
		version         INT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (name, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_active ON templates (type, channel) WHERE active = TRUE`,
}

// Migrate applies the schema.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
