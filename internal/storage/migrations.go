package storage

import "strings"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_records (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		marketplace TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		external_id TEXT,
		payload TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_attempt_at {{ts}},
		last_success_at {{ts}},
		next_attempt_at {{ts}},
		version BIGINT NOT NULL DEFAULT 1,
		claim_id TEXT,
		claimed_until {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (entity_id, entity_type, marketplace)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		url TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		last_triggered_at {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		emitted_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
		event_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		http_status INTEGER,
		response_body TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		scheduled_at {{ts}} NOT NULL,
		started_at {{ts}},
		completed_at {{ts}},
		requested_at {{ts}} NOT NULL,
		UNIQUE (delivery_id, attempt_number)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		is_read INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_records_recover ON sync_records(status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_records_marketplace ON sync_records(marketplace)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON webhook_subscriptions(event_type, enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_pending ON delivery_attempts(started_at, scheduled_at) WHERE outcome = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_subscription ON delivery_attempts(subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_event ON delivery_attempts(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(is_read, created_at)`,
}

func (d dialect) migrations() []string {
	out := make([]string, len(schema))
	for i, q := range schema {
		out[i] = strings.ReplaceAll(q, "{{ts}}", d.timestampType)
	}
	return out
}
