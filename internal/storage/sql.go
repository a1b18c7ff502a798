package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
)

type dialect struct {
	name          string
	timestampType string
	numbered      bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", timestampType: "DATETIME"}
	postgresDialect = dialect{name: "postgres", timestampType: "TIMESTAMPTZ", numbered: true}
)

// rebind turns ? placeholders into $1..$n for drivers that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStorage implements Storage over database/sql for every supported
// dialect. All statements are parameterized.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStorage) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) bumpCounter(ctx context.Context, q execer, name string, delta int64) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = counters.value + excluded.value`,
		name, delta)
	return err
}

func (s *SQLStorage) Migrate(ctx context.Context) error {
	for _, q := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Sync records ---

const syncRecordColumns = `id, entity_id, entity_type, marketplace, status, external_id, payload, attempt_count,
	last_error, last_attempt_at, last_success_at, next_attempt_at, version, claim_id, claimed_until, created_at, updated_at`

func scanSyncRecord(row scanner) (*models.SyncRecord, error) {
	var r models.SyncRecord
	var payload string
	err := row.Scan(&r.ID, &r.EntityID, &r.EntityType, &r.Marketplace, &r.Status, &r.ExternalID, &payload,
		&r.AttemptCount, &r.LastError, &r.LastAttemptAt, &r.LastSuccessAt, &r.NextAttemptAt, &r.Version,
		&r.ClaimID, &r.ClaimedUntil, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		r.Payload = json.RawMessage(payload)
	}
	return &r, nil
}

func (s *SQLStorage) GetSyncRecord(ctx context.Context, key models.SyncKey) (*models.SyncRecord, error) {
	return s.getSyncRecord(ctx, s.db, key)
}

func (s *SQLStorage) getSyncRecord(ctx context.Context, q execer, key models.SyncKey) (*models.SyncRecord, error) {
	row := s.queryRow(ctx, q,
		`SELECT `+syncRecordColumns+` FROM sync_records WHERE entity_id = ? AND entity_type = ? AND marketplace = ?`,
		key.EntityID, key.EntityType, key.Marketplace)
	r, err := scanSyncRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLStorage) CreateSyncRecord(ctx context.Context, r *models.SyncRecord) error {
	r.Version = 1
	res, err := s.exec(ctx, s.db,
		`INSERT INTO sync_records (id, entity_id, entity_type, marketplace, status, external_id, payload, attempt_count,
			last_error, last_attempt_at, last_success_at, next_attempt_at, version, claim_id, claimed_until, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, entity_type, marketplace) DO NOTHING`,
		r.ID, r.EntityID, r.EntityType, r.Marketplace, r.Status, r.ExternalID, string(r.Payload), r.AttemptCount,
		r.LastError, r.LastAttemptAt, r.LastSuccessAt, r.NextAttemptAt, r.Version, r.ClaimID, r.ClaimedUntil,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Wrap(apperrors.ErrConflict, "sync record "+r.Key().String()+" already exists")
	}
	return nil
}

// UpdateSyncRecord writes r if its Version still matches the stored row,
// then advances r.Version. The push lease is left as stored.
func (s *SQLStorage) UpdateSyncRecord(ctx context.Context, r *models.SyncRecord) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE sync_records SET status = ?, external_id = ?, payload = ?, attempt_count = ?, last_error = ?,
			last_attempt_at = ?, last_success_at = ?, next_attempt_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		r.Status, r.ExternalID, string(r.Payload), r.AttemptCount, r.LastError,
		r.LastAttemptAt, r.LastSuccessAt, r.NextAttemptAt, r.UpdatedAt,
		r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Wrap(apperrors.ErrConflict, "sync record "+r.Key().String()+" changed concurrently")
	}
	r.Version++
	return nil
}

// ClaimSyncRecord moves the record to pending under a new push lease. When
// another lease is still live it reports false along with the current row.
// A missing record comes back as (nil, false, nil).
func (s *SQLStorage) ClaimSyncRecord(ctx context.Context, key models.SyncKey, claim SyncClaim) (*models.SyncRecord, bool, error) {
	var payload any
	if len(claim.Payload) > 0 {
		payload = string(claim.Payload)
	}
	now := claim.Now.UTC()

	var rec *models.SyncRecord
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE sync_records SET status = 'pending', payload = COALESCE(?, payload), next_attempt_at = NULL,
				claim_id = ?, claimed_until = ?, version = version + 1, updated_at = ?
			 WHERE entity_id = ? AND entity_type = ? AND marketplace = ?
			   AND (claimed_until IS NULL OR claimed_until < ?)`,
			payload, claim.ID, claim.Until.UTC(), now,
			key.EntityID, key.EntityType, key.Marketplace, now)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		claimed = n == 1
		rec, err = s.getSyncRecord(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, claimed, nil
}

// ReleaseSyncRecord stores the outcome of a push and drops its lease. It
// reports ErrConflict when claimID no longer holds the record.
func (s *SQLStorage) ReleaseSyncRecord(ctx context.Context, r *models.SyncRecord, claimID string) error {
	var version int64
	err := s.queryRow(ctx, s.db,
		`UPDATE sync_records SET status = ?, external_id = ?, payload = ?, attempt_count = ?, last_error = ?,
			last_attempt_at = ?, last_success_at = ?, next_attempt_at = ?, claim_id = NULL, claimed_until = NULL,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND claim_id = ?
		 RETURNING version`,
		r.Status, r.ExternalID, string(r.Payload), r.AttemptCount, r.LastError,
		r.LastAttemptAt, r.LastSuccessAt, r.NextAttemptAt, r.UpdatedAt,
		r.ID, claimID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return apperrors.Wrap(apperrors.ErrConflict, "sync record "+r.Key().String()+" is no longer claimed by "+claimID)
	}
	if err != nil {
		return err
	}
	r.Version = version
	r.ClaimID = nil
	r.ClaimedUntil = nil
	return nil
}

func (s *SQLStorage) ListSyncRecords(ctx context.Context, f SyncRecordFilter, page models.Page) ([]models.SyncRecord, int64, error) {
	page = page.Normalize()
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Marketplace != "" {
		where = append(where, "marketplace = ?")
		args = append(args, f.Marketplace)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	cond := whereClause(where)

	var total int64
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM sync_records`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+syncRecordColumns+` FROM sync_records`+cond+` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *r)
	}
	return records, total, rows.Err()
}

// ListRecoverableSyncRecords returns records whose push was interrupted
// (pending, untouched since staleBefore and with no live lease) or whose
// retry is due.
func (s *SQLStorage) ListRecoverableSyncRecords(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.SyncRecord, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+syncRecordColumns+` FROM sync_records
		 WHERE (status = 'pending' AND updated_at <= ? AND (claimed_until IS NULL OR claimed_until < ?))
		    OR (status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		 ORDER BY updated_at ASC, id ASC LIMIT ?`,
		staleBefore.UTC(), now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// --- Webhook subscriptions ---

const subscriptionColumns = `id, event_type, url, description, secret, enabled, consecutive_failures,
	success_count, error_count, last_triggered_at, created_at, updated_at`

func scanSubscription(row scanner) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var enabled int
	err := row.Scan(&sub.ID, &sub.EventType, &sub.URL, &sub.Description, &sub.Secret, &enabled,
		&sub.ConsecutiveFailures, &sub.SuccessCount, &sub.ErrorCount, &sub.LastTriggeredAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Enabled = enabled == 1
	return &sub, nil
}

func (s *SQLStorage) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO webhook_subscriptions (id, event_type, url, description, secret, enabled, consecutive_failures,
				success_count, error_count, last_triggered_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.EventType, sub.URL, sub.Description, sub.Secret, boolInt(sub.Enabled), sub.ConsecutiveFailures,
			sub.SuccessCount, sub.ErrorCount, sub.LastTriggeredAt, sub.CreatedAt, sub.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if err := s.bumpCounter(ctx, tx, CounterWebhooksTotal, 1); err != nil {
			return err
		}
		if sub.Enabled {
			return s.bumpCounter(ctx, tx, CounterWebhooksActive, 1)
		}
		return nil
	})
}

func (s *SQLStorage) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLStorage) ListSubscriptions(ctx context.Context, page models.Page) ([]models.WebhookSubscription, int64, error) {
	page = page.Normalize()

	var total int64
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM webhook_subscriptions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	return subs, total, err
}

// ListEnabledSubscriptions returns enabled subscriptions whose pattern
// receives eventType: the exact type, "*", or any "prefix.*" family.
func (s *SQLStorage) ListEnabledSubscriptions(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	patterns := []string{eventType, "*"}
	parts := strings.Split(eventType, ".")
	for i := 1; i < len(parts); i++ {
		patterns = append(patterns, strings.Join(parts[:i], ".")+".*")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(patterns)), ", ")
	args := make([]any, 0, len(patterns))
	for _, p := range patterns {
		args = append(args, p)
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE enabled = 1 AND event_type IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLStorage) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE webhook_subscriptions SET event_type = ?, url = ?, description = ?, secret = ?, updated_at = ? WHERE id = ?`,
		sub.EventType, sub.URL, sub.Description, sub.Secret, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// SetSubscriptionEnabled flips the enabled flag and reports whether the
// stored value actually changed. Enabling clears the failure streak.
func (s *SQLStorage) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.setEnabled(ctx, tx, id, enabled)
		return err
	})
	return changed, err
}

func (s *SQLStorage) setEnabled(ctx context.Context, q execer, id string, enabled bool) (bool, error) {
	var current int
	err := s.queryRow(ctx, q, `SELECT enabled FROM webhook_subscriptions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return false, apperrors.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	query := `UPDATE webhook_subscriptions SET enabled = ?, updated_at = ? WHERE id = ? AND enabled = ?`
	if enabled {
		query = `UPDATE webhook_subscriptions SET enabled = ?, consecutive_failures = 0, updated_at = ? WHERE id = ? AND enabled = ?`
	}
	res, err := s.exec(ctx, q, query, boolInt(enabled), time.Now().UTC(), id, boolInt(!enabled))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}

	delta := int64(-1)
	if enabled {
		delta = 1
	}
	return true, s.bumpCounter(ctx, q, CounterWebhooksActive, delta)
}

func (s *SQLStorage) DeleteSubscription(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var enabled int
		err := s.queryRow(ctx, tx, `SELECT enabled FROM webhook_subscriptions WHERE id = ?`, id).Scan(&enabled)
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return err
		}

		// deliveries and their attempts go with the subscription
		if _, err := s.exec(ctx, tx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id); err != nil {
			return err
		}
		if err := s.bumpCounter(ctx, tx, CounterWebhooksTotal, -1); err != nil {
			return err
		}
		if enabled == 1 {
			return s.bumpCounter(ctx, tx, CounterWebhooksActive, -1)
		}
		return nil
	})
}

func (s *SQLStorage) RecordSubscriptionSuccess(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.recordSuccess(ctx, tx, id, at)
	})
}

func (s *SQLStorage) recordSuccess(ctx context.Context, q execer, id string, at time.Time) error {
	res, err := s.exec(ctx, q,
		`UPDATE webhook_subscriptions
		 SET success_count = success_count + 1, consecutive_failures = 0, last_triggered_at = ?, updated_at = ?
		 WHERE id = ?`,
		at.UTC(), at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return s.bumpCounter(ctx, q, CounterDeliveriesSuccess, 1)
}

// RecordSubscriptionFailure counts one failed attempt and returns the
// resulting failure streak. When consecutive is false the streak is left
// alone (the attempt never reached the receiver).
func (s *SQLStorage) RecordSubscriptionFailure(ctx context.Context, id string, at time.Time, consecutive bool) (int, error) {
	var streak int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		streak, err = s.recordFailure(ctx, tx, id, at, consecutive)
		return err
	})
	return streak, err
}

func (s *SQLStorage) recordFailure(ctx context.Context, q execer, id string, at time.Time, consecutive bool) (int, error) {
	step := 0
	if consecutive {
		step = 1
	}
	var streak int
	err := s.queryRow(ctx, q,
		`UPDATE webhook_subscriptions
		 SET error_count = error_count + 1, consecutive_failures = consecutive_failures + ?,
		     last_triggered_at = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING consecutive_failures`,
		step, at.UTC(), at.UTC(), id).Scan(&streak)
	if err == sql.ErrNoRows {
		return 0, apperrors.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return streak, s.bumpCounter(ctx, q, CounterDeliveriesError, 1)
}

// --- Events ---

// CreateEvent stores e unless an event with the same ID exists, and counts
// the publish for today either way. It reports whether a row was inserted.
func (s *SQLStorage) CreateEvent(ctx context.Context, e *models.DomainEvent) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`INSERT INTO events (id, event_type, payload, emitted_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.EventType, string(e.Payload), e.EmittedAt.UTC())
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		created = n > 0
		return s.bumpCounter(ctx, tx, EventsCounter(time.Now()), 1)
	})
	return created, err
}

func (s *SQLStorage) GetEvent(ctx context.Context, id string) (*models.DomainEvent, error) {
	var e models.DomainEvent
	var payload string
	err := s.queryRow(ctx, s.db, `SELECT id, event_type, payload, emitted_at FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.EventType, &payload, &e.EmittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// --- Deliveries ---

const deliveryColumns = `id, event_id, subscription_id, status, attempt_count, created_at, updated_at`

func scanDelivery(row scanner) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(&d.ID, &d.EventID, &d.SubscriptionID, &d.Status, &d.AttemptCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery opens a delivery cycle together with its first pending
// attempt.
func (s *SQLStorage) CreateDelivery(ctx context.Context, d *models.Delivery, first *models.DeliveryAttempt) error {
	return s.CreateDeliveries(ctx, []NewCycle{{Delivery: d, First: first}})
}

// CreateDeliveries opens every cycle of one fan-out, or none of them.
func (s *SQLStorage) CreateDeliveries(ctx context.Context, cycles []NewCycle) error {
	if len(cycles) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cycles {
			d := c.Delivery
			_, err := s.exec(ctx, tx,
				`INSERT INTO deliveries (id, event_id, subscription_id, status, attempt_count, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				d.ID, d.EventID, d.SubscriptionID, d.Status, d.AttemptCount, d.CreatedAt, d.UpdatedAt)
			if err != nil {
				return err
			}
			if err := s.insertAttempt(ctx, tx, c.First); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := scanDelivery(s.queryRow(ctx, s.db, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLStorage) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE event_id = ? ORDER BY created_at ASC, id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// FinishDelivery closes a pending cycle. Closing an already closed cycle
// is a conflict.
func (s *SQLStorage) FinishDelivery(ctx context.Context, id string, status models.DeliveryStatus) error {
	closed, err := s.finishDelivery(ctx, s.db, id, status)
	if err != nil {
		return err
	}
	if !closed {
		return apperrors.Wrap(apperrors.ErrConflict, "delivery "+id+" is not pending")
	}
	return nil
}

func (s *SQLStorage) finishDelivery(ctx context.Context, q execer, id string, status models.DeliveryStatus) (bool, error) {
	res, err := s.exec(ctx, q,
		`UPDATE deliveries SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// --- Attempts ---

const attemptColumns = `id, delivery_id, event_id, subscription_id, attempt_number, outcome, http_status, response_body,
	error, duration_ms, scheduled_at, started_at, completed_at, requested_at`

func scanAttempt(row scanner) (*models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	err := row.Scan(&a.ID, &a.DeliveryID, &a.EventID, &a.SubscriptionID, &a.AttemptNumber, &a.Outcome,
		&a.HTTPStatus, &a.ResponseBody, &a.Error, &a.DurationMs, &a.ScheduledAt, &a.StartedAt,
		&a.CompletedAt, &a.RequestedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStorage) insertAttempt(ctx context.Context, q execer, a *models.DeliveryAttempt) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO delivery_attempts (id, delivery_id, event_id, subscription_id, attempt_number, outcome, http_status,
			response_body, error, duration_ms, scheduled_at, started_at, completed_at, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.EventID, a.SubscriptionID, a.AttemptNumber, a.Outcome, a.HTTPStatus,
		a.ResponseBody, a.Error, a.DurationMs, a.ScheduledAt.UTC(), a.StartedAt, a.CompletedAt, a.RequestedAt.UTC())
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q,
		`UPDATE deliveries SET attempt_count = ?, updated_at = ? WHERE id = ?`,
		a.AttemptNumber, time.Now().UTC(), a.DeliveryID)
	return err
}

// ScheduleAttempt appends the next pending attempt of a cycle. Attempt
// numbers are unique per cycle, so a duplicate schedule is a conflict.
func (s *SQLStorage) ScheduleAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendAttempt(ctx, tx, a)
	})
}

func (s *SQLStorage) appendAttempt(ctx context.Context, q execer, a *models.DeliveryAttempt) error {
	var last int
	err := s.queryRow(ctx, q,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM delivery_attempts WHERE delivery_id = ?`, a.DeliveryID).Scan(&last)
	if err != nil {
		return err
	}
	if a.AttemptNumber != last+1 {
		return apperrors.Wrap(apperrors.ErrConflict,
			fmt.Sprintf("delivery %s expects attempt %d, got %d", a.DeliveryID, last+1, a.AttemptNumber))
	}
	return s.insertAttempt(ctx, q, a)
}

func (s *SQLStorage) GetAttempt(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	a, err := scanAttempt(s.queryRow(ctx, s.db, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ClaimAttempt marks a pending attempt as started. Only one caller can
// win the claim.
func (s *SQLStorage) ClaimAttempt(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE delivery_attempts SET started_at = ? WHERE id = ? AND outcome = 'pending' AND started_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// CompleteAttempt records the outcome of a pending attempt exactly once.
func (s *SQLStorage) CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return s.completeAttempt(ctx, s.db, a)
}

func (s *SQLStorage) completeAttempt(ctx context.Context, q execer, a *models.DeliveryAttempt) error {
	res, err := s.exec(ctx, q,
		`UPDATE delivery_attempts
		 SET outcome = ?, http_status = ?, response_body = ?, error = ?, duration_ms = ?, requested_at = ?, completed_at = ?
		 WHERE id = ? AND outcome = 'pending'`,
		a.Outcome, a.HTTPStatus, a.ResponseBody, a.Error, a.DurationMs, a.RequestedAt.UTC(), a.CompletedAt, a.ID)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Wrap(apperrors.ErrConflict, "attempt "+a.ID+" already completed")
	}
	return nil
}

// SettleAttempt stores the outcome of a claimed attempt and everything that
// follows from it in one transaction: the subscription counters and
// streak, the breaker, and either the next attempt or the closed cycle. A
// failure anywhere leaves the attempt pending for the stuck sweep.
func (s *SQLStorage) SettleAttempt(ctx context.Context, a *models.DeliveryAttempt, plan SettlePlan) (*Settlement, error) {
	at := time.Now().UTC()
	if a.CompletedAt != nil {
		at = a.CompletedAt.UTC()
	}

	var out Settlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = Settlement{}
		if err := s.completeAttempt(ctx, tx, a); err != nil {
			return err
		}

		closeAs := func(status models.DeliveryStatus) error {
			closed, err := s.finishDelivery(ctx, tx, a.DeliveryID, status)
			if closed {
				out.Closed = status
			}
			return err
		}

		if a.Outcome == models.OutcomeSuccess {
			if err := s.recordSuccess(ctx, tx, a.SubscriptionID, at); err != nil {
				return err
			}
			return closeAs(models.DeliverySuccess)
		}

		streak, err := s.recordFailure(ctx, tx, a.SubscriptionID, at, plan.Reached)
		if err != nil {
			return err
		}
		out.Streak = streak

		if plan.Reached && plan.BreakerThreshold > 0 && streak >= plan.BreakerThreshold {
			if out.Tripped, err = s.setEnabled(ctx, tx, a.SubscriptionID, false); err != nil {
				return err
			}
			return closeAs(models.DeliveryFailed)
		}
		if plan.Retry != nil {
			if err := s.appendAttempt(ctx, tx, plan.Retry); err != nil {
				return err
			}
			out.Retry = plan.Retry
			return nil
		}
		return closeAs(models.DeliveryFailed)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStorage) ListDueAttempts(ctx context.Context, now time.Time, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE outcome = 'pending' AND started_at IS NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *SQLStorage) ListStuckAttempts(ctx context.Context, startedBefore time.Time, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE outcome = 'pending' AND started_at IS NOT NULL AND started_at <= ?
		 ORDER BY started_at ASC, id ASC LIMIT ?`,
		startedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *SQLStorage) ListAttempts(ctx context.Context, f AttemptFilter, page models.Page) ([]models.DeliveryAttempt, int64, error) {
	page = page.Normalize()
	var where []string
	var args []any
	if f.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, f.SubscriptionID)
	}
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.DeliveryID != "" {
		where = append(where, "delivery_id = ?")
		args = append(args, f.DeliveryID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	cond := whereClause(where)

	var total int64
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM delivery_attempts`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+attemptColumns+` FROM delivery_attempts`+cond+` ORDER BY scheduled_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	attempts, err := collectAttempts(rows)
	return attempts, total, err
}

func (s *SQLStorage) ListAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number ASC`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows *sql.Rows) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// PruneDeliveries removes finished cycles (with their attempts) last
// touched before the cutoff, then events no cycle refers to anymore.
func (s *SQLStorage) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`DELETE FROM deliveries WHERE status IN ('success', 'failed') AND updated_at < ?`, before.UTC())
		if err != nil {
			return err
		}
		if removed, err = rowsAffected(res); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`DELETE FROM events WHERE emitted_at < ? AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.event_id = events.id)`,
			before.UTC())
		return err
	})
	return removed, err
}

// --- Notifications ---

func (s *SQLStorage) CreateNotification(ctx context.Context, n *models.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO notifications (id, type, title, message, severity, is_read, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Type, n.Title, n.Message, n.Severity, boolInt(n.Read), string(metadata), n.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if n.Read {
			return nil
		}
		return s.bumpCounter(ctx, tx, CounterNotificationsUnread, 1)
	})
}

func (s *SQLStorage) ListNotifications(ctx context.Context, f NotificationFilter, page models.Page) ([]models.Notification, int64, error) {
	page = page.Normalize()
	var where []string
	var args []any
	if f.UnreadOnly {
		where = append(where, "is_read = 0")
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	cond := whereClause(where)

	var total int64
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM notifications`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT id, type, title, message, severity, is_read, metadata, created_at FROM notifications`+cond+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var read int
		var metadata string
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.Severity, &read, &metadata, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Read = read == 1
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return nil, 0, fmt.Errorf("notification %s metadata: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (s *SQLStorage) MarkNotificationRead(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var read int
		err := s.queryRow(ctx, tx, `SELECT is_read FROM notifications WHERE id = ?`, id).Scan(&read)
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		if read == 1 {
			return nil
		}
		if _, err := s.exec(ctx, tx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return s.bumpCounter(ctx, tx, CounterNotificationsUnread, -1)
	})
}

func (s *SQLStorage) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE notifications SET is_read = 1 WHERE is_read = 0`)
		if err != nil {
			return err
		}
		if n, err = rowsAffected(res); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return s.bumpCounter(ctx, tx, CounterNotificationsUnread, -n)
	})
	return n, err
}

// PruneNotifications deletes read notifications created before the cutoff.
func (s *SQLStorage) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM notifications WHERE is_read = 1 AND created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// --- Counters ---

func (s *SQLStorage) GetCounters(ctx context.Context, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(names))
	for _, n := range names {
		out[n] = 0
		args = append(args, n)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")

	rows, err := s.query(ctx, s.db, `SELECT name, value FROM counters WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
