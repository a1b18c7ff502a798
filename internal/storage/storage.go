package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meschain/syncrelay/internal/models"
)

// Storage is the durable state behind the coordinator, the registry, the
// dispatcher and the notification feed. Getters return (nil, nil) when a
// row does not exist. Writers that race against another process report
// apperrors.ErrConflict.
type Storage interface {
	// Sync records
	GetSyncRecord(ctx context.Context, key models.SyncKey) (*models.SyncRecord, error)
	CreateSyncRecord(ctx context.Context, r *models.SyncRecord) error
	UpdateSyncRecord(ctx context.Context, r *models.SyncRecord) error
	ClaimSyncRecord(ctx context.Context, key models.SyncKey, claim SyncClaim) (*models.SyncRecord, bool, error)
	ReleaseSyncRecord(ctx context.Context, r *models.SyncRecord, claimID string) error
	ListSyncRecords(ctx context.Context, f SyncRecordFilter, page models.Page) ([]models.SyncRecord, int64, error)
	ListRecoverableSyncRecords(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.SyncRecord, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, page models.Page) ([]models.WebhookSubscription, int64, error)
	ListEnabledSubscriptions(ctx context.Context, eventType string) ([]models.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (bool, error)
	DeleteSubscription(ctx context.Context, id string) error
	RecordSubscriptionSuccess(ctx context.Context, id string, at time.Time) error
	RecordSubscriptionFailure(ctx context.Context, id string, at time.Time, consecutive bool) (int, error)

	// Events
	CreateEvent(ctx context.Context, e *models.DomainEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*models.DomainEvent, error)

	// Deliveries and attempts
	CreateDelivery(ctx context.Context, d *models.Delivery, first *models.DeliveryAttempt) error
	CreateDeliveries(ctx context.Context, cycles []NewCycle) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error)
	FinishDelivery(ctx context.Context, id string, status models.DeliveryStatus) error
	ScheduleAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	GetAttempt(ctx context.Context, id string) (*models.DeliveryAttempt, error)
	ClaimAttempt(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	SettleAttempt(ctx context.Context, a *models.DeliveryAttempt, plan SettlePlan) (*Settlement, error)
	ListDueAttempts(ctx context.Context, now time.Time, limit int) ([]models.DeliveryAttempt, error)
	ListStuckAttempts(ctx context.Context, startedBefore time.Time, limit int) ([]models.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, f AttemptFilter, page models.Page) ([]models.DeliveryAttempt, int64, error)
	ListAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, f NotificationFilter, page models.Page) ([]models.Notification, int64, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)

	// Counters
	GetCounters(ctx context.Context, names ...string) (map[string]int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// SyncClaim asks for the push lease on a sync record. The claim succeeds
// when no other lease is live at Now; it then holds until Until. An empty
// Payload keeps the stored one.
type SyncClaim struct {
	ID      string
	Payload json.RawMessage
	Now     time.Time
	Until   time.Time
}

// NewCycle is one delivery cycle and its first pending attempt.
type NewCycle struct {
	Delivery *models.Delivery
	First    *models.DeliveryAttempt
}

// SettlePlan says what SettleAttempt does after storing a failed outcome.
type SettlePlan struct {
	// Reached marks a failure that got an answer (or a timeout) from the
	// receiver. Only those extend the failure streak.
	Reached bool
	// BreakerThreshold disables the subscription once the streak reaches
	// it. Zero never trips.
	BreakerThreshold int
	// Retry is appended as the next attempt unless the breaker trips. Nil
	// closes the cycle as failed.
	Retry *models.DeliveryAttempt
}

// Settlement is what one SettleAttempt call changed.
type Settlement struct {
	Streak int
	// Tripped is set when this call disabled the subscription.
	Tripped bool
	// Closed is the status this call closed the cycle with, empty when the
	// cycle stays open or was closed by someone else.
	Closed models.DeliveryStatus
	// Retry is the attempt that was appended, if any.
	Retry *models.DeliveryAttempt
}

type SyncRecordFilter struct {
	Status      models.SyncStatus
	Marketplace string
	EntityType  models.EntityType
}

type AttemptFilter struct {
	SubscriptionID string
	EventID        string
	DeliveryID     string
	Outcome        models.Outcome
}

type NotificationFilter struct {
	UnreadOnly bool
	Severity   models.Severity
	Type       string
}

const (
	CounterWebhooksTotal       = "webhooks_total"
	CounterWebhooksActive      = "webhooks_active"
	CounterDeliveriesSuccess   = "deliveries_success"
	CounterDeliveriesError     = "deliveries_error"
	CounterNotificationsUnread = "notifications_unread"
)

// EventsCounter is the per-day counter of published events.
func EventsCounter(day time.Time) string {
	return "events:" + day.UTC().Format("2006-01-02")
}
