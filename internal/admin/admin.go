// Package admin answers the read-side questions of the operator dashboard:
// delivery history, notifications, sync state and aggregate statistics.
package admin

import (
	"context"
	"math"
	"time"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

type Statistics struct {
	TotalWebhooks       int64   `json:"total_webhooks"`
	ActiveWebhooks      int64   `json:"active_webhooks"`
	SuccessRate         float64 `json:"success_rate"`
	EventsToday         int64   `json:"events_today"`
	DeliveriesSuccess   int64   `json:"deliveries_success"`
	DeliveriesError     int64   `json:"deliveries_error"`
	UnreadNotifications int64   `json:"unread_notifications"`
}

type SubscriptionStats struct {
	SubscriptionID      string     `json:"subscription_id"`
	EventType           string     `json:"event_type"`
	URL                 string     `json:"url"`
	Enabled             bool       `json:"enabled"`
	SuccessCount        int64      `json:"success_count"`
	ErrorCount          int64      `json:"error_count"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	PendingAttempts     int64      `json:"pending_attempts"`
}

type DeliveryDetail struct {
	models.Delivery
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

type Service struct {
	store storage.Storage
	now   func() time.Time
}

func NewService(store storage.Storage) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) ListDeliveryAttempts(ctx context.Context, f storage.AttemptFilter, page models.Page) ([]models.DeliveryAttempt, int64, error) {
	return s.store.ListAttempts(ctx, f, page)
}

func (s *Service) ListNotifications(ctx context.Context, f storage.NotificationFilter, page models.Page) ([]models.Notification, int64, error) {
	return s.store.ListNotifications(ctx, f, page)
}

func (s *Service) ListSyncRecords(ctx context.Context, f storage.SyncRecordFilter, page models.Page) ([]models.SyncRecord, int64, error) {
	return s.store.ListSyncRecords(ctx, f, page)
}

// GetStatistics reads maintained counters only, so it costs the same no
// matter how large the ledger grows.
func (s *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	today := storage.EventsCounter(s.now())
	c, err := s.store.GetCounters(ctx,
		storage.CounterWebhooksTotal,
		storage.CounterWebhooksActive,
		storage.CounterDeliveriesSuccess,
		storage.CounterDeliveriesError,
		storage.CounterNotificationsUnread,
		today,
	)
	if err != nil {
		return nil, err
	}

	return &Statistics{
		TotalWebhooks:       c[storage.CounterWebhooksTotal],
		ActiveWebhooks:      c[storage.CounterWebhooksActive],
		SuccessRate:         rate(c[storage.CounterDeliveriesSuccess], c[storage.CounterDeliveriesError]),
		EventsToday:         c[today],
		DeliveriesSuccess:   c[storage.CounterDeliveriesSuccess],
		DeliveriesError:     c[storage.CounterDeliveriesError],
		UnreadNotifications: c[storage.CounterNotificationsUnread],
	}, nil
}

func (s *Service) SubscriptionStats(ctx context.Context, id string) (*SubscriptionStats, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "webhook "+id)
	}

	_, pending, err := s.store.ListAttempts(ctx, storage.AttemptFilter{
		SubscriptionID: id,
		Outcome:        models.OutcomePending,
	}, models.Page{Limit: 1})
	if err != nil {
		return nil, err
	}

	return &SubscriptionStats{
		SubscriptionID:      sub.ID,
		EventType:           sub.EventType,
		URL:                 sub.URL,
		Enabled:             sub.Enabled,
		SuccessCount:        sub.SuccessCount,
		ErrorCount:          sub.ErrorCount,
		SuccessRate:         rate(sub.SuccessCount, sub.ErrorCount),
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastTriggeredAt:     sub.LastTriggeredAt,
		PendingAttempts:     pending,
	}, nil
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*DeliveryDetail, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "delivery "+id)
	}
	attempts, err := s.store.ListAttemptsByDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	return &DeliveryDetail{Delivery: *d, Attempts: attempts}, nil
}

// rate is the success percentage rounded to two decimals.
func rate(success, failed int64) float64 {
	total := success + failed
	if total == 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*10000) / 100
}
