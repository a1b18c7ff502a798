// Package notify is the operator-facing notification feed. Notifications
// are append-only; the only state change is unread to read.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

type Feed struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewFeed(store storage.Storage, log zerolog.Logger) *Feed {
	return &Feed{
		store: store,
		log:   log.With().Str("component", "notify").Logger(),
	}
}

// Raise appends n to the feed, filling in its ID and timestamp.
func (f *Feed) Raise(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = models.NewID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}
	n.Read = false

	if err := f.store.CreateNotification(ctx, n); err != nil {
		f.log.Error().Err(err).Str("type", n.Type).Msg("failed to store notification")
		return err
	}

	f.log.Debug().
		Str("notification_id", n.ID).
		Str("type", n.Type).
		Str("severity", string(n.Severity)).
		Msg(n.Title)
	return nil
}

func (f *Feed) List(ctx context.Context, filter storage.NotificationFilter, page models.Page) ([]models.Notification, int64, error) {
	return f.store.ListNotifications(ctx, filter, page)
}

func (f *Feed) MarkRead(ctx context.Context, id string) error {
	return f.store.MarkNotificationRead(ctx, id)
}

func (f *Feed) MarkAllRead(ctx context.Context) (int64, error) {
	return f.store.MarkAllNotificationsRead(ctx)
}

func (f *Feed) UnreadCount(ctx context.Context) (int64, error) {
	counters, err := f.store.GetCounters(ctx, storage.CounterNotificationsUnread)
	if err != nil {
		return 0, err
	}
	return counters[storage.CounterNotificationsUnread], nil
}
