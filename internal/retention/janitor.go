// Package retention prunes old delivery history and read notifications.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

// Notifier is satisfied by *notify.Feed.
type Notifier interface {
	Raise(ctx context.Context, n *models.Notification) error
}

type Result struct {
	Deliveries    int64 `json:"deliveries"`
	Notifications int64 `json:"notifications"`
}

type Janitor struct {
	cfg      config.RetentionConfig
	store    storage.Storage
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewJanitor(cfg config.RetentionConfig, store storage.Storage, notifier Notifier, log zerolog.Logger) *Janitor {
	return &Janitor{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}
}

// Prune deletes finished delivery cycles older than the delivery TTL
// (attempts go with them) and read notifications older than the
// notification TTL. A zero TTL keeps that kind forever.
func (j *Janitor) Prune(ctx context.Context) (*Result, error) {
	now := j.now().UTC()
	res := &Result{}

	if j.cfg.DeliveryTTL > 0 {
		n, err := j.store.PruneDeliveries(ctx, now.Add(-j.cfg.DeliveryTTL))
		if err != nil {
			return nil, fmt.Errorf("prune deliveries: %w", err)
		}
		res.Deliveries = n
	}
	if j.cfg.NotificationTTL > 0 {
		n, err := j.store.PruneNotifications(ctx, now.Add(-j.cfg.NotificationTTL))
		if err != nil {
			return nil, fmt.Errorf("prune notifications: %w", err)
		}
		res.Notifications = n
	}

	if res.Deliveries+res.Notifications > 0 {
		j.log.Info().
			Int64("deliveries", res.Deliveries).
			Int64("notifications", res.Notifications).
			Msg("old logs pruned")

		if j.notifier != nil && res.Deliveries > 0 {
			_ = j.notifier.Raise(ctx, &models.Notification{
				Type:     models.NotifyLogsPruned,
				Title:    "Delivery logs pruned",
				Message:  fmt.Sprintf("Removed %d delivery cycle(s) older than %s", res.Deliveries, j.cfg.DeliveryTTL),
				Severity: models.SeverityInfo,
			})
		}
	}
	return res, nil
}

// Run prunes every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Prune(ctx); err != nil && ctx.Err() == nil {
				j.log.Error().Err(err).Msg("retention run failed")
			}
		}
	}
}
