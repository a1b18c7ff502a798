package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/testutil"
)

func seed(t *testing.T, store storage.Storage) (*models.WebhookSubscription, *models.Delivery) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &models.WebhookSubscription{
		ID: models.NewID("whk"), EventType: "order.*", URL: "https://erp.example.com/h",
		Secret: "s", Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))
	off := &models.WebhookSubscription{
		ID: models.NewID("whk"), EventType: "*", URL: "https://other.example.com/h",
		Secret: "s", Enabled: false, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSubscription(ctx, off))

	ev := &models.DomainEvent{ID: models.NewID("evt"), EventType: "order.created", Payload: []byte(`{}`), EmittedAt: now}
	_, err := store.CreateEvent(ctx, ev)
	require.NoError(t, err)

	d := &models.Delivery{
		ID: models.NewID("dlv"), EventID: ev.ID, SubscriptionID: sub.ID,
		Status: models.DeliveryPending, AttemptCount: 1, CreatedAt: now, UpdatedAt: now,
	}
	first := &models.DeliveryAttempt{
		ID: models.NewID("att"), DeliveryID: d.ID, EventID: ev.ID, SubscriptionID: sub.ID,
		AttemptNumber: 1, Outcome: models.OutcomePending, ScheduledAt: now, RequestedAt: now,
	}
	require.NoError(t, store.CreateDelivery(ctx, d, first))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordSubscriptionSuccess(ctx, sub.ID, now))
	}
	_, err = store.RecordSubscriptionFailure(ctx, sub.ID, now, true)
	require.NoError(t, err)

	require.NoError(t, store.CreateNotification(ctx, &models.Notification{
		ID: models.NewID("ntf"), Type: models.NotifyDeliveryFailed, Title: "t", Severity: models.SeverityError, CreatedAt: now,
	}))
	return sub, d
}

func TestGetStatistics(t *testing.T) {
	store := testutil.NewStore(t)
	seed(t, store)
	svc := NewService(store)

	stats, err := svc.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalWebhooks)
	assert.EqualValues(t, 1, stats.ActiveWebhooks)
	assert.EqualValues(t, 3, stats.DeliveriesSuccess)
	assert.EqualValues(t, 1, stats.DeliveriesError)
	assert.Equal(t, 75.0, stats.SuccessRate)
	assert.EqualValues(t, 1, stats.EventsToday)
	assert.EqualValues(t, 1, stats.UnreadNotifications)

	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	stats, err = svc.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.EventsToday)
}

func TestGetStatisticsEmpty(t *testing.T) {
	stats, err := NewService(testutil.NewStore(t)).GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Statistics{}, stats)
}

func TestSubscriptionStats(t *testing.T) {
	store := testutil.NewStore(t)
	sub, _ := seed(t, store)
	svc := NewService(store)

	stats, err := svc.SubscriptionStats(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, stats.SubscriptionID)
	assert.EqualValues(t, 3, stats.SuccessCount)
	assert.EqualValues(t, 1, stats.ErrorCount)
	assert.Equal(t, 75.0, stats.SuccessRate)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.EqualValues(t, 1, stats.PendingAttempts)

	_, err = svc.SubscriptionStats(context.Background(), "whk_missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetDelivery(t *testing.T) {
	store := testutil.NewStore(t)
	_, d := seed(t, store)
	svc := NewService(store)

	detail, err := svc.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, detail.ID)
	require.Len(t, detail.Attempts, 1)
	assert.Equal(t, models.OutcomePending, detail.Attempts[0].Outcome)

	_, err = svc.GetDelivery(context.Background(), "dlv_missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListDeliveryAttemptsFilters(t *testing.T) {
	store := testutil.NewStore(t)
	sub, d := seed(t, store)
	svc := NewService(store)
	ctx := context.Background()

	list, total, err := svc.ListDeliveryAttempts(ctx, storage.AttemptFilter{SubscriptionID: sub.ID}, models.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, d.ID, list[0].DeliveryID)

	_, total, err = svc.ListDeliveryAttempts(ctx, storage.AttemptFilter{Outcome: models.OutcomeSuccess}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRate(t *testing.T) {
	assert.Zero(t, rate(0, 0))
	assert.Equal(t, 100.0, rate(5, 0))
	assert.Equal(t, 66.67, rate(2, 1))
}
