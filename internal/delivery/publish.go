package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

type PublishResult struct {
	Event      models.DomainEvent `json:"event"`
	Deliveries []models.Delivery  `json:"deliveries"`
	// Queued counts attempts handed straight to a worker; the rest wait
	// for the next sweep.
	Queued int `json:"queued"`
}

// Publish stores e and opens one delivery cycle per enabled subscription
// that matches its type. It returns once the cycles are durable; sending
// happens in the background. Publishing an event ID that already exists
// opens new cycles for the stored event.
func (d *Dispatcher) Publish(ctx context.Context, e *models.DomainEvent) (*PublishResult, error) {
	e.EventType = strings.TrimSpace(e.EventType)
	if e.EventType == "" {
		return nil, apperrors.Invalid("event_type is required")
	}
	if strings.Contains(e.EventType, "*") {
		return nil, apperrors.Invalid("event_type must not contain wildcards")
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(e.Payload) {
		return nil, apperrors.Invalid("payload must be valid JSON")
	}
	if e.ID == "" {
		e.ID = models.NewID("evt")
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}

	created, err := d.store.CreateEvent(ctx, e)
	if err != nil {
		return nil, apperrors.Wrap(err, "store event")
	}
	if !created {
		stored, err := d.store.GetEvent(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			*e = *stored
		}
	}
	d.metrics.EventsPublished.WithLabelValues(e.EventType).Inc()

	subs, err := d.store.ListEnabledSubscriptions(ctx, e.EventType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cycles := make([]storage.NewCycle, 0, len(subs))
	for _, sub := range subs {
		cycles = append(cycles, storage.NewCycle{
			Delivery: &models.Delivery{
				ID:             models.NewID("dlv"),
				EventID:        e.ID,
				SubscriptionID: sub.ID,
				Status:         models.DeliveryPending,
				AttemptCount:   1,
				CreatedAt:      now,
				UpdatedAt:      now,
			},
		})
		c := &cycles[len(cycles)-1]
		c.First = &models.DeliveryAttempt{
			ID:             models.NewID("att"),
			DeliveryID:     c.Delivery.ID,
			EventID:        e.ID,
			SubscriptionID: sub.ID,
			AttemptNumber:  1,
			Outcome:        models.OutcomePending,
			ScheduledAt:    now,
			RequestedAt:    now,
		}
	}
	// all cycles commit together or none do
	if err := d.store.CreateDeliveries(ctx, cycles); err != nil {
		return nil, apperrors.Wrap(err, "create deliveries")
	}

	result := &PublishResult{Event: *e, Deliveries: make([]models.Delivery, 0, len(cycles))}
	for _, c := range cycles {
		result.Deliveries = append(result.Deliveries, *c.Delivery)
		if d.enqueue(*c.First) {
			result.Queued++
		}
	}

	d.log.Info().
		Str("event_id", e.ID).
		Str("event_type", e.EventType).
		Bool("duplicate", !created).
		Int("deliveries", len(result.Deliveries)).
		Msg("event published")
	return result, nil
}

type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// Test sends a signed webhook.test ping to a subscription right away and
// records the result in the notification feed. Counters and the delivery
// ledger are left alone.
func (d *Dispatcher) Test(ctx context.Context, subscriptionID string) (*TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "webhook "+subscriptionID)
	}

	payload, _ := json.Marshal(map[string]string{
		"message":    "Test webhook from MesChain-Sync",
		"webhook_id": sub.ID,
		"event_type": sub.EventType,
	})
	ev := &models.DomainEvent{
		ID:        models.NewID("evt"),
		EventType: models.EventWebhookTest,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}

	res := d.sender.Send(ctx, Request{
		URL:        sub.URL,
		Secret:     sub.Secret,
		DeliveryID: "test_" + ev.ID,
		Attempt:    1,
		Event:      ev,
	})

	out := &TestResult{
		Success:      res.Err == nil,
		StatusCode:   res.StatusCode,
		ResponseBody: res.ResponseBody,
		DurationMs:   res.LatencyMs,
		Error:        res.ErrorString(),
	}

	n := &models.Notification{
		Type:     models.NotifyWebhookTest,
		Title:    "Webhook test succeeded",
		Message:  fmt.Sprintf("Test ping to %s answered with HTTP %d", sub.URL, res.StatusCode),
		Severity: models.SeveritySuccess,
		Metadata: map[string]string{"webhook_id": sub.ID, "url": sub.URL},
	}
	if !out.Success {
		n.Title = "Webhook test failed"
		n.Message = fmt.Sprintf("Test ping to %s failed: %s", sub.URL, out.Error)
		n.Severity = models.SeverityError
	}
	if d.notifier != nil {
		_ = d.notifier.Raise(ctx, n)
	}

	d.log.Info().
		Str("webhook_id", sub.ID).
		Bool("success", out.Success).
		Int("status_code", res.StatusCode).
		Msg("webhook test sent")
	return out, nil
}
