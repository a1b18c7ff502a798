package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/config"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/keylock"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/retry"
	"github.com/meschain/syncrelay/internal/storage"
)

// Notifier is satisfied by *notify.Feed.
type Notifier interface {
	Raise(ctx context.Context, n *models.Notification) error
}

type Worker struct {
	store     storage.Storage
	sender    *Sender
	notifier  Notifier
	metrics   *metrics.Metrics
	locks     *keylock.Locker
	policy    retry.Policy
	maxTries  int
	threshold int
	log       zerolog.Logger
}

func NewWorker(cfg config.DeliveryConfig, store storage.Storage, sender *Sender, notifier Notifier, m *metrics.Metrics, log zerolog.Logger) *Worker {
	maxTries := cfg.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}
	return &Worker{
		store:     store,
		sender:    sender,
		notifier:  notifier,
		metrics:   m,
		locks:     keylock.New(),
		policy:    retryPolicy(cfg),
		maxTries:  maxTries,
		threshold: cfg.BreakerThreshold,
		log:       log,
	}
}

// Process claims a due attempt, sends it and records the outcome. An
// attempt that someone else already claimed is skipped.
func (w *Worker) Process(ctx context.Context, a models.DeliveryAttempt) {
	log := w.log.With().Str("attempt_id", a.ID).Str("delivery_id", a.DeliveryID).Logger()

	now := time.Now().UTC()
	claimed, err := w.store.ClaimAttempt(ctx, a.ID, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim attempt")
		return
	}
	if !claimed {
		return
	}
	a.StartedAt = &now

	sub, err := w.store.GetSubscription(ctx, a.SubscriptionID)
	if err != nil || sub == nil {
		// a removed subscription takes its attempts with it
		log.Warn().Err(err).Str("webhook_id", a.SubscriptionID).Msg("subscription unavailable for attempt")
		return
	}
	ev, err := w.store.GetEvent(ctx, a.EventID)
	if err != nil || ev == nil {
		log.Error().Err(err).Str("event_id", a.EventID).Msg("failed to load event for attempt")
		return
	}

	if !sub.Enabled {
		a.Outcome = models.OutcomePermanentFailure
		a.Error = apperrors.ErrCircuitOpen.Error()
		a.RequestedAt = now
		a.CompletedAt = &now
		w.settle(ctx, &a, sub, false)
		return
	}

	res := w.sender.Send(ctx, Request{
		URL:        sub.URL,
		Secret:     sub.Secret,
		DeliveryID: a.DeliveryID,
		Attempt:    a.AttemptNumber,
		Event:      ev,
	})
	if ctx.Err() != nil {
		// Shutting down. The claimed attempt is recovered by the stuck sweep.
		return
	}

	done := time.Now().UTC()
	a.Outcome = res.Outcome()
	if res.StatusCode != 0 {
		code := res.StatusCode
		a.HTTPStatus = &code
	}
	a.ResponseBody = res.ResponseBody
	a.Error = res.ErrorString()
	a.DurationMs = res.LatencyMs
	a.RequestedAt = res.RequestedAt
	a.CompletedAt = &done

	w.metrics.DeliveryDuration.Observe(float64(res.LatencyMs) / 1000)
	w.settle(ctx, &a, sub, true)
}

// Recover fails an attempt whose worker vanished after claiming it, then
// applies the usual retry rules.
func (w *Worker) Recover(ctx context.Context, a models.DeliveryAttempt) {
	sub, err := w.store.GetSubscription(ctx, a.SubscriptionID)
	if err != nil || sub == nil {
		w.log.Warn().Err(err).Str("attempt_id", a.ID).Msg("subscription unavailable for stuck attempt")
		return
	}

	now := time.Now().UTC()
	a.Outcome = models.OutcomeRetryableFailure
	a.Error = "attempt abandoned before completion"
	if a.StartedAt != nil {
		a.RequestedAt = *a.StartedAt
	}
	a.CompletedAt = &now

	w.log.Warn().Str("attempt_id", a.ID).Str("delivery_id", a.DeliveryID).Msg("recovering stuck attempt")
	w.settle(ctx, &a, sub, false)
}

// settle stores the attempt outcome together with the subscription
// counters, the breaker and the next attempt or closed cycle. reached
// reports whether the receiver was actually contacted; only those failures
// extend the failure streak. When the write fails the attempt stays
// claimed and the stuck sweep settles it later.
func (w *Worker) settle(ctx context.Context, a *models.DeliveryAttempt, sub *models.WebhookSubscription, reached bool) {
	log := w.log.With().
		Str("attempt_id", a.ID).
		Str("delivery_id", a.DeliveryID).
		Str("webhook_id", sub.ID).
		Int("attempt", a.AttemptNumber).
		Logger()

	plan := storage.SettlePlan{Reached: reached, BreakerThreshold: w.threshold}
	if a.Outcome == models.OutcomeRetryableFailure {
		if next := NextAttemptAt(w.policy, time.Now().UTC(), a.AttemptNumber, w.maxTries); next != nil {
			plan.Retry = w.nextAttempt(a, *next)
		}
	}

	unlock := w.locks.Lock(sub.ID)
	res, err := w.store.SettleAttempt(ctx, a, plan)
	unlock()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			log.Debug().Err(err).Msg("attempt already settled elsewhere")
			return
		}
		log.Error().Err(err).Msg("failed to settle attempt, leaving it to the stuck sweep")
		return
	}
	w.metrics.DeliveryAttempts.WithLabelValues(string(a.Outcome)).Inc()

	switch {
	case a.Outcome == models.OutcomeSuccess:
		log.Info().
			Int("status_code", deref(a.HTTPStatus)).
			Int64("latency_ms", a.DurationMs).
			Msg("delivery succeeded")
	case res.Retry != nil:
		log.Info().
			Str("error", a.Error).
			Time("next_attempt_at", res.Retry.ScheduledAt).
			Msg("delivery scheduled for retry")
	default:
		reason := a.Error
		if reached && w.threshold > 0 && res.Streak >= w.threshold {
			reason = fmt.Sprintf("circuit opened after %d consecutive failures: %s", res.Streak, a.Error)
		}
		if res.Tripped {
			w.breakerOpened(ctx, sub, res.Streak, log)
		}
		if res.Closed == models.DeliveryFailed {
			w.failed(ctx, a, sub, reason, log)
		}
	}
}

func (w *Worker) nextAttempt(a *models.DeliveryAttempt, at time.Time) *models.DeliveryAttempt {
	return &models.DeliveryAttempt{
		ID:             models.NewID("att"),
		DeliveryID:     a.DeliveryID,
		EventID:        a.EventID,
		SubscriptionID: a.SubscriptionID,
		AttemptNumber:  a.AttemptNumber + 1,
		Outcome:        models.OutcomePending,
		ScheduledAt:    at,
		RequestedAt:    at,
	}
}

// breakerOpened reports a subscription that settle just disabled.
func (w *Worker) breakerOpened(ctx context.Context, sub *models.WebhookSubscription, streak int, log zerolog.Logger) {
	w.metrics.CircuitBreaks.Inc()

	log.Warn().Int("consecutive_failures", streak).Msg("circuit opened, subscription disabled")
	w.raise(ctx, &models.Notification{
		Type:     models.NotifyCircuitOpened,
		Title:    "Webhook disabled",
		Message:  fmt.Sprintf("Webhook %s was disabled after %d consecutive delivery failures", sub.URL, streak),
		Severity: models.SeverityWarning,
		Metadata: map[string]string{
			"webhook_id":           sub.ID,
			"url":                  sub.URL,
			"consecutive_failures": fmt.Sprint(streak),
		},
	})
}

func (w *Worker) failed(ctx context.Context, a *models.DeliveryAttempt, sub *models.WebhookSubscription, reason string, log zerolog.Logger) {
	log.Warn().Str("error", reason).Msg("delivery failed")
	w.raise(ctx, &models.Notification{
		Type:     models.NotifyDeliveryFailed,
		Title:    "Webhook delivery failed",
		Message:  fmt.Sprintf("Delivery to %s failed after %d attempt(s): %s", sub.URL, a.AttemptNumber, reason),
		Severity: models.SeverityError,
		Metadata: map[string]string{
			"webhook_id":  sub.ID,
			"delivery_id": a.DeliveryID,
			"event_id":    a.EventID,
			"attempts":    fmt.Sprint(a.AttemptNumber),
		},
	})
}

func (w *Worker) raise(ctx context.Context, n *models.Notification) {
	if w.notifier == nil {
		return
	}
	_ = w.notifier.Raise(ctx, n)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
