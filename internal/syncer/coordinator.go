// Package syncer pushes products and orders to marketplaces and keeps one
// durable sync record per (entity, marketplace). Requests for the same key
// are coalesced onto a single in-flight handle; failed pushes are retried
// with exponential backoff until a configured ceiling.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/delivery"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/retry"
	"github.com/meschain/syncrelay/internal/storage"
)

const (
	// leaseGrace is how long a push lease outlives the call timeout.
	leaseGrace = 5 * time.Second
	// leasePoll bounds how long a handle waits before looking at a key
	// another process is pushing.
	leasePoll = 100 * time.Millisecond
)

// Pusher is satisfied by *marketplace.Registry.
type Pusher interface {
	Has(marketplace string) bool
	Push(ctx context.Context, marketplace string, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error)
}

// Publisher is satisfied by *delivery.Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, e *models.DomainEvent) (*delivery.PublishResult, error)
}

// Notifier is satisfied by *notify.Feed.
type Notifier interface {
	Raise(ctx context.Context, n *models.Notification) error
}

type SyncRequest struct {
	EntityID    string            `json:"entity_id"`
	EntityType  models.EntityType `json:"entity_type"`
	Marketplace string            `json:"marketplace"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

func (r SyncRequest) key() models.SyncKey {
	return models.SyncKey{EntityID: r.EntityID, EntityType: r.EntityType, Marketplace: r.Marketplace}
}

type Coordinator struct {
	cfg      config.SyncConfig
	policy   retry.Policy
	store    storage.Storage
	pusher   Pusher
	events   Publisher
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	queue chan *Handle

	mu       sync.Mutex
	inflight map[models.SyncKey]*Handle

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup
	timers  sync.WaitGroup
}

func New(cfg config.SyncConfig, store storage.Storage, pusher Pusher, events Publisher, notifier Notifier, m *metrics.Metrics, log zerolog.Logger) *Coordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg: cfg,
		policy: retry.Policy{
			BaseDelay: cfg.BaseDelay,
			MaxDelay:  cfg.MaxDelay,
			Jitter:    cfg.Jitter,
		},
		store:    store,
		pusher:   pusher,
		events:   events,
		notifier: notifier,
		metrics:  m,
		log:      log.With().Str("component", "syncer").Logger(),
		queue:    make(chan *Handle, cfg.QueueSize),
		inflight: make(map[models.SyncKey]*Handle),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool and, when configured, the recovery sweep.
func (c *Coordinator) Start() {
	c.log.Info().
		Int("workers", c.cfg.Workers).
		Int("queue_size", c.cfg.QueueSize).
		Msg("sync coordinator started")

	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Go(c.workerLoop)
	}
	if c.cfg.SweepInterval > 0 {
		c.workers.Go(c.sweepLoop)
	}
}

// Stop cancels in-flight pushes and waits for workers and backoff timers.
// Handles that never ran complete with context.Canceled; their records
// keep their last durable state and are picked up by the next sweep.
func (c *Coordinator) Stop() {
	c.cancel()
	c.workers.Wait()
	c.timers.Wait()

	for {
		select {
		case h := <-c.queue:
			c.abandon(h, context.Canceled)
		default:
			c.log.Info().Msg("sync coordinator stopped")
			return
		}
	}
}

// RequestSync records the intent to push an entity and schedules the push.
// A request for a key that is already in flight joins the existing handle.
func (c *Coordinator) RequestSync(ctx context.Context, req SyncRequest) (*Handle, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	key := req.key()

	c.mu.Lock()
	if h, ok := c.inflight[key]; ok {
		if len(req.Payload) > 0 {
			h.payload = req.Payload
			if h.pushing {
				h.rerun = true
			}
		}
		c.mu.Unlock()
		return h, nil
	}
	if len(c.queue) >= cap(c.queue) {
		c.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrCapacityExceeded, "sync queue full")
	}
	h := newHandle(key, req.Payload)
	c.inflight[key] = h
	c.mu.Unlock()

	rec, err := c.markPending(ctx, key, req.Payload)
	if err != nil {
		c.abandon(h, err)
		return nil, err
	}

	c.mu.Lock()
	if len(req.Payload) == 0 && len(h.payload) == 0 {
		h.payload = rec.Payload
	}
	c.mu.Unlock()

	if !c.tryEnqueue(h) {
		// The record stays pending; the recovery sweep will get to it.
		c.abandon(h, apperrors.ErrCapacityExceeded)
		return nil, apperrors.Wrap(apperrors.ErrCapacityExceeded, "sync queue full")
	}
	return h, nil
}

func (c *Coordinator) GetSyncStatus(ctx context.Context, key models.SyncKey) (*models.SyncRecord, error) {
	rec, err := c.store.GetSyncRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "sync record "+key.String())
	}
	return rec, nil
}

// InFlight is the number of keys with a queued, running or backing-off push.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) validate(req SyncRequest) error {
	if req.EntityID == "" {
		return apperrors.Invalid("entity_id is required")
	}
	if !req.EntityType.Valid() {
		return apperrors.Invalid("entity_type must be %q or %q", models.EntityProduct, models.EntityOrder)
	}
	if req.Marketplace == "" {
		return apperrors.Invalid("marketplace is required")
	}
	if !c.pusher.Has(req.Marketplace) {
		return apperrors.Invalid("unknown marketplace %q", req.Marketplace)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return apperrors.Invalid("payload must be valid JSON")
	}
	return nil
}

// markPending creates the record or moves it back to pending. Attempt
// count and last error survive until the next success.
func (c *Coordinator) markPending(ctx context.Context, key models.SyncKey, payload json.RawMessage) (*models.SyncRecord, error) {
	for i := 0; i < 3; i++ {
		now := time.Now().UTC()
		rec, err := c.store.GetSyncRecord(ctx, key)
		if err != nil {
			return nil, err
		}

		if rec == nil {
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
			rec = &models.SyncRecord{
				ID:          models.NewID("syn"),
				EntityID:    key.EntityID,
				EntityType:  key.EntityType,
				Marketplace: key.Marketplace,
				Status:      models.SyncPending,
				Payload:     payload,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			err = c.store.CreateSyncRecord(ctx, rec)
		} else {
			rec.Status = models.SyncPending
			if len(payload) > 0 {
				rec.Payload = payload
			}
			rec.NextAttemptAt = nil
			rec.UpdatedAt = now
			err = c.store.UpdateSyncRecord(ctx, rec)
		}

		if err == nil {
			return rec, nil
		}
		if !apperrors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrConflict, "sync record "+key.String()+" kept changing")
}

func (c *Coordinator) tryEnqueue(h *Handle) bool {
	select {
	case c.queue <- h:
		c.metrics.SyncQueueDepth.Set(float64(len(c.queue)))
		return true
	default:
		return false
	}
}

func (c *Coordinator) enqueueWait(h *Handle) bool {
	select {
	case c.queue <- h:
		c.metrics.SyncQueueDepth.Set(float64(len(c.queue)))
		return true
	case <-c.ctx.Done():
		return false
	}
}

// abandon releases the key and completes h without touching the record.
func (c *Coordinator) abandon(h *Handle, err error) {
	c.finish(h, nil, err)
}

func (c *Coordinator) finish(h *Handle, rec *models.SyncRecord, err error) {
	c.mu.Lock()
	if c.inflight[h.key] == h {
		delete(c.inflight, h.key)
	}
	c.mu.Unlock()
	h.complete(rec, err)
}

func (c *Coordinator) workerLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case h := <-c.queue:
			c.metrics.SyncQueueDepth.Set(float64(len(c.queue)))
			for c.attempt(h) {
			}
		}
	}
}

// attempt runs one push for h and records the outcome. It reports true
// when a newer payload arrived during a successful push and must be
// pushed right away.
func (c *Coordinator) attempt(h *Handle) bool {
	ctx := c.ctx
	log := c.log.With().Str("key", h.key.String()).Logger()

	c.mu.Lock()
	payload := h.payload
	contended := h.contended
	h.pushing = true
	h.rerun = false
	c.mu.Unlock()

	if contended {
		if rec := c.syncedElsewhere(ctx, h, payload); rec != nil {
			log.Debug().Msg("synced by another process")
			c.finish(h, rec, nil)
			return false
		}
	}

	claimID := models.NewID("clm")
	rec, claimed, err := c.claim(ctx, h.key, claimID, payload)
	if err != nil {
		if !apperrors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("could not claim sync record")
		}
		c.abandon(h, err)
		return false
	}
	if !claimed {
		c.awaitLease(h, rec, log)
		return false
	}

	pushCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	externalID, pushErr := c.pusher.Push(pushCtx, h.key.Marketplace, h.key.EntityType, h.key.EntityID, payload)
	cancel()

	if ctx.Err() != nil {
		c.abandon(h, ctx.Err())
		return false
	}
	if pushErr == nil && externalID == "" {
		pushErr = apperrors.Permanent(fmt.Errorf("marketplace %s returned an empty external id", h.key.Marketplace))
	}

	now := time.Now().UTC()
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now

	if pushErr == nil {
		return c.succeed(ctx, h, rec, claimID, externalID, log)
	}
	c.fail(ctx, h, rec, claimID, pushErr, log)
	return false
}

// claim takes the push lease on the key's record, creating the record
// first if it is missing. It reports false with the current row while
// another process holds a live lease.
func (c *Coordinator) claim(ctx context.Context, key models.SyncKey, claimID string, payload json.RawMessage) (*models.SyncRecord, bool, error) {
	for i := 0; i < 2; i++ {
		now := time.Now().UTC()
		rec, claimed, err := c.store.ClaimSyncRecord(ctx, key, storage.SyncClaim{
			ID:      claimID,
			Payload: payload,
			Now:     now,
			Until:   now.Add(c.cfg.CallTimeout + leaseGrace),
		})
		if err != nil || rec != nil {
			return rec, claimed, err
		}
		if _, err := c.markPending(ctx, key, payload); err != nil {
			return nil, false, err
		}
	}
	return nil, false, apperrors.Wrap(apperrors.ErrNotFound, "sync record "+key.String())
}

// awaitLease parks h until the lease another process holds on its key
// lapses, looking again every leasePoll in case it is released early.
func (c *Coordinator) awaitLease(h *Handle, rec *models.SyncRecord, log zerolog.Logger) {
	delay := leasePoll
	if rec != nil && rec.ClaimedUntil != nil {
		if left := time.Until(*rec.ClaimedUntil); left > 0 && left < delay {
			delay = left
		}
	}

	c.mu.Lock()
	h.pushing = false
	h.contended = true
	c.mu.Unlock()

	log.Debug().Dur("recheck_in", delay).Msg("sync record is being pushed by another process")
	c.scheduleRetry(h, delay)
}

// syncedElsewhere returns the stored record when another process pushed
// the same payload after h was requested.
func (c *Coordinator) syncedElsewhere(ctx context.Context, h *Handle, payload json.RawMessage) *models.SyncRecord {
	rec, err := c.store.GetSyncRecord(ctx, h.key)
	if err != nil || rec == nil || rec.Status != models.SyncSynced || rec.LastSuccessAt == nil {
		return nil
	}
	if rec.LastSuccessAt.Before(h.since) || !bytes.Equal(rec.Payload, payload) {
		return nil
	}
	return rec
}

// leaseLost completes h when its outcome could not be stored. On a
// conflict another process took the key over; a synced record then means
// the entity is on the marketplace whoever pushed it.
func (c *Coordinator) leaseLost(ctx context.Context, h *Handle, cause error, log zerolog.Logger) {
	if !apperrors.Is(cause, apperrors.ErrConflict) {
		log.Error().Err(cause).Msg("failed to record sync outcome")
		c.abandon(h, cause)
		return
	}

	stored, err := c.store.GetSyncRecord(ctx, h.key)
	if err != nil {
		c.abandon(h, err)
		return
	}
	if stored != nil && stored.Status == models.SyncSynced {
		log.Warn().Err(cause).Msg("push lease lost, record already synced")
		c.finish(h, stored, nil)
		return
	}
	log.Warn().Err(cause).Msg("push lease lost")
	c.finish(h, stored, cause)
}

func (c *Coordinator) succeed(ctx context.Context, h *Handle, rec *models.SyncRecord, claimID, externalID string, log zerolog.Logger) bool {
	failedBefore := rec.AttemptCount
	previousError := rec.LastError

	rec.Status = models.SyncSynced
	rec.ExternalID = &externalID
	rec.LastSuccessAt = rec.LastAttemptAt
	rec.AttemptCount = 0
	rec.LastError = nil
	rec.NextAttemptAt = nil

	if err := c.store.ReleaseSyncRecord(ctx, rec, claimID); err != nil {
		c.leaseLost(ctx, h, err, log)
		return false
	}
	c.metrics.SyncAttempts.WithLabelValues(h.key.Marketplace, "success").Inc()

	log.Info().
		Str("external_id", externalID).
		Int("failed_attempts", failedBefore).
		Msg("entity synced")

	c.emit(ctx, models.EventEntitySynced, map[string]any{
		"entity_id":   rec.EntityID,
		"entity_type": rec.EntityType,
		"marketplace": rec.Marketplace,
		"external_id": externalID,
	})

	if failedBefore > 0 {
		msg := fmt.Sprintf("%s synced to %s after %d failed attempt(s)", h.key.EntityID, h.key.Marketplace, failedBefore)
		meta := map[string]string{
			"entity_id":   rec.EntityID,
			"entity_type": string(rec.EntityType),
			"marketplace": rec.Marketplace,
		}
		if previousError != nil {
			meta["previous_error"] = *previousError
		}
		c.notify(ctx, &models.Notification{
			Type:     models.NotifySyncRecovered,
			Title:    "Sync recovered",
			Message:  msg,
			Severity: models.SeveritySuccess,
			Metadata: meta,
		})
	}

	c.mu.Lock()
	h.pushing = false
	if h.rerun {
		h.rerun = false
		h.attempts = 0
		c.mu.Unlock()
		log.Debug().Msg("payload changed during push, pushing again")
		return true
	}
	delete(c.inflight, h.key)
	c.mu.Unlock()

	h.complete(rec, nil)
	return false
}

func (c *Coordinator) fail(ctx context.Context, h *Handle, rec *models.SyncRecord, claimID string, pushErr error, log zerolog.Logger) {
	msg := pushErr.Error()
	rec.Status = models.SyncFailed
	rec.AttemptCount++
	rec.LastError = &msg

	c.mu.Lock()
	h.pushing = false
	h.attempts++
	attempts := h.attempts
	c.mu.Unlock()

	retryable := apperrors.IsRetryable(pushErr)
	if retryable && attempts < c.cfg.MaxAttempts {
		delay := c.policy.Delay(attempts)
		next := rec.UpdatedAt.Add(delay)
		rec.NextAttemptAt = &next
		if err := c.store.ReleaseSyncRecord(ctx, rec, claimID); err != nil {
			c.leaseLost(ctx, h, err, log)
			return
		}
		c.metrics.SyncAttempts.WithLabelValues(h.key.Marketplace, "retry").Inc()

		log.Warn().
			Err(pushErr).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("sync failed, retry scheduled")

		c.scheduleRetry(h, delay)
		return
	}

	rec.NextAttemptAt = nil
	if err := c.store.ReleaseSyncRecord(ctx, rec, claimID); err != nil {
		c.leaseLost(ctx, h, err, log)
		return
	}

	eventType := models.EventEntitySyncFailed
	title := "Sync failed"
	if retryable {
		eventType = models.EventEntitySyncExhausted
		title = "Sync retries exhausted"
	}
	c.metrics.SyncAttempts.WithLabelValues(h.key.Marketplace, "failed").Inc()

	log.Error().
		Err(pushErr).
		Int("attempts", attempts).
		Bool("retryable", retryable).
		Msg("sync failed permanently")

	c.emit(ctx, eventType, map[string]any{
		"entity_id":     rec.EntityID,
		"entity_type":   rec.EntityType,
		"marketplace":   rec.Marketplace,
		"attempt_count": rec.AttemptCount,
		"last_error":    msg,
	})
	c.notify(ctx, &models.Notification{
		Type:     models.NotifySyncFailed,
		Title:    title,
		Message:  fmt.Sprintf("%s could not be synced to %s: %s", h.key.EntityID, h.key.Marketplace, msg),
		Severity: models.SeverityError,
		Metadata: map[string]string{
			"entity_id":   rec.EntityID,
			"entity_type": string(rec.EntityType),
			"marketplace": rec.Marketplace,
			"attempts":    fmt.Sprint(rec.AttemptCount),
		},
	})

	c.finish(h, rec, pushErr)
}

func (c *Coordinator) scheduleRetry(h *Handle, delay time.Duration) {
	c.timers.Add(1)
	go func() {
		defer c.timers.Done()
		if err := retry.Sleep(c.ctx, delay); err != nil {
			c.abandon(h, err)
			return
		}
		if !c.enqueueWait(h) {
			c.abandon(h, c.ctx.Err())
		}
	}()
}

func (c *Coordinator) emit(ctx context.Context, eventType string, payload map[string]any) {
	if c.events == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("event_type", eventType).Msg("failed to encode event")
		return
	}
	e := &models.DomainEvent{EventType: eventType, Payload: body}
	if _, err := c.events.Publish(ctx, e); err != nil {
		c.log.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

func (c *Coordinator) notify(ctx context.Context, n *models.Notification) {
	if c.notifier == nil {
		return
	}
	// Raise logs its own failures.
	_ = c.notifier.Raise(ctx, n)
}
