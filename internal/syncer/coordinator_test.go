package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/delivery"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/marketplace"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/notify"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (r *recordedEvents) Publish(_ context.Context, e *models.DomainEvent) (*delivery.PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return &delivery.PublishResult{Event: *e}, nil
}

func (r *recordedEvents) ofType(eventType string) []models.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DomainEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	cfg    config.SyncConfig
	reg    *marketplace.Registry
	store  storage.Storage
	events *recordedEvents
	feed   *notify.Feed
	calls  atomic.Int32
}

// newFixture wires a coordinator against a real SQLite store and a
// "trendyol" adapter driven by push.
func newFixture(t *testing.T, push marketplace.AdapterFunc, tweak ...func(*config.SyncConfig)) *fixture {
	t.Helper()

	cfg := config.SyncConfig{
		Workers:     4,
		QueueSize:   64,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		CallTimeout: 2 * time.Second,
		StaleAfter:  time.Minute,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	f := &fixture{cfg: cfg, store: testutil.NewStore(t), events: &recordedEvents{}}
	log := testutil.Logger(t)
	f.feed = notify.NewFeed(f.store, log)

	f.reg = marketplace.NewRegistry()
	f.reg.Register("trendyol", marketplace.AdapterFunc(func(ctx context.Context, et models.EntityType, id string, p json.RawMessage) (string, error) {
		f.calls.Add(1)
		return push(ctx, et, id, p)
	}))

	f.coord = New(cfg, f.store, f.reg, f.events, f.feed, metrics.New(), log)
	return f
}

// peer starts a second coordinator over the same database and adapters,
// standing in for another process.
func (f *fixture) peer(t *testing.T) *Coordinator {
	t.Helper()
	c := New(f.cfg, f.store, f.reg, f.events, f.feed, metrics.New(), testutil.Logger(t))
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func (f *fixture) start(t *testing.T) {
	f.coord.Start()
	t.Cleanup(f.coord.Stop)
}

func (f *fixture) notifications(t *testing.T, severity models.Severity) []models.Notification {
	t.Helper()
	list, _, err := f.feed.List(context.Background(), storage.NotificationFilter{Severity: severity}, models.Page{})
	require.NoError(t, err)
	return list
}

func waitHandle(t *testing.T, h *Handle) (*models.SyncRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return rec, err
}

var product42 = SyncRequest{
	EntityID:    "42",
	EntityType:  models.EntityProduct,
	Marketplace: "trendyol",
	Payload:     json.RawMessage(`{"title":"Kettle","price":499}`),
}

func TestRequestSyncSucceeds(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "TY-1001", nil
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)
	assert.Equal(t, product42.key(), h.Key())

	rec, err := waitHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	require.NotNil(t, rec.ExternalID)
	assert.Equal(t, "TY-1001", *rec.ExternalID)
	assert.Zero(t, rec.AttemptCount)
	assert.Nil(t, rec.LastError)
	assert.NotNil(t, rec.LastSuccessAt)

	stored, err := f.coord.GetSyncStatus(context.Background(), h.Key())
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, stored.Status)
	assert.JSONEq(t, string(product42.Payload), string(stored.Payload))

	synced := f.events.ofType(models.EventEntitySynced)
	require.Len(t, synced, 1)
	assert.JSONEq(t, `{"entity_id":"42","entity_type":"product","marketplace":"trendyol","external_id":"TY-1001"}`, string(synced[0].Payload))
	assert.Empty(t, f.notifications(t, models.SeveritySuccess))
	assert.Zero(t, f.coord.InFlight())
}

func TestRetryThenRecover(t *testing.T) {
	var n atomic.Int32
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		if n.Add(1) <= 2 {
			return "", apperrors.Retryable(errors.New("connection reset"))
		}
		return "TY-7", nil
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)

	rec, err := waitHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	assert.Zero(t, rec.AttemptCount)
	assert.Nil(t, rec.LastError)
	assert.EqualValues(t, 3, f.calls.Load())

	recovered := f.notifications(t, models.SeveritySuccess)
	require.Len(t, recovered, 1)
	assert.Equal(t, models.NotifySyncRecovered, recovered[0].Type)
	assert.Contains(t, recovered[0].Metadata["previous_error"], "connection reset")
	assert.Empty(t, f.notifications(t, models.SeverityError))
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "", apperrors.FromStatus(503, "maintenance")
	}, func(c *config.SyncConfig) { c.MaxAttempts = 3 })
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)

	rec, err := waitHandle(t, h)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, models.SyncFailed, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "503")
	assert.Nil(t, rec.NextAttemptAt)
	assert.EqualValues(t, 3, f.calls.Load())

	assert.Len(t, f.events.ofType(models.EventEntitySyncExhausted), 1)
	assert.Empty(t, f.events.ofType(models.EventEntitySyncFailed))
	assert.Empty(t, f.events.ofType(models.EventEntitySynced))

	errs := f.notifications(t, models.SeverityError)
	require.Len(t, errs, 1)
	assert.Equal(t, models.NotifySyncFailed, errs[0].Type)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "", apperrors.FromStatus(422, "invalid barcode")
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)

	rec, err := waitHandle(t, h)
	require.Error(t, err)
	assert.Equal(t, models.SyncFailed, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Len(t, f.events.ofType(models.EventEntitySyncFailed), 1)
	assert.Empty(t, f.events.ofType(models.EventEntitySyncExhausted))
	assert.Len(t, f.notifications(t, models.SeverityError), 1)
}

func TestEmptyExternalIDIsPermanent(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "", nil
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)

	rec, err := waitHandle(t, h)
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, models.SyncFailed, rec.Status)
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ models.EntityType, _ string, _ json.RawMessage) (string, error) {
		select {
		case <-release:
			return "TY-9", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f.start(t)

	req := product42
	req.Payload = nil

	handles := make([]*Handle, 20)
	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.coord.RequestSync(context.Background(), req)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, f.coord.InFlight())

	close(release)
	rec, err := waitHandle(t, handles[0])
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestNewerPayloadDuringPushIsPushedAgain(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string

	f := newFixture(t, func(ctx context.Context, _ models.EntityType, _ string, p json.RawMessage) (string, error) {
		mu.Lock()
		seen = append(seen, string(p))
		mu.Unlock()
		started <- struct{}{}
		select {
		case <-release:
			return "TY-2", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)
	<-started

	newer := product42
	newer.Payload = json.RawMessage(`{"title":"Kettle","price":449}`)
	h2, err := f.coord.RequestSync(context.Background(), newer)
	require.NoError(t, err)
	assert.Same(t, h, h2)

	close(release)
	rec, err := waitHandle(t, h)
	require.NoError(t, err)
	assert.JSONEq(t, string(newer.Payload), string(rec.Payload))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.JSONEq(t, string(newer.Payload), seen[1])
	assert.Len(t, f.events.ofType(models.EventEntitySynced), 2)
}

func TestPendingKeepsLastError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	f := newFixture(t, func(ctx context.Context, _ models.EntityType, _ string, _ json.RawMessage) (string, error) {
		if fail.Load() {
			return "", apperrors.Permanent(errors.New("category not mapped"))
		}
		started <- struct{}{}
		select {
		case <-release:
			return "TY-3", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f.start(t)

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)
	_, err = waitHandle(t, h)
	require.Error(t, err)

	fail.Store(false)
	h, err = f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)
	<-started

	rec, err := f.coord.GetSyncStatus(context.Background(), product42.key())
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "category not mapped")
	assert.Equal(t, 1, rec.AttemptCount)

	close(release)
	rec, err = waitHandle(t, h)
	require.NoError(t, err)
	assert.Nil(t, rec.LastError)
	assert.Zero(t, rec.AttemptCount)
}

func TestRequestSyncValidation(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "x", nil
	})

	tests := []struct {
		name string
		req  SyncRequest
	}{
		{"missing entity id", SyncRequest{EntityType: models.EntityOrder, Marketplace: "trendyol"}},
		{"bad entity type", SyncRequest{EntityID: "1", EntityType: "invoice", Marketplace: "trendyol"}},
		{"missing marketplace", SyncRequest{EntityID: "1", EntityType: models.EntityOrder}},
		{"unknown marketplace", SyncRequest{EntityID: "1", EntityType: models.EntityOrder, Marketplace: "amazon"}},
		{"bad payload", SyncRequest{EntityID: "1", EntityType: models.EntityOrder, Marketplace: "trendyol", Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.RequestSync(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestRequestSyncQueueFull(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "x", nil
	}, func(c *config.SyncConfig) { c.QueueSize = 1 })
	// No workers: the queue never drains.

	_, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)

	other := product42
	other.EntityID = "43"
	_, err = f.coord.RequestSync(context.Background(), other)
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)

	f.coord.Stop()
}

func TestGetSyncStatusNotFound(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "x", nil
	})
	_, err := f.coord.GetSyncStatus(context.Background(), product42.key())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSweepResumesStaleRecords(t *testing.T) {
	f := newFixture(t, func(context.Context, models.EntityType, string, json.RawMessage) (string, error) {
		return "TY-5", nil
	})

	old := time.Now().UTC().Add(-time.Hour)
	stale := &models.SyncRecord{
		ID: models.NewID("sync"), EntityID: "7", EntityType: models.EntityOrder, Marketplace: "trendyol",
		Status: models.SyncPending, Payload: json.RawMessage(`{}`), CreatedAt: old, UpdatedAt: old,
	}
	require.NoError(t, f.store.CreateSyncRecord(context.Background(), stale))

	due := old.Add(30 * time.Minute)
	msg := "timeout"
	retrying := &models.SyncRecord{
		ID: models.NewID("sync"), EntityID: "8", EntityType: models.EntityOrder, Marketplace: "trendyol",
		Status: models.SyncFailed, Payload: json.RawMessage(`{}`), AttemptCount: 1, LastError: &msg,
		NextAttemptAt: &due, CreatedAt: old, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateSyncRecord(context.Background(), retrying))

	f.start(t)
	assert.Equal(t, 2, f.coord.sweep())

	for _, key := range []models.SyncKey{stale.Key(), retrying.Key()} {
		assert.Eventually(t, func() bool {
			rec, err := f.coord.GetSyncStatus(context.Background(), key)
			return err == nil && rec.Status == models.SyncSynced
		}, 5*time.Second, 10*time.Millisecond, key.String())
	}
	assert.Eventually(t, func() bool { return f.coord.InFlight() == 0 }, time.Second, 10*time.Millisecond)
	assert.Len(t, f.notifications(t, models.SeveritySuccess), 1)
}

func TestStopLeavesDurableState(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(t, func(ctx context.Context, _ models.EntityType, _ string, _ json.RawMessage) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", apperrors.Retryable(ctx.Err())
	})
	f.coord.Start()

	h, err := f.coord.RequestSync(context.Background(), product42)
	require.NoError(t, err)
	<-started

	f.coord.Stop()

	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := f.coord.GetSyncStatus(context.Background(), product42.key())
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, rec.Status)
	assert.Zero(t, rec.AttemptCount)
	assert.Empty(t, f.notifications(t, ""))
}
