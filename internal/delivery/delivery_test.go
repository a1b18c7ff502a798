package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meschain/syncrelay/internal/config"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/notify"
	"github.com/meschain/syncrelay/internal/signing"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:           4,
		QueueSize:         64,
		Timeout:           2 * time.Second,
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BreakerThreshold:  10,
		SweepInterval:     10 * time.Millisecond,
		StuckTimeout:      time.Minute,
		ResponseBodyLimit: 1024,
	}
}

type fixture struct {
	store storage.Storage
	feed  *notify.Feed
	disp  *Dispatcher
}

func newFixture(t *testing.T, tweak ...func(*config.DeliveryConfig)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	store := testutil.NewStore(t)
	log := testutil.Logger(t)
	feed := notify.NewFeed(store, log)
	return &fixture{
		store: store,
		feed:  feed,
		disp:  NewDispatcher(cfg, store, feed, metrics.New(), log),
	}
}

func (f *fixture) start(t *testing.T) {
	f.disp.Start()
	t.Cleanup(f.disp.Stop)
}

func (f *fixture) subscribe(t *testing.T, eventType, url string) *models.WebhookSubscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:        models.NewID("whk"),
		EventType: eventType,
		URL:       url,
		Secret:    "whsec_test",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
	return sub
}

func (f *fixture) publish(t *testing.T, e *models.DomainEvent) *PublishResult {
	t.Helper()
	res, err := f.disp.Publish(context.Background(), e)
	require.NoError(t, err)
	return res
}

// waitClosed blocks until the delivery cycle leaves pending.
func (f *fixture) waitClosed(t *testing.T, deliveryID string) *models.Delivery {
	t.Helper()
	var d *models.Delivery
	require.Eventually(t, func() bool {
		var err error
		d, err = f.store.GetDelivery(context.Background(), deliveryID)
		return err == nil && d != nil && d.Status != models.DeliveryPending
	}, 5*time.Second, 5*time.Millisecond)
	return d
}

func (f *fixture) subscription(t *testing.T, id string) *models.WebhookSubscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (f *fixture) notifications(t *testing.T, severity models.Severity) []models.Notification {
	t.Helper()
	list, _, err := f.feed.List(context.Background(), storage.NotificationFilter{Severity: severity}, models.Page{})
	require.NoError(t, err)
	return list
}

func (f *fixture) attempts(t *testing.T, deliveryID string) []models.DeliveryAttempt {
	t.Helper()
	list, err := f.store.ListAttemptsByDelivery(context.Background(), deliveryID)
	require.NoError(t, err)
	return list
}

// assertCountersBalanced checks that every completed attempt was counted
// exactly once as a success or an error.
func (f *fixture) assertCountersBalanced(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	counters, err := f.store.GetCounters(ctx, storage.CounterDeliveriesSuccess, storage.CounterDeliveriesError)
	require.NoError(t, err)

	_, total, err := f.store.ListAttempts(ctx, storage.AttemptFilter{}, models.Page{})
	require.NoError(t, err)
	_, pending, err := f.store.ListAttempts(ctx, storage.AttemptFilter{Outcome: models.OutcomePending}, models.Page{})
	require.NoError(t, err)

	assert.Equal(t, total-pending, counters[storage.CounterDeliveriesSuccess]+counters[storage.CounterDeliveriesError])
}

func statusServer(t *testing.T, status func(n int32) int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status(n))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func orderCreated() *models.DomainEvent {
	return &models.DomainEvent{
		EventType: "order.created",
		Payload:   json.RawMessage(`{"order_id":"ORD-1","total":120.5}`),
	}
}

func TestPublishDeliversSignedEnvelope(t *testing.T) {
	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)
	sub := f.subscribe(t, "order.*", srv.URL)
	f.start(t)

	res := f.publish(t, orderCreated())
	require.Len(t, res.Deliveries, 1)
	assert.Equal(t, sub.ID, res.Deliveries[0].SubscriptionID)
	assert.NotEmpty(t, res.Event.ID)

	var r received
	select {
	case r = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	assert.True(t, signing.Verify(sub.Secret, r.body, r.header.Get(signing.Header)))
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, res.Event.ID, r.header.Get(HeaderEventID))
	assert.Equal(t, "order.created", r.header.Get(HeaderEventType))
	assert.Equal(t, res.Deliveries[0].ID, r.header.Get(HeaderDelivery))
	assert.Equal(t, "1", r.header.Get(HeaderAttempt))

	var env Envelope
	require.NoError(t, json.Unmarshal(r.body, &env))
	assert.Equal(t, res.Event.ID, env.EventID)
	assert.Equal(t, "order.created", env.EventType)
	assert.JSONEq(t, `{"order_id":"ORD-1","total":120.5}`, string(env.Payload))

	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliverySuccess, d.Status)

	attempts := f.attempts(t, d.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeSuccess, attempts[0].Outcome)
	require.NotNil(t, attempts[0].HTTPStatus)
	assert.Equal(t, 200, *attempts[0].HTTPStatus)
	assert.NotNil(t, attempts[0].StartedAt)
	assert.NotNil(t, attempts[0].CompletedAt)

	updated := f.subscription(t, sub.ID)
	assert.EqualValues(t, 1, updated.SuccessCount)
	assert.Zero(t, updated.ErrorCount)
	assert.NotNil(t, updated.LastTriggeredAt)
	f.assertCountersBalanced(t)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "product.approved", "http://127.0.0.1:1/unused")

	res := f.publish(t, orderCreated())
	assert.Empty(t, res.Deliveries)

	stored, err := f.store.GetEvent(context.Background(), res.Event.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	counters, err := f.store.GetCounters(context.Background(), storage.EventsCounter(time.Now()))
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters[storage.EventsCounter(time.Now())])
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t)
	for name, e := range map[string]*models.DomainEvent{
		"empty type":    {},
		"wildcard type": {EventType: "order.*"},
		"bad payload":   {EventType: "order.created", Payload: json.RawMessage(`{"x":`)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.disp.Publish(context.Background(), e)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusGone })

	f := newFixture(t)
	sub := f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	res := f.publish(t, orderCreated())
	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliveryFailed, d.Status)

	attempts := f.attempts(t, d.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomePermanentFailure, attempts[0].Outcome)
	assert.Equal(t, 410, *attempts[0].HTTPStatus)
	assert.EqualValues(t, 1, hits.Load())

	updated := f.subscription(t, sub.ID)
	assert.EqualValues(t, 1, updated.ErrorCount)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.True(t, updated.Enabled)

	errs := f.notifications(t, models.SeverityError)
	require.Len(t, errs, 1)
	assert.Equal(t, models.NotifyDeliveryFailed, errs[0].Type)
	f.assertCountersBalanced(t)
}

func TestRetryThenSuccess(t *testing.T) {
	srv, hits := statusServer(t, func(n int32) int {
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})

	f := newFixture(t)
	sub := f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	res := f.publish(t, orderCreated())
	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliverySuccess, d.Status)
	assert.Equal(t, 3, d.AttemptCount)

	attempts := f.attempts(t, d.ID)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
	assert.Equal(t, models.OutcomeRetryableFailure, attempts[0].Outcome)
	assert.Equal(t, models.OutcomeRetryableFailure, attempts[1].Outcome)
	assert.Equal(t, models.OutcomeSuccess, attempts[2].Outcome)
	assert.EqualValues(t, 3, hits.Load())

	updated := f.subscription(t, sub.ID)
	assert.EqualValues(t, 1, updated.SuccessCount)
	assert.EqualValues(t, 2, updated.ErrorCount)
	assert.Zero(t, updated.ConsecutiveFailures)
	assert.Empty(t, f.notifications(t, models.SeverityError))
	f.assertCountersBalanced(t)
}

func TestRetriesExhausted(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusInternalServerError })

	f := newFixture(t)
	f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	res := f.publish(t, orderCreated())
	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Len(t, f.attempts(t, d.ID), 3)
	assert.EqualValues(t, 3, hits.Load())
	assert.Len(t, f.notifications(t, models.SeverityError), 1)
	f.assertCountersBalanced(t)
}

func TestBreakerDisablesSubscription(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusInternalServerError })

	f := newFixture(t, func(c *config.DeliveryConfig) { c.MaxAttempts = 1 })
	sub := f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	for i := 0; i < 10; i++ {
		res := f.publish(t, orderCreated())
		require.Len(t, res.Deliveries, 1, "publish %d", i+1)
		f.waitClosed(t, res.Deliveries[0].ID)
	}

	updated := f.subscription(t, sub.ID)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 10, updated.ConsecutiveFailures)
	assert.EqualValues(t, 10, updated.ErrorCount)

	warnings := f.notifications(t, models.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, models.NotifyCircuitOpened, warnings[0].Type)
	assert.Len(t, f.notifications(t, models.SeverityError), 10)

	res := f.publish(t, orderCreated())
	assert.Empty(t, res.Deliveries)
	assert.EqualValues(t, 10, hits.Load())

	counters, err := f.store.GetCounters(context.Background(), storage.CounterWebhooksActive)
	require.NoError(t, err)
	assert.Zero(t, counters[storage.CounterWebhooksActive])
	f.assertCountersBalanced(t)
}

func TestBreakerEndsCycleMidRetry(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusBadGateway })

	f := newFixture(t, func(c *config.DeliveryConfig) {
		c.MaxAttempts = 5
		c.BreakerThreshold = 2
	})
	sub := f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	res := f.publish(t, orderCreated())
	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Len(t, f.attempts(t, d.ID), 2)
	assert.EqualValues(t, 2, hits.Load())
	assert.False(t, f.subscription(t, sub.ID).Enabled)
}

func TestDuplicateEventIDOpensNewCycle(t *testing.T) {
	var ids []string
	idCh := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idCh <- r.Header.Get(HeaderEventID)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)
	f.subscribe(t, "order.created", srv.URL)
	f.start(t)

	first := orderCreated()
	first.ID = "evt_fixed"
	r1 := f.publish(t, first)

	again := orderCreated()
	again.ID = "evt_fixed"
	again.Payload = json.RawMessage(`{"order_id":"changed"}`)
	r2 := f.publish(t, again)

	require.Len(t, r1.Deliveries, 1)
	require.Len(t, r2.Deliveries, 1)
	assert.NotEqual(t, r1.Deliveries[0].ID, r2.Deliveries[0].ID)
	assert.JSONEq(t, `{"order_id":"ORD-1","total":120.5}`, string(r2.Event.Payload))

	for _, d := range []models.Delivery{r1.Deliveries[0], r2.Deliveries[0]} {
		closed := f.waitClosed(t, d.ID)
		assert.Equal(t, models.DeliverySuccess, closed.Status)
		attempts := f.attempts(t, d.ID)
		require.Len(t, attempts, 1)
		assert.Equal(t, 1, attempts[0].AttemptNumber)
	}

	for i := 0; i < 2; i++ {
		ids = append(ids, <-idCh)
	}
	assert.Equal(t, []string{"evt_fixed", "evt_fixed"}, ids)

	cycles, err := f.store.ListDeliveriesByEvent(context.Background(), "evt_fixed")
	require.NoError(t, err)
	assert.Len(t, cycles, 2)
}

func TestAttemptForDisabledSubscriptionFailsWithoutSending(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusOK })

	f := newFixture(t)
	sub := f.subscribe(t, "order.created", srv.URL)

	// queued while enabled, disabled before any worker runs
	res := f.publish(t, orderCreated())
	_, err := f.store.SetSubscriptionEnabled(context.Background(), sub.ID, false)
	require.NoError(t, err)
	f.start(t)

	d := f.waitClosed(t, res.Deliveries[0].ID)
	assert.Equal(t, models.DeliveryFailed, d.Status)

	attempts := f.attempts(t, d.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomePermanentFailure, attempts[0].Outcome)
	assert.Equal(t, "circuit open", attempts[0].Error)
	assert.Nil(t, attempts[0].HTTPStatus)
	assert.Zero(t, hits.Load())

	updated := f.subscription(t, sub.ID)
	assert.EqualValues(t, 1, updated.ErrorCount)
	assert.Zero(t, updated.ConsecutiveFailures)
	assert.Len(t, f.notifications(t, models.SeverityError), 1)
	f.assertCountersBalanced(t)
}

func TestStuckAttemptIsRecovered(t *testing.T) {
	srv, hits := statusServer(t, func(int32) int { return http.StatusOK })

	f := newFixture(t)
	sub := f.subscribe(t, "order.created", srv.URL)
	ctx := context.Background()

	ev := orderCreated()
	ev.ID = models.NewID("evt")
	ev.EmittedAt = time.Now().UTC()
	_, err := f.store.CreateEvent(ctx, ev)
	require.NoError(t, err)

	long := time.Now().UTC().Add(-time.Hour)
	cycle := &models.Delivery{
		ID: models.NewID("dlv"), EventID: ev.ID, SubscriptionID: sub.ID,
		Status: models.DeliveryPending, AttemptCount: 1, CreatedAt: long, UpdatedAt: long,
	}
	first := &models.DeliveryAttempt{
		ID: models.NewID("att"), DeliveryID: cycle.ID, EventID: ev.ID, SubscriptionID: sub.ID,
		AttemptNumber: 1, Outcome: models.OutcomePending, ScheduledAt: long, RequestedAt: long,
	}
	require.NoError(t, f.store.CreateDelivery(ctx, cycle, first))
	claimed, err := f.store.ClaimAttempt(ctx, first.ID, long)
	require.NoError(t, err)
	require.True(t, claimed)

	f.start(t)

	d := f.waitClosed(t, cycle.ID)
	assert.Equal(t, models.DeliverySuccess, d.Status)

	attempts := f.attempts(t, cycle.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OutcomeRetryableFailure, attempts[0].Outcome)
	assert.Contains(t, attempts[0].Error, "abandoned")
	assert.Equal(t, models.OutcomeSuccess, attempts[1].Outcome)
	assert.EqualValues(t, 1, hits.Load())
	f.assertCountersBalanced(t)
}

func TestTestPing(t *testing.T) {
	var gotType atomic.Value
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType.Store(r.Header.Get(HeaderEventType))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ok.Close)
	broken, _ := statusServer(t, func(int32) int { return http.StatusInternalServerError })

	f := newFixture(t)
	good := f.subscribe(t, "order.created", ok.URL)
	bad := f.subscribe(t, "order.created", broken.URL)
	ctx := context.Background()

	res, err := f.disp.Test(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, models.EventWebhookTest, gotType.Load())

	res, err = f.disp.Test(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 500, res.StatusCode)
	assert.NotEmpty(t, res.Error)

	_, err = f.disp.Test(ctx, "whk_missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.Len(t, f.notifications(t, models.SeveritySuccess), 1)
	assert.Len(t, f.notifications(t, models.SeverityError), 1)

	_, total, err := f.store.ListAttempts(ctx, storage.AttemptFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, f.subscription(t, good.ID).SuccessCount)
	assert.Zero(t, f.subscription(t, bad.ID).ErrorCount)
}

func TestSenderClassification(t *testing.T) {
	tests := []struct {
		status int
		want   models.Outcome
	}{
		{200, models.OutcomeSuccess},
		{204, models.OutcomeSuccess},
		{400, models.OutcomePermanentFailure},
		{404, models.OutcomePermanentFailure},
		{408, models.OutcomeRetryableFailure},
		{410, models.OutcomePermanentFailure},
		{429, models.OutcomeRetryableFailure},
		{500, models.OutcomeRetryableFailure},
		{503, models.OutcomeRetryableFailure},
	}

	sender := NewSender(testConfig())
	ev := &models.DomainEvent{ID: "evt_1", EventType: "order.created", Payload: json.RawMessage(`{}`), EmittedAt: time.Now()}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := statusServer(t, func(int32) int { return tt.status })
			res := sender.Send(context.Background(), Request{URL: srv.URL, Secret: "s", DeliveryID: "dlv_1", Attempt: 1, Event: ev})
			assert.Equal(t, tt.want, res.Outcome())
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		res := sender.Send(context.Background(), Request{URL: url, Secret: "s", DeliveryID: "dlv_1", Attempt: 1, Event: ev})
		assert.Equal(t, models.OutcomeRetryableFailure, res.Outcome())
		assert.Zero(t, res.StatusCode)
		assert.Contains(t, res.ErrorString(), "request failed")
	})
}

func TestSenderTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	t.Cleanup(srv.Close)

	sender := NewSender(testConfig())
	ev := &models.DomainEvent{ID: "evt_1", EventType: "order.created", Payload: json.RawMessage(`{}`)}
	res := sender.Send(context.Background(), Request{URL: srv.URL, Secret: "s", Event: ev})
	assert.Len(t, res.ResponseBody, 1024)
}

func TestNextAttemptAt(t *testing.T) {
	p := retryPolicy(config.DeliveryConfig{BaseDelay: time.Second, MaxDelay: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next := NextAttemptAt(p, now, 1, 3)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(time.Second), *next)

	next = NextAttemptAt(p, now, 2, 3)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(2*time.Second), *next)

	assert.Nil(t, NextAttemptAt(p, now, 3, 3))
}
